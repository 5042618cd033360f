// Package scheduler fires named periodic jobs on robfig/cron.
//
// Schedules are upserted by name and may be registered before Start. A job
// that is still running when its next trigger fires skips that trigger.
// Stop waits for running jobs; nothing fires after it returns.
package scheduler
