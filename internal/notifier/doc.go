// Package notifier decides, per domain event, whether a user is notified now,
// later in a digest, or not at all.
//
// # Policy
//
// The Dispatcher resolves the user and their preferences, honours the
// per-namespace preference flag, and folds repeat notifications of the same
// kind inside the dedup window into the user's digest queue. Immediate kinds
// (account and security events, due-soon reminders) always go out. A send
// counts when at least one channel delivered it.
//
// # Periodic tasks
//
// Service runs a digest flush every 15 minutes and a cache janitor every
// hour. A digest that no channel accepts is requeued ahead of newer items.
package notifier
