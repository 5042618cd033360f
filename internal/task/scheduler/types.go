package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "taskbell/pkg/logx"
)

// Config controls the periodic trigger service.
type Config struct {
	// Timezone is an IANA name, e.g. "Europe/Berlin". Empty means Local.
	Timezone string
	// DefaultTimeout bounds a run when the schedule sets none.
	DefaultTimeout time.Duration
}

// Job is one periodic unit of work.
type Job func(ctx context.Context) error

type scheduleDef struct {
	name    string
	spec    string // cron spec or @every
	timeout time.Duration
	job     Job
	entryID cron.EntryID
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	parser cron.Parser

	c    *cron.Cron
	defs []scheduleDef

	// runCtx is cancelled when Stop gives up waiting on running jobs.
	runCtx    context.Context
	runCancel context.CancelFunc
}

// ScheduleInfo describes a registered schedule.
type ScheduleInfo struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Next    time.Time
	Prev    time.Time
}
