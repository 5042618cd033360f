package notifier

import (
	"context"

	logx "taskbell/pkg/logx"
)

// SweepReport counts what one janitor pass removed.
type SweepReport struct {
	Dedup  int
	Users  int
	Stored int64
}

// Sweep evicts expired dedup marks and cached users, then prunes expired
// rows from the dedup store. Read paths already ignore expired entries, so
// this only bounds memory.
func (d *Dispatcher) Sweep(ctx context.Context) SweepReport {
	now := d.now()
	rep := SweepReport{
		Dedup: d.dedup.EvictExpired(now),
		Users: d.users.EvictExpired(now),
	}
	d.metrics.eviction(ctx, "dedup", rep.Dedup)
	d.metrics.eviction(ctx, "users", rep.Users)

	n, err := d.dedup.Prune(ctx, now)
	if err != nil {
		d.log.Warn("dedup store prune failed", logx.Err(err))
	}
	rep.Stored = n

	d.log.Debug("cache sweep done",
		logx.Int("dedup", rep.Dedup), logx.Int("users", rep.Users), logx.Int64("stored", rep.Stored))
	return rep
}
