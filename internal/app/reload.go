package app

import (
	"context"
	"slices"
	"strings"

	"taskbell/internal/config"
	logx "taskbell/pkg/logx"
)

// reloadLoop applies validated configs published by the manager. Logging,
// mail rate/retry settings and notifier schedules apply live; everything
// else is logged as needing a restart.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: only the newest config matters.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			if next == nil {
				continue
			}
			a.applyConfig(last, next)
			last = next
		}
	}
}

func (a *App) applyConfig(prev, next *config.Config) {
	changed, fields := config.SummarizeChange(prev, next)
	if len(changed) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogging(next))
	a.mail.Apply(mapMail(next))
	if err := a.pprof.Reconfigure(context.Background(), mapPprof(next)); err != nil {
		a.log.Warn("pprof reconfigure failed", logx.Err(err))
	}
	if err := a.notif.ApplySchedules(mapNotifier(next)); err != nil {
		a.log.Warn("notifier schedules not applied", logx.Err(err))
	}
	if notifierDeliveryChanged(prev, next) {
		a.log.Warn("notifier delivery settings changed; restart required for them to take effect")
	}
	if mailTransportChanged(prev, next) {
		a.log.Warn("mail transport settings changed; restart required for them to take effect")
	}
	if restart := config.NeedsRestart(changed); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.Strings("sections", restart))
	}

	fields = append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, fields...)
	a.log.Info("config reloaded", fields...)
}

func mailTransportChanged(prev, next *config.Config) bool {
	if prev == nil || next == nil {
		return false
	}
	p, n := prev.Mail, next.Mail
	return p.Enabled != n.Enabled || p.Host != n.Host || p.Port != n.Port ||
		p.Username != n.Username || p.Password != n.Password || p.From != n.From || p.Timeout != n.Timeout
}

func notifierDeliveryChanged(prev, next *config.Config) bool {
	if prev == nil || next == nil {
		return false
	}
	p, n := prev.Notifier, next.Notifier
	return p.SendTimeout != n.SendTimeout || p.DedupWindow != n.DedupWindow || p.UserTTL != n.UserTTL ||
		!slices.Equal(p.ExtraEventTypes, n.ExtraEventTypes)
}
