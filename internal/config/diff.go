package config

import (
	"reflect"
	"sort"
	"strings"

	logx "taskbell/pkg/logx"
)

// SummarizeChange lists the sections that differ and log fields describing
// the new values. Secrets (passwords, tokens, JWT keys) are never included;
// only whether they are set or changed.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		fields  []logx.Field
	)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		)
	}

	o, n := oldCfg.HTTP, newCfg.HTTP
	if o.Addr != n.Addr || o.ReadTimeout != n.ReadTimeout || o.ShutdownTimeout != n.ShutdownTimeout || o.IngestToken != n.IngestToken {
		changed = append(changed, "http")
		fields = append(fields,
			logx.String("http.addr", n.Addr),
			logx.Bool("http.ingest_token_set", strings.TrimSpace(n.IngestToken) != ""),
			logx.Bool("http.ingest_token_changed", o.IngestToken != n.IngestToken),
		)
	}

	ost, nst := oldCfg.Storage, newCfg.Storage
	if ost.Path != nst.Path || ost.BusyTimeout != nst.BusyTimeout || ost.Dedup != nst.Dedup ||
		ost.Redis.Addr != nst.Redis.Addr || ost.Redis.DB != nst.Redis.DB || ost.Redis.Prefix != nst.Redis.Prefix ||
		ost.Redis.Password != nst.Redis.Password {
		changed = append(changed, "storage")
		fields = append(fields,
			logx.String("storage.dedup", nst.Dedup),
			logx.Bool("storage.redis_set", nst.Redis.Addr != ""),
		)
	}

	om, nm := oldCfg.Mail, newCfg.Mail
	om.Password, nm.Password = "", ""
	if om != nm || oldCfg.Mail.Password != newCfg.Mail.Password {
		changed = append(changed, "mail")
		fields = append(fields,
			logx.Bool("mail.enabled", nm.Enabled),
			logx.String("mail.host", nm.Host),
			logx.Int("mail.rate_per_sec", nm.RatePerSec),
			logx.Int("mail.retry_max", nm.RetryMax),
		)
	}

	if !reflect.DeepEqual(oldCfg.Realtime, newCfg.Realtime) {
		changed = append(changed, "realtime")
		fields = append(fields,
			logx.Bool("realtime.secret_changed", oldCfg.Realtime.JWTSecret != newCfg.Realtime.JWTSecret),
			logx.Int("realtime.allowed_origins", len(newCfg.Realtime.AllowedOrigins)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		fields = append(fields,
			logx.String("notifier.digest_schedule", newCfg.Notifier.DigestSchedule),
			logx.String("notifier.janitor_schedule", newCfg.Notifier.JanitorSchedule),
			logx.String("notifier.timezone", newCfg.Notifier.Timezone),
			logx.Int("notifier.extra_event_types", len(newCfg.Notifier.ExtraEventTypes)),
		)
	}

	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		fields = append(fields,
			logx.Bool("debug.pprof", newCfg.Debug.Pprof.Enabled),
			logx.String("debug.pprof_addr", newCfg.Debug.Pprof.Addr),
			logx.Bool("debug.pprof_token_set", newCfg.Debug.Pprof.Token != ""),
		)
	}

	sort.Strings(changed)
	return changed, fields
}

// HotSections are applied without a restart; every other change is logged
// and takes effect on the next start. Mail transport and notifier delivery
// settings inside a hot section still need a restart.
var HotSections = map[string]bool{"logging": true, "mail": true, "debug": true, "notifier": true}

// NeedsRestart reports the changed sections that are not hot-applied.
func NeedsRestart(changed []string) []string {
	var out []string
	for _, s := range changed {
		if !HotSections[s] {
			out = append(out, s)
		}
	}
	return out
}
