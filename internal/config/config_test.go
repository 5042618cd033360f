package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "taskbell/pkg/logx"
)

const sampleYAML = `
logging:
  level: debug
  console: true
http:
  addr: ":8080"
  ingest_token: ${TASKBELL_TEST_INGEST}
storage:
  path: ./taskbell.db
  dedup: sqlite
mail:
  enabled: true
  host: smtp.example.com
  port: 587
  from: noreply@example.com
  rate_per_sec: 5
realtime:
  jwt_secret: "0123456789abcdef0123"
notifier:
  digest_schedule: 15m
  janitor_schedule: "cron:0 * * * *"
  timezone: UTC
`

func TestDecodeYAMLWithEnv(t *testing.T) {
	t.Setenv("TASKBELL_TEST_INGEST", "s3cret")

	cfg, err := Decode("taskbell.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.HTTP.IngestToken != "s3cret" || cfg.Mail.Port != 587 || cfg.Notifier.DigestSchedule != "15m" {
		t.Fatalf("cfg=%+v", cfg)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if d := Duration(cfg.Mail.Timeout, time.Minute); d != time.Minute {
		t.Fatalf("mail timeout=%s", d)
	}
	if d := Duration("", time.Minute); d != time.Minute {
		t.Fatalf("default=%s", d)
	}
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()

	if _, err := Decode("c.yaml", []byte("logging:\n  levle: info\n")); err == nil {
		t.Fatalf("unknown key accepted")
	}
	if _, err := Decode("c.json", []byte(`{"logging":{}} {}`)); err == nil {
		t.Fatalf("trailing data accepted")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base := func() *Config {
		return &Config{
			HTTP:     HTTPConfig{Addr: ":8080"},
			Storage:  StorageConfig{Path: "x.db"},
			Realtime: RealtimeConfig{JWTSecret: strings.Repeat("k", 16)},
		}
	}
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"ok", func(*Config) {}, ""},
		{"short secret", func(c *Config) { c.Realtime.JWTSecret = "short" }, "realtime.jwt_secret"},
		{"bad dedup driver", func(c *Config) { c.Storage.Dedup = "memcached" }, "storage.dedup"},
		{"redis without addr", func(c *Config) { c.Storage.Dedup = "redis" }, "storage.redis.addr"},
		{"mail without host", func(c *Config) { c.Mail.Enabled = true; c.Mail.From = "a@b.c" }, "mail.host"},
		{"bad duration", func(c *Config) { c.Notifier.SendTimeout = "soon" }, "notifier.send_timeout"},
		{"bad schedule", func(c *Config) { c.Notifier.DigestSchedule = "cron:70 * * * *" }, "notifier.digest_schedule"},
		{"bad timezone", func(c *Config) { c.Notifier.Timezone = "Atlantis/Deep" }, "notifier.timezone"},
		{"negative duration", func(c *Config) { c.Mail.Timeout = "-1s" }, "mail.timeout"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
	}
	for _, tt := range tests {
		c := base()
		tt.mutate(c)
		err := Validate(c)
		if tt.want == "" {
			if err != nil {
				t.Fatalf("%s: %v", tt.name, err)
			}
			continue
		}
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Fatalf("%s: err=%v want mention of %s", tt.name, err, tt.want)
		}
	}
}

func TestSummarizeChangeHidesSecrets(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{Mail: MailConfig{Password: "old-pass"}, Realtime: RealtimeConfig{JWTSecret: "aaaaaaaaaaaaaaaa"}}
	newCfg := &Config{Mail: MailConfig{Password: "new-pass"}, Realtime: RealtimeConfig{JWTSecret: "bbbbbbbbbbbbbbbb"}, Logging: LoggingConfig{Level: "warn"}}

	changed, fields := SummarizeChange(oldCfg, newCfg)
	want := []string{"logging", "mail", "realtime"}
	if strings.Join(changed, ",") != strings.Join(want, ",") {
		t.Fatalf("changed=%v", changed)
	}

	var buf strings.Builder
	logx.NewWriter(&buf, "info").Info("reload", fields...)
	for _, secret := range []string{"new-pass", "bbbbbbbbbbbbbbbb"} {
		if strings.Contains(buf.String(), secret) {
			t.Fatalf("secret %q leaked: %s", secret, buf.String())
		}
	}
	if got := NeedsRestart(changed); len(got) != 1 || got[0] != "realtime" {
		t.Fatalf("needs restart=%v", got)
	}
}

func TestWatchPublishesValidReloads(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "taskbell.yaml")
	write := func(level string) {
		t.Helper()
		body := "logging: {level: " + level + "}\nhttp: {addr: \":8080\"}\nstorage: {path: x.db}\nrealtime: {jwt_secret: \"0123456789abcdef\"}\n"
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	write("info")

	m := NewManager(path, logx.Nop())
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	ch := m.Subscribe(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	write("loud") // rejected by Validate
	time.Sleep(600 * time.Millisecond)
	select {
	case c := <-ch:
		t.Fatalf("invalid config published: %+v", c.Logging)
	default:
	}

	write("debug")
	select {
	case c := <-ch:
		if c.Logging.Level != "debug" || m.Get().Logging.Level != "debug" {
			t.Fatalf("published=%q committed=%q", c.Logging.Level, m.Get().Logging.Level)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("reload not published")
	}

	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatalf("channel open after unsubscribe")
	}
}

func TestWatchReturnsWatcherErrors(t *testing.T) {
	t.Parallel()

	m := NewManager(filepath.Join(t.TempDir(), "missing", "taskbell.yaml"), logx.Nop())
	done := make(chan error, 1)
	go func() { done <- m.Watch(context.Background()) }()
	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected error for a missing directory")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("watch retried internally instead of returning")
	}
}

func TestWatchStopsCleanlyOnCancel(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "taskbell.yaml")
	m := NewManager(path, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("watch err=%v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("watch did not stop")
	}
}
