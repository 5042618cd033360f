package app

import (
	"strings"
	"time"

	"taskbell/internal/config"
	"taskbell/internal/mailer"
	"taskbell/internal/notifier"
	"taskbell/internal/observability/pprof"
	"taskbell/internal/realtime"
	"taskbell/internal/storage"
	logx "taskbell/pkg/logx"
)

const (
	defaultDedupWindow     = 5 * time.Minute
	defaultUserTTL         = time.Hour
	defaultReadTimeout     = 15 * time.Second
	defaultShutdownTimeout = 10 * time.Second
)

// The mappers below run on configs that already passed config.Validate, so
// duration strings are known to parse.

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		Format:  cfg.Logging.Format,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorage(cfg *config.Config) storage.Config {
	sc := cfg.Storage
	dedup := strings.TrimSpace(sc.Dedup)
	if dedup == "" {
		dedup = "sqlite"
	}
	return storage.Config{
		Path:        sc.Path,
		BusyTimeout: config.Duration(sc.BusyTimeout, 0),
		Dedup:       dedup,
		Redis: storage.RedisConfig{
			Addr:     sc.Redis.Addr,
			Password: sc.Redis.Password,
			DB:       sc.Redis.DB,
			Prefix:   sc.Redis.Prefix,
		},
	}
}

func mapMail(cfg *config.Config) mailer.Config {
	mc := cfg.Mail
	return mailer.Config{
		Enabled:       mc.Enabled,
		Host:          mc.Host,
		Port:          mc.Port,
		Username:      mc.Username,
		Password:      mc.Password,
		From:          mc.From,
		Timeout:       config.Duration(mc.Timeout, 0),
		RatePerSec:    mc.RatePerSec,
		RetryMax:      mc.RetryMax,
		RetryBase:     config.Duration(mc.RetryBase, 0),
		RetryMaxDelay: config.Duration(mc.RetryMaxDelay, 0),
		VerifyOnStart: mc.VerifyOnStart,
	}
}

func mapRealtime(cfg *config.Config) realtime.Config {
	rc := cfg.Realtime
	return realtime.Config{
		JWTSecret:      rc.JWTSecret,
		Issuer:         rc.Issuer,
		PingInterval:   config.Duration(rc.PingInterval, 0),
		WriteTimeout:   config.Duration(rc.WriteTimeout, 0),
		SendBuffer:     rc.SendBuffer,
		MaxMessageSize: rc.MaxMessageSize,
		AllowedOrigins: rc.AllowedOrigins,
	}
}

func mapNotifier(cfg *config.Config) notifier.Config {
	nc := cfg.Notifier
	return notifier.Config{
		DigestSchedule:  nc.DigestSchedule,
		JanitorSchedule: nc.JanitorSchedule,
		Timezone:        nc.Timezone,
		SendTimeout:     config.Duration(nc.SendTimeout, 0),
		ExtraEventTypes: nc.ExtraEventTypes,
	}
}

func mapPprof(cfg *config.Config) pprof.Config {
	pc := cfg.Debug.Pprof
	return pprof.Config{Enabled: pc.Enabled, Addr: pc.Addr, Token: pc.Token}
}
