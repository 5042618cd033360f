package config

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"taskbell/internal/task/scheduler"
)

var validate = func() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report json paths ("mail.from") instead of Go field names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}()

// Validate checks struct constraints and every duration field.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	c := *cfg
	c.Storage.Redis.Enabled = strings.EqualFold(strings.TrimSpace(c.Storage.Dedup), "redis")

	var errs []error
	if err := validate.Struct(&c); err != nil {
		var ves validator.ValidationErrors
		if errors.As(err, &ves) {
			for _, fe := range ves {
				path := strings.TrimPrefix(fe.Namespace(), "Config.")
				errs = append(errs, fmt.Errorf("%s: failed %q", path, fe.Tag()))
			}
		} else {
			errs = append(errs, err)
		}
	}

	durations := map[string]string{
		"http.read_timeout":         c.HTTP.ReadTimeout,
		"http.shutdown_timeout":     c.HTTP.ShutdownTimeout,
		"storage.busy_timeout":      c.Storage.BusyTimeout,
		"mail.timeout":              c.Mail.Timeout,
		"mail.retry_base":           c.Mail.RetryBase,
		"mail.retry_max_delay":      c.Mail.RetryMaxDelay,
		"realtime.ping_interval":    c.Realtime.PingInterval,
		"realtime.write_timeout":    c.Realtime.WriteTimeout,
		"notifier.send_timeout":     c.Notifier.SendTimeout,
		"notifier.dedup_window":     c.Notifier.DedupWindow,
		"notifier.user_ttl":         c.Notifier.UserTTL,
	}
	paths := make([]string, 0, len(durations))
	for p := range durations {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, path := range paths {
		if _, err := ParseDurationField(path, durations[path]); err != nil {
			errs = append(errs, err)
		}
	}

	schedules := [][2]string{
		{"notifier.digest_schedule", c.Notifier.DigestSchedule},
		{"notifier.janitor_schedule", c.Notifier.JanitorSchedule},
	}
	for _, sc := range schedules {
		if strings.TrimSpace(sc[1]) == "" {
			continue
		}
		if err := scheduler.ValidateSchedule(sc[1]); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sc[0], err))
		}
	}
	if err := scheduler.ValidateTimezone(c.Notifier.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("notifier.timezone: %w", err))
	}
	return errors.Join(errs...)
}
