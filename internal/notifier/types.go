package notifier

import (
	"context"
	"errors"
	"strings"
	"time"

	"taskbell/internal/mailer"
)

const (
	DefaultDigestSchedule  = "15m"
	DefaultJanitorSchedule = "1h"

	digestTimeout  = 5 * time.Minute
	janitorTimeout = time.Minute

	// DigestKind is the dedup kind recorded after a digest goes out.
	DigestKind = "digest"

	// PushEvent names realtime frames carrying a notification.
	PushEvent       = "notification"
	PushDigestEvent = "notification.digest"
)

var ErrNoChannel = errors.New("notifier: no channel delivered")

// Config controls the dispatcher and its periodic tasks.
type Config struct {
	// DigestSchedule and JanitorSchedule take a duration ("15m"), HH:MM
	// ("00:15") or a cron expression ("cron:0 8 * * *").
	DigestSchedule  string
	JanitorSchedule string
	// Timezone is the IANA zone cron schedules fire in. Empty means Local.
	Timezone string
	// SendTimeout bounds one delivery attempt across all channels.
	SendTimeout time.Duration
	// ExtraEventTypes are subscribed in addition to the known catalog. They
	// have no template and always land in the digest.
	ExtraEventTypes []string
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.DigestSchedule) == "" {
		c.DigestSchedule = DefaultDigestSchedule
	}
	if strings.TrimSpace(c.JanitorSchedule) == "" {
		c.JanitorSchedule = DefaultJanitorSchedule
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	return c
}

// EmailChannel is the transactional mail capability.
type EmailChannel interface {
	Verify(ctx context.Context) error
	SendWelcome(ctx context.Context, to mailer.Recipient) error
	SendNotification(ctx context.Context, to mailer.Recipient, msg mailer.Message) error
	SendTaskReminder(ctx context.Context, to mailer.Recipient, tasks []mailer.Reminder) error
	SendDigest(ctx context.Context, to mailer.Recipient, entries []mailer.DigestEntry) error
}

// PushChannel delivers to a connected client.
type PushChannel interface {
	Push(ctx context.Context, userID, event string, data any) error
}

// PushMessage is the realtime payload for one notification.
type PushMessage struct {
	Type    string         `json:"type"`
	Title   string         `json:"title"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
	At      time.Time      `json:"at"`
}

// PushDigest is the realtime payload for a flushed digest.
type PushDigest struct {
	Items []PushMessage `json:"items"`
	At    time.Time     `json:"at"`
}

// Outcome is what ProcessNotification decided.
type Outcome int

const (
	OutcomeDropped Outcome = iota
	OutcomeQueued
	OutcomeSent
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDropped:
		return "dropped"
	case OutcomeQueued:
		return "queued"
	case OutcomeSent:
		return "sent"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// NotificationEvent is published on the bus after each decision.
type NotificationEvent struct {
	UserID   string    `json:"userId"`
	Kind     string    `json:"kind"`
	Outcome  string    `json:"outcome"`
	Channels []string  `json:"channels,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

const (
	EventSent    = "notifier.sent"
	EventQueued  = "notifier.queued"
	EventDropped = "notifier.dropped"
	EventFailed  = "notifier.failed"
	EventDigest  = "notifier.digest"
)
