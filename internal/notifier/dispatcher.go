package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskbell/internal/dedup"
	"taskbell/internal/directory"
	"taskbell/internal/eventbus"
	"taskbell/internal/events"
	"taskbell/internal/mailer"
	"taskbell/internal/realtime"
	logx "taskbell/pkg/logx"
)

// Dispatcher turns bus events into deliveries, digest entries or nothing.
// It never returns processing errors to the bus; every failure is logged
// against the event that caused it.
type Dispatcher struct {
	users   *directory.Cache
	dedup   *dedup.Cache
	email   EmailChannel
	push    PushChannel
	bus     eventbus.Publisher
	log     logx.Logger
	metrics *metrics
	now     func() time.Time
	timeout time.Duration
}

// OnEvent is the bus handler.
func (d *Dispatcher) OnEvent(ctx context.Context, e eventbus.Event) error {
	var (
		userID string
		data   map[string]any
	)
	switch p := e.Data.(type) {
	case events.Payload:
		userID, data = p.Recipient(), p.Fields()
	case map[string]any:
		userID, _ = p["userId"].(string)
		data = p
	default:
		d.log.Warn("event dropped: unsupported payload",
			logx.String("type", e.Type), logx.String("event_id", e.ID), logx.String("payload", fmt.Sprintf("%T", e.Data)))
		d.metrics.decision(ctx, e.Type, OutcomeDropped)
		return nil
	}
	if strings.TrimSpace(userID) == "" {
		d.log.Warn("event dropped: missing userId", logx.String("type", e.Type), logx.String("event_id", e.ID))
		d.metrics.decision(ctx, e.Type, OutcomeDropped)
		return nil
	}

	kind, _ := events.Lookup(e.Type)
	d.ProcessNotification(ctx, userID, e.Type, data, kind.Immediate)
	return nil
}

// ProcessNotification applies the delivery policy for one notification.
//
// Immediate notifications skip the dedup check; everything else sent to the
// same user with the same kind inside the dedup window is queued for the
// next digest instead.
func (d *Dispatcher) ProcessNotification(ctx context.Context, userID, kind string, data map[string]any, immediate bool) (out Outcome) {
	log := d.log.With(logx.String("user_id", userID), logx.String("type", kind))
	defer func() {
		if r := recover(); r != nil {
			log.Error("notification panicked", logx.Any("panic", r))
			out = OutcomeFailed
		}
		d.metrics.decision(ctx, kind, out)
	}()

	user := d.users.GetUser(ctx, userID)
	if user == nil {
		return d.drop(ctx, log, userID, kind, "unknown user")
	}
	prefs := d.users.GetPreferences(ctx, userID)
	if !prefs.Active() {
		return d.drop(ctx, log, userID, kind, "notifications disabled")
	}
	if !prefs.Allows(kind) {
		return d.drop(ctx, log, userID, kind, directory.FlagFor(kind)+" off")
	}

	// The slot is claimed before sending so a concurrent event of the same
	// kind for this user lands in the digest instead of a second delivery.
	var reservedAt time.Time
	if !immediate {
		at, ok := d.dedup.Reserve(ctx, userID, kind)
		if !ok {
			d.enqueue(ctx, userID, kind, data)
			log.Debug("recently notified; queued for digest")
			return OutcomeQueued
		}
		reservedAt = at
	}

	tpl, ok := lookupNotice(kind)
	if !ok {
		d.release(userID, kind, reservedAt)
		d.enqueue(ctx, userID, kind, data)
		log.Debug("no template; queued for digest")
		return OutcomeQueued
	}

	channels := d.send(ctx, log, user, prefs, kind, tpl, data)
	if len(channels) == 0 {
		d.release(userID, kind, reservedAt)
		log.Warn("notification not delivered", logx.Err(ErrNoChannel))
		d.publish(ctx, EventFailed, NotificationEvent{UserID: userID, Kind: kind, Outcome: OutcomeFailed.String()})
		return OutcomeFailed
	}
	d.dedup.MarkSent(userID, kind)
	log.Info("notification sent", logx.Strings("channels", channels))
	d.publish(ctx, EventSent, NotificationEvent{UserID: userID, Kind: kind, Outcome: OutcomeSent.String(), Channels: channels})
	return OutcomeSent
}

func (d *Dispatcher) release(userID, kind string, at time.Time) {
	if !at.IsZero() {
		d.dedup.Release(userID, kind, at)
	}
}

func (d *Dispatcher) drop(ctx context.Context, log logx.Logger, userID, kind, reason string) Outcome {
	log.Debug("notification dropped", logx.String("reason", reason))
	d.publish(ctx, EventDropped, NotificationEvent{UserID: userID, Kind: kind, Outcome: OutcomeDropped.String(), Reason: reason})
	return OutcomeDropped
}

func (d *Dispatcher) enqueue(ctx context.Context, userID, kind string, data map[string]any) {
	d.dedup.EnqueueForDigest(userID, dedup.Item{Kind: kind, Data: data, EnqueuedAt: d.now()})
	d.publish(ctx, EventQueued, NotificationEvent{UserID: userID, Kind: kind, Outcome: OutcomeQueued.String()})
}

// send tries every enabled channel and returns the ones that delivered.
func (d *Dispatcher) send(ctx context.Context, log logx.Logger, user *directory.User, prefs *directory.Preferences, kind string, tpl notice, data map[string]any) []string {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var ok []string
	title, message := tpl.title, tpl.render(data)

	if prefs.Email && d.email != nil && user.Email != "" {
		to := mailer.Recipient{Email: user.Email, Name: user.Name}
		var err error
		switch tpl.email {
		case emailWelcome:
			err = d.email.SendWelcome(ctx, to)
		case emailReminder:
			err = d.email.SendTaskReminder(ctx, to, reminders(data))
		default:
			err = d.email.SendNotification(ctx, to, mailer.Message{Type: kind, Title: title, Message: message, Data: data})
		}
		d.metrics.delivery(ctx, "email", err)
		if err != nil {
			log.Warn("email delivery failed", logx.Err(err))
		} else {
			ok = append(ok, "email")
		}
	}

	if prefs.Push && d.push != nil {
		err := d.push.Push(ctx, user.ID, PushEvent, PushMessage{Type: kind, Title: title, Message: message, Data: data, At: d.now()})
		d.metrics.delivery(ctx, "push", err)
		switch {
		case err == nil:
			ok = append(ok, "push")
		case errors.Is(err, realtime.ErrNotConnected):
			log.Debug("push skipped: user offline")
		default:
			log.Warn("push delivery failed", logx.Err(err))
		}
	}
	return ok
}

func (d *Dispatcher) publish(ctx context.Context, typ string, ev NotificationEvent) {
	if d.bus == nil {
		return
	}
	ev.At = d.now()
	d.bus.Publish(ctx, eventbus.Event{Type: typ, Data: ev})
}

// reminders rebuilds the task list flattened by events.TasksDueSoon.Fields.
func reminders(data map[string]any) []mailer.Reminder {
	tasks, _ := data["tasks"].([]map[string]any)
	out := make([]mailer.Reminder, 0, len(tasks))
	for _, t := range tasks {
		r := mailer.Reminder{}
		r.TaskID, _ = t["taskId"].(string)
		r.Title, _ = t["title"].(string)
		r.DueAt, _ = t["dueAt"].(time.Time)
		out = append(out, r)
	}
	return out
}
