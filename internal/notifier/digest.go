package notifier

import (
	"context"

	"taskbell/internal/dedup"
	"taskbell/internal/directory"
	"taskbell/internal/mailer"
	logx "taskbell/pkg/logx"
)

// An item is dropped instead of requeued on its MaxDigestAttempts-th failed
// flush.
const MaxDigestAttempts = 5

// DigestReport summarizes one flush pass. Expired counts items dropped after
// MaxDigestAttempts failures.
type DigestReport struct {
	Users     int
	Sent      int
	Discarded int
	Failed    int
	Expired   int
}

// FlushDigests sends one batched digest to every user with queued
// notifications. Users are handled independently; one failure does not stop
// the pass.
func (d *Dispatcher) FlushDigests(ctx context.Context) DigestReport {
	var rep DigestReport
	for _, userID := range d.dedup.PendingUsers() {
		if ctx.Err() != nil {
			break
		}
		rep.Users++
		status, expired := d.flushUser(ctx, userID)
		rep.Expired += expired
		switch status {
		case "sent":
			rep.Sent++
		case "discarded":
			rep.Discarded++
		case "failed":
			rep.Failed++
		}
	}
	if rep.Users > 0 {
		d.log.Info("digest pass done",
			logx.Int("users", rep.Users), logx.Int("sent", rep.Sent),
			logx.Int("discarded", rep.Discarded), logx.Int("failed", rep.Failed),
			logx.Int("expired", rep.Expired))
	}
	return rep
}

func (d *Dispatcher) flushUser(ctx context.Context, userID string) (status string, expired int) {
	log := d.log.With(logx.String("user_id", userID))
	defer func() {
		if r := recover(); r != nil {
			log.Error("digest flush panicked", logx.Any("panic", r))
			status = "failed"
		}
		if status != "" {
			d.metrics.digest(ctx, status)
		}
	}()

	// Preferences may have changed since the items were queued.
	prefs := d.users.GetPreferences(ctx, userID)
	items := d.dedup.DrainDigest(userID)
	if len(items) == 0 {
		return "", 0
	}
	if !prefs.Active() {
		log.Debug("digest discarded: notifications disabled", logx.Int("items", len(items)))
		return "discarded", 0
	}
	keep := make([]dedup.Item, 0, len(items))
	for _, it := range items {
		if prefs.Allows(it.Kind) {
			keep = append(keep, it)
		}
	}
	if len(keep) == 0 {
		log.Debug("digest discarded: every kind switched off", logx.Int("items", len(items)))
		return "discarded", 0
	}
	user := d.users.GetUser(ctx, userID)
	if user == nil {
		log.Debug("digest discarded: unknown user", logx.Int("items", len(keep)))
		return "discarded", 0
	}

	channels := d.sendDigest(ctx, log, user, prefs, keep)
	if len(channels) == 0 {
		retry := keep[:0]
		for _, it := range keep {
			it.Attempts++
			if it.Attempts >= MaxDigestAttempts {
				expired++
				continue
			}
			retry = append(retry, it)
		}
		d.dedup.Requeue(userID, retry)
		if expired > 0 {
			log.Warn("digest items dropped after repeated failures",
				logx.Int("items", expired), logx.Int("attempts", MaxDigestAttempts))
			d.metrics.digest(ctx, "expired")
			d.publish(ctx, EventDropped, NotificationEvent{UserID: userID, Kind: DigestKind, Outcome: OutcomeDropped.String(), Reason: "digest retries exhausted"})
		}
		log.Warn("digest not delivered; requeued", logx.Int("items", len(retry)))
		d.publish(ctx, EventDigest, NotificationEvent{UserID: userID, Kind: DigestKind, Outcome: OutcomeFailed.String()})
		return "failed", expired
	}
	d.dedup.MarkSent(userID, DigestKind)
	log.Info("digest sent", logx.Int("items", len(keep)), logx.Strings("channels", channels))
	d.publish(ctx, EventDigest, NotificationEvent{UserID: userID, Kind: DigestKind, Outcome: OutcomeSent.String(), Channels: channels})
	return "sent", 0
}

func (d *Dispatcher) sendDigest(ctx context.Context, log logx.Logger, user *directory.User, prefs *directory.Preferences, items []dedup.Item) []string {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var ok []string
	if prefs.Email && d.email != nil && user.Email != "" {
		entries := make([]mailer.DigestEntry, 0, len(items))
		for _, it := range items {
			title, msg := describe(it.Kind, it.Data)
			entries = append(entries, mailer.DigestEntry{Type: it.Kind, Title: title, Message: msg, At: it.EnqueuedAt})
		}
		err := d.email.SendDigest(ctx, mailer.Recipient{Email: user.Email, Name: user.Name}, entries)
		d.metrics.delivery(ctx, "email", err)
		if err != nil {
			log.Warn("digest email failed", logx.Err(err))
		} else {
			ok = append(ok, "email")
		}
	}
	if prefs.Push && d.push != nil {
		msgs := make([]PushMessage, 0, len(items))
		for _, it := range items {
			title, msg := describe(it.Kind, it.Data)
			msgs = append(msgs, PushMessage{Type: it.Kind, Title: title, Message: msg, Data: it.Data, At: it.EnqueuedAt})
		}
		err := d.push.Push(ctx, user.ID, PushDigestEvent, PushDigest{Items: msgs, At: d.now()})
		d.metrics.delivery(ctx, "push", err)
		if err == nil {
			ok = append(ok, "push")
		} else {
			log.Debug("digest push not delivered", logx.Err(err))
		}
	}
	return ok
}
