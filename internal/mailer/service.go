// Package mailer renders and delivers the daemon's transactional email.
//
// Delivery is rate limited with a token bucket and retried with jittered
// exponential backoff. When mail is disabled a no-op sender is used so the
// rest of the pipeline behaves the same.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "taskbell/pkg/logx"
)

var ErrStopped = errors.New("mailer: context done")

type Config struct {
	Enabled       bool
	Host          string
	Port          int
	Username      string
	Password      string
	From          string
	Timeout       time.Duration
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// VerifyOnStart dials the server when the notifier initializes.
	VerifyOnStart bool
}

// Service is safe for concurrent use.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	sender  Sender
	limiter *rate.Limiter
	log     logx.Logger
}

// New picks the SMTP sender when cfg.Enabled, the no-op sender otherwise.
func New(cfg Config, log logx.Logger) *Service {
	log = log.With(logx.String("comp", "mailer"))
	var sender Sender = NoOpSender{Log: log}
	if cfg.Enabled {
		sender = NewSMTPSender(cfg)
	}
	return NewWithSender(cfg, sender, log)
}

// NewWithSender uses a caller-provided transport.
func NewWithSender(cfg Config, sender Sender, log logx.Logger) *Service {
	s := &Service{sender: sender, log: log}
	s.applyLocked(cfg)
	return s
}

// Apply swaps rate and retry settings. Transport settings need a restart.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Verify checks the transport when VerifyOnStart is set.
func (s *Service) Verify(ctx context.Context) error {
	s.mu.Lock()
	verify := s.cfg.VerifyOnStart && s.cfg.Enabled
	sender := s.sender
	s.mu.Unlock()
	if !verify {
		return nil
	}
	if err := sender.Verify(ctx); err != nil {
		return fmt.Errorf("mailer verify: %w", err)
	}
	return nil
}

func (s *Service) SendWelcome(ctx context.Context, to Recipient) error {
	m, err := renderWelcome(to)
	if err != nil {
		return err
	}
	return s.deliver(ctx, m)
}

func (s *Service) SendNotification(ctx context.Context, to Recipient, msg Message) error {
	m, err := renderNotification(to, msg)
	if err != nil {
		return err
	}
	return s.deliver(ctx, m)
}

func (s *Service) SendTaskReminder(ctx context.Context, to Recipient, tasks []Reminder) error {
	m, err := renderReminder(to, tasks)
	if err != nil {
		return err
	}
	return s.deliver(ctx, m)
}

func (s *Service) SendDigest(ctx context.Context, to Recipient, entries []DigestEntry) error {
	if len(entries) == 0 {
		return nil
	}
	m, err := renderDigest(to, entries)
	if err != nil {
		return err
	}
	return s.deliver(ctx, m)
}

func (s *Service) deliver(ctx context.Context, m Mail) error {
	if m.To == "" {
		return ErrNoRecipient
	}

	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	sender := s.sender
	s.mu.Unlock()

	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrStopped, err)
		}

		callCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := sender.Send(callCtx, m)
		cancel()
		if err == nil {
			s.log.Debug("email sent", logx.String("to", m.To), logx.String("subject", m.Subject), logx.Int("attempt", attempt))
			return nil
		}
		lastErr = err
		s.log.Debug("email send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))

		if attempt >= maxAttempts {
			break
		}
		delay := retryDelay(cfg, attempt)
		if delay <= 0 {
			continue
		}
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("%w: %v", ErrStopped, ctx.Err())
		}
	}
	return fmt.Errorf("send %q to %s: %w", m.Subject, m.To, lastErr)
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1 (first attempt), delay is for the NEXT attempt.
	base := cfg.RetryBase
	maxD := cfg.RetryMaxDelay
	// Exponential backoff: base * 2^(attempt-1)
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}
