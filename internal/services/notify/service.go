// Package notify is the dispatch sink: it renders a notification and fans it
// out to every subscribed chat, rate-limited and with bounded retries.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mprokhorov/clashwardenbot-sub000/internal/tracker"
	"github.com/mprokhorov/clashwardenbot-sub000/pkg/logx"
)

// Sender delivers one rendered message to one chat.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

// Subscribers resolves the chats subscribed to a clan.
type Subscribers interface {
	ListSubscribers(ctx context.Context, clanTag string) ([]int64, error)
}

type Config struct {
	RatePerSec int
	RetryMax   int
	RetryBase  time.Duration
}

type Service struct {
	sender Sender
	subs   Subscribers
	log    logx.Logger

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
}

func New(cfg Config, sender Sender, subs Subscribers, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{sender: sender, subs: subs, log: log}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 10
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 200 * time.Millisecond
	}
	s.cfg = cfg
	// Token bucket: burst = rate per sec, so one fan-out doesn't stall hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Dispatch implements tracker.Sink. The send ledger is already committed
// when this runs, so failures here are final: they are reported to the
// caller for logging and never retried on a later cycle.
func (s *Service) Dispatch(ctx context.Context, n tracker.Notification) error {
	text := Render(n)

	chats, err := s.subs.ListSubscribers(ctx, n.ClanTag)
	if err != nil {
		return fmt.Errorf("notify: list subscribers: %w", err)
	}
	if len(chats) == 0 {
		s.log.Debug("no subscribers for clan", logx.String("clan", n.ClanTag))
		return nil
	}

	s.mu.Lock()
	lim := s.limiter
	retryMax := s.cfg.RetryMax
	retryBase := s.cfg.RetryBase
	s.mu.Unlock()

	var errs []error
	sent := 0
	for _, chat := range chats {
		if err := lim.Wait(ctx); err != nil {
			errs = append(errs, err)
			break
		}
		if err := s.sendOne(ctx, chat, text, retryMax, retryBase); err != nil {
			errs = append(errs, fmt.Errorf("chat %d: %w", chat, err))
			continue
		}
		sent++
	}

	s.log.Info("notification fan-out finished",
		logx.String("clan", n.ClanTag),
		logx.String("kind", n.Kind.String()),
		logx.Int("sent", sent),
		logx.Int("failed", len(errs)))
	return errors.Join(errs...)
}

func (s *Service) sendOne(ctx context.Context, chatID int64, text string, retryMax int, retryBase time.Duration) error {
	var last error
	for attempt := 0; attempt <= retryMax; attempt++ {
		last = s.sender.SendText(ctx, chatID, text)
		if last == nil {
			return nil
		}
		if attempt == retryMax {
			break
		}
		delay := retryBase + time.Duration(attempt)*100*time.Millisecond
		s.log.Debug("send retry scheduled",
			logx.Int64("chat_id", chatID),
			logx.Int("attempt", attempt+2),
			logx.Duration("delay", delay),
			logx.Err(last))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			return ctx.Err()
		case <-tmr.C:
		}
	}
	return last
}
