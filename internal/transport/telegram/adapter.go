// Package telegram adapts the telebot transport: outbound sends for the
// notify sink and the inbound chat-command surface.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/mprokhorov/clashwardenbot-sub000/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

type Adapter struct {
	bot *tele.Bot
	log logx.Logger

	// haltPoller wraps bot.Stop, which must run at most once: telebot's
	// Stop blocks on an unbuffered channel nobody reads after the poll
	// loop has already returned.
	haltPoller func()
	stopOnce   sync.Once

	runMu   sync.Mutex
	running bool
	done    chan struct{}
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram: token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{bot: b, log: log}
	a.haltPoller = b.Stop
	return a, nil
}

// Bot exposes the underlying bot for handler registration.
func (a *Adapter) Bot() *tele.Bot { return a.bot }

// Start begins long-polling in the background and stops the poller when ctx
// is cancelled.
func (a *Adapter) Start(ctx context.Context) {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return
	}
	a.running = true
	a.done = make(chan struct{})
	done := a.done
	a.runMu.Unlock()

	go func() {
		defer close(done)
		a.bot.Start()
	}()
	go func() {
		<-ctx.Done()
		a.stopBot()
	}()
	a.log.Info("telegram long-poll started", logx.Int64("bot_id", a.bot.Me.ID))
}

// Stop halts the poller and waits for it to wind down.
func (a *Adapter) Stop(ctx context.Context) {
	a.runMu.Lock()
	running := a.running
	done := a.done
	a.running = false
	a.runMu.Unlock()
	if !running {
		return
	}
	a.stopBot()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (a *Adapter) stopBot() { a.stopOnce.Do(a.haltPoller) }

// SendText delivers one message to one chat. telebot carries no context, so
// cancellation is checked up front; the HTTP timeout bounds the call itself.
func (a *Adapter) SendText(ctx context.Context, chatID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := a.bot.Send(&tele.Chat{ID: chatID}, text)
	return err
}
