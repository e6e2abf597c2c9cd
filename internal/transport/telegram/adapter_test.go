package telegram

import (
	"context"
	"testing"

	"github.com/mprokhorov/clashwardenbot-sub000/pkg/logx"
)

// The ctx-cancel goroutine and Stop both want the poller halted. The halt
// must run exactly once: a second call would block forever on telebot's
// stop channel after the poll loop has returned.
func TestAdapterHaltsPollerOnce(t *testing.T) {
	t.Parallel()
	done := make(chan struct{})
	close(done)
	a := &Adapter{log: logx.Nop(), running: true, done: done}
	var stops int
	a.haltPoller = func() { stops++ }

	a.stopBot() // the ctx-cancel path fires first on SIGTERM
	a.Stop(context.Background())
	a.Stop(context.Background())

	if stops != 1 {
		t.Fatalf("poller halted %d times, want 1", stops)
	}
}
