package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mprokhorov/clashwardenbot-sub000/pkg/logx"
)

// Pipeline runs the full poll cycle for one (clan, activity) pair:
// fetch -> classify -> evaluate -> persist -> dispatch.
//
// Runs for the same pair are serialized by a per-pair mutex; distinct pairs
// share no mutable state and may run fully in parallel. The ledger flag is
// committed before the snapshot pointer advances and before dispatch, so a
// failure between those steps loses the notification instead of ever
// duplicating or silently skipping it.
type Pipeline struct {
	fetch Fetcher
	store Store
	sink  Sink
	log   logx.Logger

	// now is swappable for tests; defaults to time.Now.
	now func() time.Time

	mu    sync.Mutex
	locks map[pairKey]*sync.Mutex
}

type pairKey struct {
	clanTag  string
	activity ActivityType
}

func NewPipeline(fetch Fetcher, store Store, sink Sink, log logx.Logger) *Pipeline {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pipeline{
		fetch: fetch,
		store: store,
		sink:  sink,
		log:   log,
		now:   time.Now,
		locks: map[pairKey]*sync.Mutex{},
	}
}

// SetClock overrides the wall-clock source. Test hook.
func (p *Pipeline) SetClock(now func() time.Time) { p.now = now }

func (p *Pipeline) lockFor(k pairKey) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.locks[k]
	if !ok {
		m = &sync.Mutex{}
		p.locks[k] = m
	}
	return m
}

// Run executes one poll cycle. A fetch failure is a no-op cycle (nil error):
// the prior snapshot pointer does not advance and no flag changes. A
// persistence failure aborts before dispatch and is returned so the
// scheduler can retry the cycle. A dispatch failure is logged and swallowed;
// the flag is already committed and the send is intentionally not retried.
func (p *Pipeline) Run(ctx context.Context, clanTag string, activity ActivityType) error {
	lock := p.lockFor(pairKey{clanTag: clanTag, activity: activity})
	lock.Lock()
	defer lock.Unlock()

	log := p.log.With(logx.String("clan", clanTag), logx.String("activity", string(activity)))

	cur, err := p.fetch.Fetch(ctx, clanTag, activity)
	if err != nil {
		log.Warn("fetch failed; skipping cycle", logx.Err(err))
		return nil
	}
	if Classify(cur) == PhaseAbsent {
		log.Debug("no activity known; skipping cycle")
		return nil
	}

	old, err := p.store.LoadSnapshot(ctx, clanTag, activity)
	if err != nil {
		return fmt.Errorf("%w: load snapshot: %v", ErrPersistence, err)
	}

	key := InstanceKey{ClanTag: clanTag, Activity: activity, StartTime: cur.StartTime}
	entry, err := p.store.GetOrCreateLedger(ctx, key)
	if err != nil {
		return fmt.Errorf("%w: ledger get-or-create: %v", ErrPersistence, err)
	}

	now := p.now()
	dec := Evaluate(old, cur, entry, now)

	// Commit the flag before anything else. A failed mark leaves the prior
	// snapshot in place, so the retried cycle sees the same transition and
	// fires it; a failed snapshot write after the mark loses at most one
	// already-committed notification and can never duplicate it.
	if dec.Fire {
		if err := p.store.MarkLedger(ctx, key, dec.Flag); err != nil {
			return fmt.Errorf("%w: mark %s: %v", ErrPersistence, dec.Flag, err)
		}
	}

	// Advance the prior-snapshot pointer only on a successful fetch, and
	// before dispatch so the next cycle diffs against what we acted on.
	if err := p.store.StoreSnapshot(ctx, clanTag, activity, cur); err != nil {
		return fmt.Errorf("%w: store snapshot: %v", ErrPersistence, err)
	}

	if !dec.Fire {
		return nil
	}

	n := Notification{Kind: dec.Kind, ClanTag: clanTag, Activity: activity, Snapshot: *cur}
	if err := p.sink.Dispatch(ctx, n); err != nil {
		log.Error("dispatch failed; notification dropped",
			logx.String("kind", dec.Kind.String()),
			logx.Time("instance", key.StartTime),
			logx.Err(err))
		return nil
	}

	log.Info("notification dispatched",
		logx.String("kind", dec.Kind.String()),
		logx.Time("instance", key.StartTime),
		logx.String("state", cur.State))
	return nil
}
