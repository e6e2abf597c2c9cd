package tracker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mprokhorov/clashwardenbot-sub000/pkg/logx"
)

type fakeFetcher struct {
	snap *Snapshot
	err  error
}

func (f *fakeFetcher) Fetch(ctx context.Context, clanTag string, activity ActivityType) (*Snapshot, error) {
	return f.snap, f.err
}

type memStore struct {
	snaps  map[pairKey]*Snapshot
	ledger map[InstanceKey]*LedgerEntry

	failStore bool
	failMark  bool
	marks     int
}

func newMemStore() *memStore {
	return &memStore{snaps: map[pairKey]*Snapshot{}, ledger: map[InstanceKey]*LedgerEntry{}}
}

func (m *memStore) LoadSnapshot(ctx context.Context, clanTag string, activity ActivityType) (*Snapshot, error) {
	return m.snaps[pairKey{clanTag, activity}], nil
}

func (m *memStore) StoreSnapshot(ctx context.Context, clanTag string, activity ActivityType, snap *Snapshot) error {
	if m.failStore {
		return errors.New("disk full")
	}
	m.snaps[pairKey{clanTag, activity}] = snap
	return nil
}

func (m *memStore) GetOrCreateLedger(ctx context.Context, key InstanceKey) (LedgerEntry, error) {
	if e, ok := m.ledger[key]; ok {
		return *e, nil
	}
	e := &LedgerEntry{Key: key}
	m.ledger[key] = e
	return *e, nil
}

func (m *memStore) MarkLedger(ctx context.Context, key InstanceKey, flag Flag) error {
	if m.failMark {
		return errors.New("disk full")
	}
	m.marks++
	e := m.ledger[key]
	switch flag {
	case FlagPreparation:
		e.PreparationSent = true
	case FlagStart:
		e.StartSent = true
	case FlagHalfTime:
		e.HalfTimeSent = true
	case FlagEnd:
		e.EndSent = true
	}
	return nil
}

type recordSink struct {
	notes []Notification
	err   error
}

func (r *recordSink) Dispatch(ctx context.Context, n Notification) error {
	r.notes = append(r.notes, n)
	return r.err
}

func newTestPipeline(f *fakeFetcher, st *memStore, sink *recordSink, now time.Time) *Pipeline {
	p := NewPipeline(f, st, sink, logx.Nop())
	p.SetClock(func() time.Time { return now })
	return p
}

func TestPipelineRaidWeekendLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	raidStart := time.Date(2024, 5, 3, 7, 0, 0, 0, time.UTC)
	raidEnd := raidStart.Add(72 * time.Hour)
	raid := func(state string) *Snapshot {
		return &Snapshot{Activity: ActivityRaidWeekend, State: state, StartTime: raidStart, EndTime: raidEnd}
	}

	fetch := &fakeFetcher{snap: raid("ongoing")}
	st := newMemStore()
	sink := &recordSink{}
	p := newTestPipeline(fetch, st, sink, raidStart.Add(time.Minute))

	// Poll 1: first observation, ongoing.
	if err := p.Run(ctx, "#CLAN", ActivityRaidWeekend); err != nil {
		t.Fatalf("poll 1: %v", err)
	}
	if len(sink.notes) != 1 || sink.notes[0].Kind != ActivityStarted {
		t.Fatalf("poll 1: expected ActivityStarted, got %v", sink.notes)
	}

	// Poll 2: ended three days later.
	fetch.snap = raid("ended")
	p.SetClock(func() time.Time { return raidEnd.Add(time.Minute) })
	if err := p.Run(ctx, "#CLAN", ActivityRaidWeekend); err != nil {
		t.Fatalf("poll 2: %v", err)
	}
	if len(sink.notes) != 2 || sink.notes[1].Kind != ActivityEnded {
		t.Fatalf("poll 2: expected ActivityEnded, got %v", sink.notes)
	}

	// Poll 3: same ended snapshot again. Nothing fires.
	if err := p.Run(ctx, "#CLAN", ActivityRaidWeekend); err != nil {
		t.Fatalf("poll 3: %v", err)
	}
	if len(sink.notes) != 2 {
		t.Fatalf("poll 3: expected no new notifications, got %v", sink.notes)
	}

	key := InstanceKey{ClanTag: "#CLAN", Activity: ActivityRaidWeekend, StartTime: raidStart}
	e := st.ledger[key]
	if !e.StartSent || !e.EndSent {
		t.Fatalf("ledger flags not committed: %+v", e)
	}
}

func TestPipelineFetchFailureIsNoOp(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newMemStore()
	prior := &Snapshot{Activity: ActivityWar, State: "inWar", StartTime: warStart, EndTime: warEnd}
	st.snaps[pairKey{"#CLAN", ActivityWar}] = prior
	sink := &recordSink{}
	p := newTestPipeline(&fakeFetcher{err: errors.New("api unreachable")}, st, sink, warEnd)

	if err := p.Run(ctx, "#CLAN", ActivityWar); err != nil {
		t.Fatalf("fetch failure must not surface: %v", err)
	}
	if got := st.snaps[pairKey{"#CLAN", ActivityWar}]; got != prior {
		t.Fatal("prior snapshot pointer advanced on fetch failure")
	}
	if len(sink.notes) != 0 || st.marks != 0 {
		t.Fatal("fetch failure cycle must change nothing")
	}
}

func TestPipelineAbsentSnapshotNotPersisted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newMemStore()
	sink := &recordSink{}
	// A war snapshot without a start time classifies as absent.
	p := newTestPipeline(&fakeFetcher{snap: &Snapshot{Activity: ActivityWar, State: "notInWar"}}, st, sink, warStart)

	if err := p.Run(ctx, "#CLAN", ActivityWar); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(st.snaps) != 0 || len(st.ledger) != 0 || len(sink.notes) != 0 {
		t.Fatal("absent snapshot must not be persisted or evaluated")
	}
}

func TestPipelinePersistenceFailureAbortsBeforeDispatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newMemStore()
	st.failMark = true
	sink := &recordSink{}
	cur := &Snapshot{Activity: ActivityWar, State: "preparation", StartTime: warStart, EndTime: warEnd}
	p := newTestPipeline(&fakeFetcher{snap: cur}, st, sink, warStart.Add(-20*time.Hour))

	err := p.Run(ctx, "#CLAN", ActivityWar)
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if len(sink.notes) != 0 {
		t.Fatal("dispatch must not run after a failed ledger write")
	}
	if len(st.snaps) != 0 {
		t.Fatal("prior snapshot pointer must not advance past an unmarked transition")
	}
}

func TestPipelineFailedMarkKeepsCycleRetryable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newMemStore()
	sink := &recordSink{}
	fetch := &fakeFetcher{snap: &Snapshot{Activity: ActivityWar, State: "preparation", StartTime: warStart, EndTime: warEnd}}
	p := newTestPipeline(fetch, st, sink, warStart.Add(-20*time.Hour))

	// Poll 1: preparation observed and announced.
	if err := p.Run(ctx, "#CLAN", ActivityWar); err != nil {
		t.Fatalf("poll 1: %v", err)
	}

	// Poll 2: the war starts but the ledger write fails. The cycle errors
	// and must not advance the snapshot pointer.
	fetch.snap = &Snapshot{Activity: ActivityWar, State: "inWar", StartTime: warStart, EndTime: warEnd}
	p.SetClock(func() time.Time { return warStart.Add(time.Minute) })
	st.failMark = true
	if err := p.Run(ctx, "#CLAN", ActivityWar); !errors.Is(err, ErrPersistence) {
		t.Fatalf("poll 2: expected ErrPersistence, got %v", err)
	}
	if got := st.snaps[pairKey{"#CLAN", ActivityWar}]; got.State != "preparation" {
		t.Fatalf("poll 2: snapshot pointer advanced to %q past the unmarked transition", got.State)
	}

	// Poll 3: healthy retry. The same transition is still visible and fires.
	st.failMark = false
	if err := p.Run(ctx, "#CLAN", ActivityWar); err != nil {
		t.Fatalf("poll 3: %v", err)
	}
	if len(sink.notes) != 2 || sink.notes[1].Kind != ActivityStarted {
		t.Fatalf("poll 3: expected ActivityStarted on retry, got %v", sink.notes)
	}
	key := InstanceKey{ClanTag: "#CLAN", Activity: ActivityWar, StartTime: warStart}
	if !st.ledger[key].StartSent {
		t.Fatal("start flag not committed on retry")
	}
}

func TestPipelineSnapshotWriteFailureSurfaces(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newMemStore()
	st.failStore = true
	sink := &recordSink{}
	cur := &Snapshot{Activity: ActivityWar, State: "inWar", StartTime: warStart, EndTime: warEnd}
	p := newTestPipeline(&fakeFetcher{snap: cur}, st, sink, warStart)

	err := p.Run(ctx, "#CLAN", ActivityWar)
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	// The flag is already committed; the send is forfeited, never duplicated.
	if st.marks != 1 {
		t.Fatalf("expected the flag committed before the snapshot write, got %d marks", st.marks)
	}
	if len(sink.notes) != 0 {
		t.Fatal("dispatch must not run after a failed snapshot write")
	}
}

func TestPipelineDispatchFailureKeepsFlag(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newMemStore()
	sink := &recordSink{err: errors.New("chat unreachable")}
	cur := &Snapshot{Activity: ActivityWar, State: "preparation", StartTime: warStart, EndTime: warEnd}
	p := newTestPipeline(&fakeFetcher{snap: cur}, st, sink, warStart.Add(-20*time.Hour))

	// Deliver-at-most-once: the flag stays committed, the error is swallowed.
	if err := p.Run(ctx, "#CLAN", ActivityWar); err != nil {
		t.Fatalf("dispatch failure must not surface: %v", err)
	}
	key := InstanceKey{ClanTag: "#CLAN", Activity: ActivityWar, StartTime: warStart}
	if !st.ledger[key].PreparationSent {
		t.Fatal("flag must stay set after dispatch failure")
	}

	// Re-poll: the committed flag suppresses a duplicate send.
	sink.err = nil
	if err := p.Run(ctx, "#CLAN", ActivityWar); err != nil {
		t.Fatalf("re-poll: %v", err)
	}
	if len(sink.notes) != 1 {
		t.Fatalf("notification must not be retried, got %d dispatches", len(sink.notes))
	}
}
