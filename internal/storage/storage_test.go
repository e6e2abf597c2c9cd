package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mprokhorov/clashwardenbot-sub000/internal/tracker"
	"github.com/mprokhorov/clashwardenbot-sub000/pkg/logx"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(Config{Path: filepath.Join(t.TempDir(), "warden.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSnapshotRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if snap, err := db.LoadSnapshot(ctx, "#CLAN", tracker.ActivityWar); err != nil || snap != nil {
		t.Fatalf("empty store: snap=%v err=%v", snap, err)
	}

	start := time.Date(2024, 5, 3, 7, 0, 0, 0, time.UTC)
	in := &tracker.Snapshot{
		Activity:     tracker.ActivityWar,
		State:        "inWar",
		StartTime:    start,
		EndTime:      start.Add(24 * time.Hour),
		ClanName:     "Warden",
		OpponentName: "Rivals",
		TeamSize:     15,
	}
	if err := db.StoreSnapshot(ctx, "#CLAN", tracker.ActivityWar, in); err != nil {
		t.Fatalf("StoreSnapshot: %v", err)
	}

	out, err := db.LoadSnapshot(ctx, "#CLAN", tracker.ActivityWar)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if out == nil {
		t.Fatal("expected stored snapshot")
	}
	// The loaded value must classify identically to the stored one.
	if tracker.Classify(out) != tracker.Classify(in) {
		t.Fatalf("classification changed across persistence: %v vs %v", tracker.Classify(out), tracker.Classify(in))
	}
	if !out.StartTime.Equal(in.StartTime) {
		t.Fatalf("instance key changed across persistence: %v vs %v", out.StartTime, in.StartTime)
	}
	if out.OpponentName != "Rivals" || out.TeamSize != 15 {
		t.Fatalf("payload fields lost: %+v", out)
	}

	// Upsert: storing a newer snapshot for the same pair replaces the row.
	in2 := *in
	in2.State = "warEnded"
	if err := db.StoreSnapshot(ctx, "#CLAN", tracker.ActivityWar, &in2); err != nil {
		t.Fatalf("StoreSnapshot upsert: %v", err)
	}
	out, err = db.LoadSnapshot(ctx, "#CLAN", tracker.ActivityWar)
	if err != nil {
		t.Fatalf("LoadSnapshot after upsert: %v", err)
	}
	if out.State != "warEnded" {
		t.Fatalf("upsert did not overwrite: %+v", out)
	}
}

func TestGetOrCreateLedgerIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	key := tracker.InstanceKey{
		ClanTag:   "#CLAN",
		Activity:  tracker.ActivityWar,
		StartTime: time.Date(2024, 5, 3, 7, 0, 0, 0, time.UTC),
	}

	e1, err := db.GetOrCreateLedger(ctx, key)
	if err != nil {
		t.Fatalf("GetOrCreateLedger: %v", err)
	}
	if e1.PreparationSent || e1.StartSent || e1.HalfTimeSent || e1.EndSent {
		t.Fatalf("fresh entry must have all flags false: %+v", e1)
	}

	if err := db.MarkLedger(ctx, key, tracker.FlagStart); err != nil {
		t.Fatalf("MarkLedger: %v", err)
	}
	// Marking twice is a no-op.
	if err := db.MarkLedger(ctx, key, tracker.FlagStart); err != nil {
		t.Fatalf("MarkLedger repeat: %v", err)
	}

	e2, err := db.GetOrCreateLedger(ctx, key)
	if err != nil {
		t.Fatalf("GetOrCreateLedger second call: %v", err)
	}
	if !e2.StartSent {
		t.Fatal("start flag lost")
	}
	if e2.PreparationSent || e2.HalfTimeSent || e2.EndSent {
		t.Fatalf("unrelated flags mutated: %+v", e2)
	}
}

func TestMarkLedgerInapplicableFlagRejected(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	key := tracker.InstanceKey{
		ClanTag:   "#CLAN",
		Activity:  tracker.ActivityRaidWeekend,
		StartTime: time.Date(2024, 5, 3, 7, 0, 0, 0, time.UTC),
	}
	if _, err := db.GetOrCreateLedger(ctx, key); err != nil {
		t.Fatalf("GetOrCreateLedger: %v", err)
	}
	if err := db.MarkLedger(ctx, key, tracker.FlagHalfTime); err == nil {
		t.Fatal("marking an inapplicable flag must be rejected")
	}
	// The inapplicable column stays NULL and reads back as not-pending.
	e, err := db.GetOrCreateLedger(ctx, key)
	if err != nil {
		t.Fatalf("GetOrCreateLedger: %v", err)
	}
	if !e.Sent(tracker.FlagHalfTime) {
		t.Fatal("inapplicable flag must never read as pending")
	}
}

func TestLedgerEntriesAreIndependentPerInstance(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	start := time.Date(2024, 5, 3, 7, 0, 0, 0, time.UTC)
	k1 := tracker.InstanceKey{ClanTag: "#CLAN", Activity: tracker.ActivityWar, StartTime: start}
	k2 := tracker.InstanceKey{ClanTag: "#CLAN", Activity: tracker.ActivityWar, StartTime: start.Add(48 * time.Hour)}

	if _, err := db.GetOrCreateLedger(ctx, k1); err != nil {
		t.Fatalf("k1: %v", err)
	}
	if err := db.MarkLedger(ctx, k1, tracker.FlagEnd); err != nil {
		t.Fatalf("mark k1: %v", err)
	}

	e2, err := db.GetOrCreateLedger(ctx, k2)
	if err != nil {
		t.Fatalf("k2: %v", err)
	}
	if e2.EndSent {
		t.Fatal("new instance must not inherit flags from an earlier one")
	}
	// The old instance's row is still there (append-only history).
	e1, err := db.GetOrCreateLedger(ctx, k1)
	if err != nil {
		t.Fatalf("k1 again: %v", err)
	}
	if !e1.EndSent {
		t.Fatal("old instance flags lost")
	}
}

func TestSubscriptions(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.AddSubscription(ctx, 100, "#CLAN"); err != nil {
		t.Fatalf("AddSubscription: %v", err)
	}
	// Idempotent.
	if err := db.AddSubscription(ctx, 100, "#CLAN"); err != nil {
		t.Fatalf("AddSubscription repeat: %v", err)
	}
	if err := db.AddSubscription(ctx, 200, "#CLAN"); err != nil {
		t.Fatalf("AddSubscription: %v", err)
	}
	if err := db.AddSubscription(ctx, 100, "#OTHER"); err != nil {
		t.Fatalf("AddSubscription: %v", err)
	}

	chats, err := db.ListSubscribers(ctx, "#CLAN")
	if err != nil {
		t.Fatalf("ListSubscribers: %v", err)
	}
	if len(chats) != 2 || chats[0] != 100 || chats[1] != 200 {
		t.Fatalf("unexpected subscribers: %v", chats)
	}

	tags, err := db.ListSubscriptions(ctx, 100)
	if err != nil {
		t.Fatalf("ListSubscriptions: %v", err)
	}
	if len(tags) != 2 {
		t.Fatalf("unexpected subscriptions: %v", tags)
	}

	if err := db.RemoveSubscription(ctx, 100, "#CLAN"); err != nil {
		t.Fatalf("RemoveSubscription: %v", err)
	}
	chats, err = db.ListSubscribers(ctx, "#CLAN")
	if err != nil {
		t.Fatalf("ListSubscribers: %v", err)
	}
	if len(chats) != 1 || chats[0] != 200 {
		t.Fatalf("unexpected subscribers after removal: %v", chats)
	}
}
