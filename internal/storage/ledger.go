package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mprokhorov/clashwardenbot-sub000/internal/tracker"
)

func flagColumn(f tracker.Flag) string {
	switch f {
	case tracker.FlagPreparation:
		return "preparation_sent"
	case tracker.FlagStart:
		return "start_sent"
	case tracker.FlagHalfTime:
		return "half_time_sent"
	default:
		return "end_sent"
	}
}

// flagDefault returns the initial column value for a fresh ledger row:
// 0 for applicable flags, NULL for flags the activity type never uses.
func flagDefault(a tracker.ActivityType, f tracker.Flag) any {
	if tracker.Applicable(a, f) {
		return 0
	}
	return nil
}

// GetOrCreateLedger returns the ledger entry for an instance key, inserting
// a freshly defaulted row on first observation. Idempotent: a concurrent
// insert for the same key loses silently and the existing row is read back.
func (s *DB) GetOrCreateLedger(ctx context.Context, key tracker.InstanceKey) (tracker.LedgerEntry, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ledger(clan_tag, activity, start_time, preparation_sent, start_sent, half_time_sent, end_sent, created_at)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(clan_tag, activity, start_time) DO NOTHING`,
		key.ClanTag, string(key.Activity), encodeTime(key.StartTime),
		flagDefault(key.Activity, tracker.FlagPreparation),
		flagDefault(key.Activity, tracker.FlagStart),
		flagDefault(key.Activity, tracker.FlagHalfTime),
		flagDefault(key.Activity, tracker.FlagEnd),
		encodeTime(time.Now()),
	)
	if err != nil {
		return tracker.LedgerEntry{}, err
	}
	return s.readLedger(ctx, key)
}

func (s *DB) readLedger(ctx context.Context, key tracker.InstanceKey) (tracker.LedgerEntry, error) {
	var prep, start, half, end sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT preparation_sent, start_sent, half_time_sent, end_sent
		 FROM ledger WHERE clan_tag = ? AND activity = ? AND start_time = ?`,
		key.ClanTag, string(key.Activity), encodeTime(key.StartTime),
	).Scan(&prep, &start, &half, &end)
	if err != nil {
		return tracker.LedgerEntry{}, err
	}
	return tracker.LedgerEntry{
		Key:             key,
		PreparationSent: prep.Valid && prep.Int64 != 0,
		StartSent:       start.Valid && start.Int64 != 0,
		HalfTimeSent:    half.Valid && half.Int64 != 0,
		EndSent:         end.Valid && end.Int64 != 0,
	}, nil
}

// MarkLedger flips one flag to sent. A no-op when already set, and it never
// touches a NULL (inapplicable) column.
func (s *DB) MarkLedger(ctx context.Context, key tracker.InstanceKey, flag tracker.Flag) error {
	if !tracker.Applicable(key.Activity, flag) {
		return fmt.Errorf("storage: flag %s not applicable to %s", flag, key.Activity)
	}
	col := flagColumn(flag)
	_, err := s.db.ExecContext(ctx,
		`UPDATE ledger SET `+col+` = 1
		 WHERE clan_tag = ? AND activity = ? AND start_time = ? AND `+col+` IS NOT NULL`,
		key.ClanTag, string(key.Activity), encodeTime(key.StartTime),
	)
	return err
}
