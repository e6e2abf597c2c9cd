package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/mprokhorov/clashwardenbot-sub000/internal/tracker"
)

// LoadSnapshot returns the most recently stored snapshot for the pair, or
// nil when none has been stored yet.
func (s *DB) LoadSnapshot(ctx context.Context, clanTag string, activity tracker.ActivityType) (*tracker.Snapshot, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM snapshots WHERE clan_tag = ? AND activity = ?`,
		clanTag, string(activity),
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap tracker.Snapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// StoreSnapshot advances the prior-snapshot pointer for the pair. Upsert:
// each successful fetch overwrites the previous row.
func (s *DB) StoreSnapshot(ctx context.Context, clanTag string, activity tracker.ActivityType, snap *tracker.Snapshot) error {
	if snap == nil {
		return errors.New("storage: nil snapshot")
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots(clan_tag, activity, start_time, end_time, state, payload, fetched_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(clan_tag, activity) DO UPDATE SET
		   start_time = excluded.start_time,
		   end_time   = excluded.end_time,
		   state      = excluded.state,
		   payload    = excluded.payload,
		   fetched_at = excluded.fetched_at`,
		clanTag, string(activity),
		encodeTime(snap.StartTime), encodeTime(snap.EndTime),
		snap.State, string(payload), encodeTime(time.Now()),
	)
	return err
}
