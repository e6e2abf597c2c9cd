package storage

import (
	"context"
	"time"
)

// AddSubscription subscribes a chat to a clan's notifications. Idempotent.
func (s *DB) AddSubscription(ctx context.Context, chatID int64, clanTag string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions(chat_id, clan_tag, created_at) VALUES(?,?,?)
		 ON CONFLICT(chat_id, clan_tag) DO NOTHING`,
		chatID, clanTag, encodeTime(time.Now()),
	)
	return err
}

// RemoveSubscription unsubscribes a chat. Removing a missing row is a no-op.
func (s *DB) RemoveSubscription(ctx context.Context, chatID int64, clanTag string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE chat_id = ? AND clan_tag = ?`,
		chatID, clanTag,
	)
	return err
}

// ListSubscribers returns the chat IDs subscribed to a clan.
func (s *DB) ListSubscribers(ctx context.Context, clanTag string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id FROM subscriptions WHERE clan_tag = ? ORDER BY chat_id`,
		clanTag,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ListSubscriptions returns the clan tags a chat is subscribed to.
func (s *DB) ListSubscriptions(ctx context.Context, chatID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT clan_tag FROM subscriptions WHERE chat_id = ? ORDER BY clan_tag`,
		chatID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		out = append(out, tag)
	}
	return out, rows.Err()
}
