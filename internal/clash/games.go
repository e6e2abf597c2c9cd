package clash

import (
	"time"

	"github.com/mprokhorov/clashwardenbot-sub000/internal/tracker"
)

// The public API exposes no clan-games endpoint; the period follows a fixed
// monthly window instead, so snapshots are synthesized from the calendar.
const (
	gamesStartDay  = 22
	gamesEndDay    = 28
	gamesStartHour = 8 // UTC
)

// clanGamesSnapshot returns the snapshot of the most recent clan-games
// period at the given instant: ongoing while inside the window, ended after
// it, and nil before the first window ever relevant (never in practice).
func clanGamesSnapshot(now time.Time) *tracker.Snapshot {
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), gamesStartDay, gamesStartHour, 0, 0, 0, time.UTC)
	if now.Before(start) {
		start = start.AddDate(0, -1, 0)
	}
	end := time.Date(start.Year(), start.Month(), gamesEndDay, gamesStartHour, 0, 0, 0, time.UTC)

	state := "ongoing"
	if !now.Before(end) {
		state = "ended"
	}
	return &tracker.Snapshot{
		Activity:  tracker.ActivityClanGames,
		State:     state,
		StartTime: start,
		EndTime:   end,
	}
}
