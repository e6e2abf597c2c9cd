package notify

import (
	"fmt"
	"strings"

	"github.com/mprokhorov/clashwardenbot-sub000/internal/tracker"
)

const renderTimeLayout = "Mon, 02 Jan 15:04 UTC"

func activityLabel(a tracker.ActivityType) string {
	switch a {
	case tracker.ActivityWar:
		return "Clan war"
	case tracker.ActivityWarLeague:
		return "League war"
	case tracker.ActivityRaidWeekend:
		return "Raid weekend"
	case tracker.ActivityClanGames:
		return "Clan games"
	default:
		return string(a)
	}
}

// Render produces the user-facing message for one notification.
func Render(n tracker.Notification) string {
	snap := n.Snapshot
	label := activityLabel(n.Activity)

	var b strings.Builder
	switch n.Kind {
	case tracker.PreparationStarted:
		b.WriteString("🛠 " + label + " preparation has started")
		writeVersus(&b, snap)
		if !snap.StartTime.IsZero() {
			fmt.Fprintf(&b, "\nBattle day begins %s.", snap.StartTime.UTC().Format(renderTimeLayout))
		}
	case tracker.ActivityStarted:
		b.WriteString("⚔️ " + label + " has started")
		writeVersus(&b, snap)
		if !snap.EndTime.IsZero() {
			fmt.Fprintf(&b, "\nEnds %s.", snap.EndTime.UTC().Format(renderTimeLayout))
		}
	case tracker.HalfTimeRemaining:
		b.WriteString("⏳ Less than 12 hours left in the " + strings.ToLower(label))
		writeVersus(&b, snap)
		if !snap.EndTime.IsZero() {
			fmt.Fprintf(&b, "\nEnds %s.", snap.EndTime.UTC().Format(renderTimeLayout))
		}
	case tracker.ActivityEnded:
		b.WriteString("🏁 " + label + " has ended")
		writeVersus(&b, snap)
	default:
		b.WriteString(label)
	}
	return b.String()
}

func writeVersus(b *strings.Builder, snap tracker.Snapshot) {
	if snap.OpponentName != "" {
		fmt.Fprintf(b, ": %s vs %s", snap.ClanName, snap.OpponentName)
		if snap.TeamSize > 0 {
			fmt.Fprintf(b, " (%dv%d)", snap.TeamSize, snap.TeamSize)
		}
	}
	b.WriteString(".")
}
