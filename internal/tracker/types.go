// Package tracker implements the activity lifecycle engine: it classifies
// externally retrieved snapshots of recurring clan activities, diffs them
// against the previously stored snapshot and the per-instance send ledger,
// and decides which notification (if any) fires on this poll cycle.
package tracker

import (
	"context"
	"errors"
	"time"
)

// ActivityType identifies one family of recurring clan activities.
type ActivityType string

const (
	ActivityWar         ActivityType = "war"
	ActivityWarLeague   ActivityType = "war_league"
	ActivityRaidWeekend ActivityType = "raid_weekend"
	ActivityClanGames   ActivityType = "clan_games"
)

// Activities lists all tracked activity types in a stable order.
func Activities() []ActivityType {
	return []ActivityType{ActivityWar, ActivityWarLeague, ActivityRaidWeekend, ActivityClanGames}
}

func (a ActivityType) Valid() bool {
	switch a {
	case ActivityWar, ActivityWarLeague, ActivityRaidWeekend, ActivityClanGames:
		return true
	}
	return false
}

// Phase is the abstract lifecycle state of one activity instance.
// Within a single instance the phase only moves forward:
// Absent < Preparing < Active < Ended.
type Phase int

const (
	PhaseAbsent Phase = iota
	PhasePreparing
	PhaseActive
	PhaseEnded
)

func (p Phase) String() string {
	switch p {
	case PhasePreparing:
		return "preparing"
	case PhaseActive:
		return "active"
	case PhaseEnded:
		return "ended"
	default:
		return "absent"
	}
}

// Snapshot is the validated record of one activity instance as last seen at
// the external source. Raw API payloads are mapped into this type at the
// client boundary; nothing downstream touches untyped maps.
type Snapshot struct {
	Activity  ActivityType `json:"activity"`
	State     string       `json:"state"` // raw source state tag, e.g. "inWar", "ongoing"
	StartTime time.Time    `json:"start_time"`
	EndTime   time.Time    `json:"end_time"`

	// Rendering context. Not read by the evaluator.
	ClanName     string `json:"clan_name,omitempty"`
	OpponentName string `json:"opponent_name,omitempty"`
	TeamSize     int    `json:"team_size,omitempty"`
}

// InstanceKey uniquely identifies one occurrence of a recurring activity.
// StartTime never changes within one instance lifetime.
type InstanceKey struct {
	ClanTag   string
	Activity  ActivityType
	StartTime time.Time
}

// NotificationKind is one of the fixed set of user-facing alerts.
type NotificationKind int

const (
	PreparationStarted NotificationKind = iota
	ActivityStarted
	HalfTimeRemaining
	ActivityEnded
)

func (k NotificationKind) String() string {
	switch k {
	case PreparationStarted:
		return "preparation_started"
	case ActivityStarted:
		return "activity_started"
	case HalfTimeRemaining:
		return "half_time_remaining"
	case ActivityEnded:
		return "activity_ended"
	default:
		return "unknown"
	}
}

// Flag names one of the four per-instance "already sent" markers.
type Flag int

const (
	FlagPreparation Flag = iota
	FlagStart
	FlagHalfTime
	FlagEnd
)

func (f Flag) String() string {
	switch f {
	case FlagPreparation:
		return "preparation_sent"
	case FlagStart:
		return "start_sent"
	case FlagHalfTime:
		return "half_time_sent"
	case FlagEnd:
		return "end_sent"
	default:
		return "unknown"
	}
}

// FlagFor maps a notification kind to the ledger flag gating it.
func FlagFor(k NotificationKind) Flag {
	switch k {
	case PreparationStarted:
		return FlagPreparation
	case ActivityStarted:
		return FlagStart
	case HalfTimeRemaining:
		return FlagHalfTime
	default:
		return FlagEnd
	}
}

// Applicable reports whether a flag is meaningful for an activity type.
// Raid weekends begin with no separate preparation window and have no
// half-time alert; clan games likewise only have start and end.
func Applicable(a ActivityType, f Flag) bool {
	switch a {
	case ActivityWar, ActivityWarLeague:
		return true
	default:
		return f == FlagStart || f == FlagEnd
	}
}

// LedgerEntry is the durable idempotency record for one activity instance.
// Flags move false -> true exactly once and are never reset.
type LedgerEntry struct {
	Key InstanceKey

	PreparationSent bool
	StartSent       bool
	HalfTimeSent    bool
	EndSent         bool
}

// Sent reports whether the given notification flag has already fired.
// Flags that do not apply to the entry's activity type read as sent, so
// the evaluator can never fire an inapplicable notification.
func (e LedgerEntry) Sent(f Flag) bool {
	if !Applicable(e.Key.Activity, f) {
		return true
	}
	switch f {
	case FlagPreparation:
		return e.PreparationSent
	case FlagStart:
		return e.StartSent
	case FlagHalfTime:
		return e.HalfTimeSent
	default:
		return e.EndSent
	}
}

// Notification is what the pipeline hands to the dispatch sink.
type Notification struct {
	Kind     NotificationKind
	ClanTag  string
	Activity ActivityType
	Snapshot Snapshot
}

// Collaborator interfaces consumed by the pipeline. The tracker owns none of
// the state behind them; it only prescribes call order and idempotency.

// Fetcher retrieves the latest snapshot for one (clan, activity) pair.
// A fetch failure or "no activity currently known" returns (nil, nil) or an
// error; both are treated as an absent snapshot and the cycle is a no-op.
type Fetcher interface {
	Fetch(ctx context.Context, clanTag string, activity ActivityType) (*Snapshot, error)
}

// Store persists the prior-snapshot pointer and the send ledger.
type Store interface {
	// LoadSnapshot returns the most recently stored snapshot, or nil when
	// none has been stored yet.
	LoadSnapshot(ctx context.Context, clanTag string, activity ActivityType) (*Snapshot, error)
	StoreSnapshot(ctx context.Context, clanTag string, activity ActivityType, snap *Snapshot) error

	// GetOrCreateLedger returns the entry for key, creating it with all
	// applicable flags false on first observation.
	GetOrCreateLedger(ctx context.Context, key InstanceKey) (LedgerEntry, error)
	// MarkLedger sets one flag true. Idempotent; never resets.
	MarkLedger(ctx context.Context, key InstanceKey, flag Flag) error
}

// Sink delivers one notification to all subscribed destinations.
// Fire-and-forget from the pipeline's perspective: a sink error is logged
// and never retried, because the ledger flag is already committed.
type Sink interface {
	Dispatch(ctx context.Context, n Notification) error
}

// ErrPersistence wraps snapshot-store or ledger write failures. The pipeline
// aborts before dispatch when it is raised, so the scheduler can retry the
// whole cycle without risking a duplicate send.
var ErrPersistence = errors.New("tracker: persistence failure")
