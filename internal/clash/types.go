// Package clash is the read-only client for the external clan API. It maps
// raw API payloads into validated tracker snapshots at this boundary;
// nothing downstream sees untyped JSON.
package clash

import (
	"fmt"
	"strings"
	"time"
)

// clashTimeLayout is the timestamp format the API uses everywhere,
// e.g. "20240503T070000.000Z".
const clashTimeLayout = "20060102T150405.000Z"

// Time decodes the API's compact UTC timestamp format.
type Time struct {
	time.Time
}

func (t *Time) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := time.Parse(clashTimeLayout, s)
	if err != nil {
		return fmt.Errorf("clash: invalid timestamp %q: %w", s, err)
	}
	t.Time = parsed
	return nil
}

func (t Time) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte(`""`), nil
	}
	return []byte(`"` + t.UTC().Format(clashTimeLayout) + `"`), nil
}

type warClan struct {
	Tag  string `json:"tag"`
	Name string `json:"name"`
}

type currentWar struct {
	State                string  `json:"state"`
	TeamSize             int     `json:"teamSize"`
	PreparationStartTime Time    `json:"preparationStartTime"`
	StartTime            Time    `json:"startTime"`
	EndTime              Time    `json:"endTime"`
	Clan                 warClan `json:"clan"`
	Opponent             warClan `json:"opponent"`
}

type leagueGroup struct {
	State  string `json:"state"`
	Season string `json:"season"`
	Rounds []struct {
		WarTags []string `json:"warTags"`
	} `json:"rounds"`
}

type raidSeasonList struct {
	Items []raidSeason `json:"items"`
}

type raidSeason struct {
	State     string `json:"state"`
	StartTime Time   `json:"startTime"`
	EndTime   Time   `json:"endTime"`
}

type apiError struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}
