package clash

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mprokhorov/clashwardenbot-sub000/internal/tracker"
	"github.com/mprokhorov/clashwardenbot-sub000/pkg/logx"
)

const (
	defaultBaseURL = "https://api.clashofclans.com/v1"
	defaultTimeout = 10 * time.Second

	// The league group API pads unfinished rounds with this placeholder.
	emptyWarTag = "#0"
)

var (
	ErrNoTokens = errors.New("clash: no API tokens configured")
	// errNotFound marks 404 responses; callers fold it into "absent".
	errNotFound = errors.New("clash: not found")
)

// Config configures the API client.
type Config struct {
	BaseURL string
	// Tokens is the API key pool. Keys are used round-robin; a key rejected
	// with 403 rotates the pool forward before retrying.
	Tokens  []string
	Timeout time.Duration
}

// Client talks to the clan API and implements tracker.Fetcher. It is safe
// for concurrent use.
type Client struct {
	cfg  Config
	http *http.Client
	log  logx.Logger

	tokenIdx atomic.Uint32

	// now is swappable for tests; the clan-games window is computed from it.
	now func() time.Time
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if len(cfg.Tokens) == 0 {
		return nil, ErrNoTokens
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log,
		now:  time.Now,
	}, nil
}

// SetClock overrides the wall-clock source. Test hook.
func (c *Client) SetClock(now func() time.Time) { c.now = now }

// Fetch implements tracker.Fetcher. A missing or not-found activity returns
// (nil, nil): the tracker treats it as "no activity currently known".
func (c *Client) Fetch(ctx context.Context, clanTag string, activity tracker.ActivityType) (*tracker.Snapshot, error) {
	switch activity {
	case tracker.ActivityWar:
		return c.CurrentWar(ctx, clanTag)
	case tracker.ActivityWarLeague:
		return c.LeagueWar(ctx, clanTag)
	case tracker.ActivityRaidWeekend:
		return c.RaidWeekend(ctx, clanTag)
	case tracker.ActivityClanGames:
		return clanGamesSnapshot(c.now()), nil
	default:
		return nil, fmt.Errorf("clash: unknown activity type %q", activity)
	}
}

// CurrentWar returns the clan's regular war, or nil when not in war.
func (c *Client) CurrentWar(ctx context.Context, clanTag string) (*tracker.Snapshot, error) {
	var war currentWar
	err := c.get(ctx, "/clans/"+url.PathEscape(clanTag)+"/currentwar", &war)
	if errors.Is(err, errNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return warToSnapshot(&war, clanTag, tracker.ActivityWar), nil
}

// LeagueWar returns the clan's current war-league day. It walks the league
// group's rounds from the latest backwards and returns the first war
// involving the clan that has not ended yet, falling back to the most
// recently ended one.
func (c *Client) LeagueWar(ctx context.Context, clanTag string) (*tracker.Snapshot, error) {
	var group leagueGroup
	err := c.get(ctx, "/clans/"+url.PathEscape(clanTag)+"/currentwar/leaguegroup", &group)
	if errors.Is(err, errNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if group.State == "" || group.State == "notInWar" {
		return nil, nil
	}

	var lastEnded *tracker.Snapshot
	for i := len(group.Rounds) - 1; i >= 0; i-- {
		for _, tag := range group.Rounds[i].WarTags {
			if tag == "" || tag == emptyWarTag {
				continue
			}
			var war currentWar
			if err := c.get(ctx, "/clanwarleagues/wars/"+url.PathEscape(tag), &war); err != nil {
				if errors.Is(err, errNotFound) {
					continue
				}
				return nil, err
			}
			if war.Clan.Tag != clanTag && war.Opponent.Tag != clanTag {
				continue
			}
			snap := warToSnapshot(&war, clanTag, tracker.ActivityWarLeague)
			if war.State != "warEnded" {
				return snap, nil
			}
			if lastEnded == nil {
				lastEnded = snap
			}
		}
	}
	return lastEnded, nil
}

// RaidWeekend returns the latest capital raid season, or nil when the clan
// has never raided.
func (c *Client) RaidWeekend(ctx context.Context, clanTag string) (*tracker.Snapshot, error) {
	var seasons raidSeasonList
	err := c.get(ctx, "/clans/"+url.PathEscape(clanTag)+"/capitalraidseasons?limit=1", &seasons)
	if errors.Is(err, errNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(seasons.Items) == 0 {
		return nil, nil
	}
	season := seasons.Items[0]
	return &tracker.Snapshot{
		Activity:  tracker.ActivityRaidWeekend,
		State:     season.State,
		StartTime: season.StartTime.Time,
		EndTime:   season.EndTime.Time,
	}, nil
}

func warToSnapshot(war *currentWar, clanTag string, activity tracker.ActivityType) *tracker.Snapshot {
	us, them := war.Clan, war.Opponent
	if them.Tag == clanTag {
		us, them = them, us
	}
	return &tracker.Snapshot{
		Activity:     activity,
		State:        war.State,
		StartTime:    war.StartTime.Time,
		EndTime:      war.EndTime.Time,
		ClanName:     us.Name,
		OpponentName: them.Name,
		TeamSize:     war.TeamSize,
	}
}

// get performs one API read, rotating through the token pool on 403.
func (c *Client) get(ctx context.Context, path string, out any) error {
	tokens := c.cfg.Tokens
	var lastErr error
	for attempt := 0; attempt < len(tokens); attempt++ {
		idx := c.tokenIdx.Load()
		token := tokens[int(idx)%len(tokens)]

		status, body, err := c.do(ctx, path, token)
		if err != nil {
			return err
		}
		switch {
		case status == http.StatusOK:
			return json.Unmarshal(body, out)
		case status == http.StatusNotFound:
			return errNotFound
		case status == http.StatusForbidden:
			// Key rejected (expired or IP-bound elsewhere): rotate and retry
			// with the next one.
			c.tokenIdx.CompareAndSwap(idx, idx+1)
			lastErr = fmt.Errorf("clash: token %d rejected: %s", int(idx)%len(tokens), apiReason(body))
			c.log.Warn("api token rejected; rotating", logx.Int("token", int(idx)%len(tokens)))
		default:
			return fmt.Errorf("clash: %s: unexpected status %d: %s", path, status, apiReason(body))
		}
	}
	return lastErr
}

func (c *Client) do(ctx context.Context, path, token string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

func apiReason(body []byte) string {
	var e apiError
	if json.Unmarshal(body, &e) == nil && e.Reason != "" {
		return e.Reason
	}
	return strings.TrimSpace(string(body))
}
