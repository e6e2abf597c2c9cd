package telegram

import (
	"context"
	"fmt"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/mprokhorov/clashwardenbot-sub000/internal/config"
	"github.com/mprokhorov/clashwardenbot-sub000/internal/tracker"
	"github.com/mprokhorov/clashwardenbot-sub000/pkg/logx"
)

// Store is the persistence surface the command handlers need.
type Store interface {
	AddSubscription(ctx context.Context, chatID int64, clanTag string) error
	RemoveSubscription(ctx context.Context, chatID int64, clanTag string) error
	ListSubscriptions(ctx context.Context, chatID int64) ([]string, error)
	LoadSnapshot(ctx context.Context, clanTag string, activity tracker.ActivityType) (*tracker.Snapshot, error)
}

const handlerTimeout = 10 * time.Second

// Router wires chat commands onto the bot.
type Router struct {
	store Store
	clans []string
	log   logx.Logger
}

func NewRouter(store Store, clans []string, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{store: store, clans: clans, log: log}
}

func (r *Router) Register(b *tele.Bot) {
	b.Handle("/start", r.handleStart)
	b.Handle("/subscribe", r.handleSubscribe)
	b.Handle("/unsubscribe", r.handleUnsubscribe)
	b.Handle("/status", r.handleStatus)
	b.Handle("/war", r.handleWar)
}

func (r *Router) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), handlerTimeout)
}

// tracked reports whether the tag is one of the clans this bot polls.
func (r *Router) tracked(tag string) bool {
	for _, t := range r.clans {
		if t == tag {
			return true
		}
	}
	return false
}

func (r *Router) handleStart(c tele.Context) error {
	var b strings.Builder
	b.WriteString("Hi! I track clan activities and alert this chat on every war, raid weekend and clan-games transition.\n\n")
	b.WriteString("Commands:\n")
	b.WriteString("/subscribe <clan tag> — get alerts for a clan\n")
	b.WriteString("/unsubscribe <clan tag> — stop alerts\n")
	b.WriteString("/status — your subscriptions\n")
	b.WriteString("/war <clan tag> — current war state\n\n")
	b.WriteString("Tracked clans: " + strings.Join(r.clans, ", "))
	return c.Send(b.String())
}

func (r *Router) handleSubscribe(c tele.Context) error {
	tag := config.NormalizeTag(strings.Join(c.Args(), " "))
	if tag == "" {
		return c.Send("Usage: /subscribe <clan tag>")
	}
	if !r.tracked(tag) {
		return c.Send(fmt.Sprintf("Clan %s is not tracked by this bot.", tag))
	}
	ctx, cancel := r.ctx()
	defer cancel()
	if err := r.store.AddSubscription(ctx, c.Chat().ID, tag); err != nil {
		r.log.Error("subscribe failed", logx.Int64("chat_id", c.Chat().ID), logx.Err(err))
		return c.Send("Something went wrong, try again later.")
	}
	return c.Send(fmt.Sprintf("Subscribed this chat to %s.", tag))
}

func (r *Router) handleUnsubscribe(c tele.Context) error {
	tag := config.NormalizeTag(strings.Join(c.Args(), " "))
	if tag == "" {
		return c.Send("Usage: /unsubscribe <clan tag>")
	}
	ctx, cancel := r.ctx()
	defer cancel()
	if err := r.store.RemoveSubscription(ctx, c.Chat().ID, tag); err != nil {
		r.log.Error("unsubscribe failed", logx.Int64("chat_id", c.Chat().ID), logx.Err(err))
		return c.Send("Something went wrong, try again later.")
	}
	return c.Send(fmt.Sprintf("Unsubscribed this chat from %s.", tag))
}

func (r *Router) handleStatus(c tele.Context) error {
	ctx, cancel := r.ctx()
	defer cancel()
	tags, err := r.store.ListSubscriptions(ctx, c.Chat().ID)
	if err != nil {
		r.log.Error("status failed", logx.Int64("chat_id", c.Chat().ID), logx.Err(err))
		return c.Send("Something went wrong, try again later.")
	}
	if len(tags) == 0 {
		return c.Send("This chat has no subscriptions. Use /subscribe <clan tag>.")
	}
	return c.Send("Subscribed to: " + strings.Join(tags, ", "))
}

func (r *Router) handleWar(c tele.Context) error {
	tag := config.NormalizeTag(strings.Join(c.Args(), " "))
	if tag == "" && len(r.clans) == 1 {
		tag = r.clans[0]
	}
	if tag == "" {
		return c.Send("Usage: /war <clan tag>")
	}
	ctx, cancel := r.ctx()
	defer cancel()
	snap, err := r.store.LoadSnapshot(ctx, tag, tracker.ActivityWar)
	if err != nil {
		r.log.Error("war lookup failed", logx.String("clan", tag), logx.Err(err))
		return c.Send("Something went wrong, try again later.")
	}
	if snap == nil {
		return c.Send(fmt.Sprintf("No war known for %s yet.", tag))
	}
	return c.Send(formatWar(snap))
}

func formatWar(snap *tracker.Snapshot) string {
	var b strings.Builder
	switch tracker.Classify(snap) {
	case tracker.PhasePreparing:
		fmt.Fprintf(&b, "🛠 Preparing: %s vs %s", snap.ClanName, snap.OpponentName)
		if !snap.StartTime.IsZero() {
			fmt.Fprintf(&b, "\nBattle day begins %s.", snap.StartTime.UTC().Format("Mon, 02 Jan 15:04 UTC"))
		}
	case tracker.PhaseActive:
		fmt.Fprintf(&b, "⚔️ In war: %s vs %s", snap.ClanName, snap.OpponentName)
		if !snap.EndTime.IsZero() {
			fmt.Fprintf(&b, "\nEnds %s.", snap.EndTime.UTC().Format("Mon, 02 Jan 15:04 UTC"))
		}
	case tracker.PhaseEnded:
		fmt.Fprintf(&b, "🏁 War ended: %s vs %s", snap.ClanName, snap.OpponentName)
	default:
		b.WriteString("Not currently in war.")
	}
	return b.String()
}
