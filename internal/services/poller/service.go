// Package poller schedules the tracker pipeline: every interval it runs one
// poll cycle for each (clan, activity) pair. Multiple bot processes can
// split the cadence by shard so each fires at a distinct second within the
// interval.
package poller

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/mprokhorov/clashwardenbot-sub000/internal/tracker"
	"github.com/mprokhorov/clashwardenbot-sub000/pkg/logx"
)

// Config controls the poll cadence.
type Config struct {
	Interval time.Duration
	Shard    int
	Shards   int
	Clans    []string
}

type Service struct {
	log      logx.Logger
	pipeline *tracker.Pipeline
	parser   cron.Parser

	mu  sync.Mutex
	cfg Config
	c   *cron.Cron

	// ticking skips a tick when the previous one is still running.
	ticking atomic.Bool

	runCtx    context.Context
	runCancel context.CancelFunc
}

func New(cfg Config, pipeline *tracker.Pipeline, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:      log,
		pipeline: pipeline,
		cfg:      cfg,
		// SecondOptional allows the 6-field specs produced by shardSpec.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}

	spec, err := shardSpec(s.cfg.Interval, s.cfg.Shard, s.cfg.Shards)
	if err != nil {
		return err
	}

	s.runCtx, s.runCancel = context.WithCancel(ctx)
	runCtx := s.runCtx

	c := cron.New(cron.WithParser(s.parser))
	if _, err := c.AddFunc(spec, func() { s.tick(runCtx) }); err != nil {
		s.runCancel()
		s.runCtx, s.runCancel = nil, nil
		return fmt.Errorf("poller: bad cron spec %q: %w", spec, err)
	}
	s.c = c
	c.Start()

	s.log.Info("poller started",
		logx.String("spec", spec),
		logx.Duration("interval", s.cfg.Interval),
		logx.Int("shard", s.cfg.Shard),
		logx.Int("shards", s.cfg.Shards),
		logx.Int("clans", len(s.cfg.Clans)))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	cancel := s.runCancel
	s.c = nil
	s.runCtx, s.runCancel = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	s.log.Info("poller stopped")
}

// Apply swaps the cadence config. The cron is restarted when the schedule
// actually changed; a running tick is left to finish.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	changed := cfg.Interval != s.cfg.Interval ||
		cfg.Shard != s.cfg.Shard || cfg.Shards != s.cfg.Shards
	s.cfg = cfg
	running := s.c != nil
	s.mu.Unlock()

	if !running || !changed {
		return nil
	}
	s.Stop(ctx)
	return s.Start(ctx)
}

// RunOnce executes one full poll cycle for every (clan, activity) pair
// immediately. Used at startup so a restart never waits a whole interval.
func (s *Service) RunOnce(ctx context.Context) error {
	s.mu.Lock()
	clans := append([]string(nil), s.cfg.Clans...)
	s.mu.Unlock()
	return s.pollAll(ctx, clans)
}

func (s *Service) tick(ctx context.Context) {
	if !s.ticking.CompareAndSwap(false, true) {
		s.log.Warn("previous poll still running; skipping tick")
		return
	}
	defer s.ticking.Store(false)
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in poll tick", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()

	s.mu.Lock()
	clans := append([]string(nil), s.cfg.Clans...)
	s.mu.Unlock()

	start := time.Now()
	if err := s.pollAll(ctx, clans); err != nil {
		s.log.Warn("poll tick finished with errors", logx.Err(err), logx.Duration("dur", time.Since(start)))
		return
	}
	s.log.Debug("poll tick finished", logx.Duration("dur", time.Since(start)))
}

// pollAll fans out over all pairs. Pairs share no state, so they run in
// parallel; same-pair serialization is the pipeline's job. One pair's error
// never cuts the others short: every pipeline runs to completion and the
// errors are collected.
func (s *Service) pollAll(ctx context.Context, clans []string) error {
	var g errgroup.Group
	g.SetLimit(8)
	for _, clan := range clans {
		for _, activity := range tracker.Activities() {
			clan, activity := clan, activity
			g.Go(func() error {
				if err := s.pipeline.Run(ctx, clan, activity); err != nil {
					return fmt.Errorf("%s/%s: %w", clan, activity, err)
				}
				return nil
			})
		}
	}
	return g.Wait()
}

// shardSpec builds the 6-field cron spec for this shard: every interval,
// offset by shard*(interval/shards). The offset is spread across the second
// and minute fields, so shards of a multi-minute interval still land on
// distinct instants instead of folding back onto second zero.
func shardSpec(interval time.Duration, shard, shards int) (string, error) {
	if interval <= 0 {
		interval = time.Minute
	}
	if shards <= 0 {
		shards = 1
	}
	if shard < 0 || shard >= shards {
		return "", fmt.Errorf("poller: shard %d out of range [0,%d)", shard, shards)
	}
	offset := time.Duration(shard) * interval / time.Duration(shards)

	if interval < time.Minute {
		sec := int(interval.Seconds())
		if sec <= 0 || 60%sec != 0 {
			return "", fmt.Errorf("poller: sub-minute interval %v must divide 60s", interval)
		}
		return fmt.Sprintf("%d/%d * * * * *", int(offset.Seconds())%sec, sec), nil
	}

	if interval%time.Minute != 0 {
		return "", fmt.Errorf("poller: interval %v must be whole minutes", interval)
	}
	mins := int(interval / time.Minute)
	if mins > 59 {
		return "", fmt.Errorf("poller: interval %v too large", interval)
	}
	offSec := int(offset.Seconds()) % 60
	offMin := (int(offset.Seconds()) / 60) % mins
	return fmt.Sprintf("%d %d/%d * * * *", offSec, offMin, mins), nil
}
