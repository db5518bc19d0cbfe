// Package sweeper prunes archived sessions on a cron schedule.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/roundtable/internal/logging"
)

// Defaults for Opts fields left zero.
const (
	DefaultSchedule = "0 * * * *"
	DefaultMaxAge   = 7 * 24 * time.Hour
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Pruner deletes terminal sessions completed before a cutoff.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Opts configures a Sweeper.
type Opts struct {
	Archive  Pruner
	Schedule string        // 5-field cron expression
	MaxAge   time.Duration // sessions completed longer ago are pruned
	Logger   *slog.Logger
	Now      func() time.Time
}

// Sweeper periodically prunes the archive.
type Sweeper struct {
	archive  Pruner
	schedule cron.Schedule
	spec     string
	maxAge   time.Duration
	log      *slog.Logger
	now      func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// New validates opts and creates a Sweeper.
func New(opts Opts) (*Sweeper, error) {
	if opts.Archive == nil {
		return nil, fmt.Errorf("sweeper: archive is required")
	}
	if opts.Schedule == "" {
		opts.Schedule = DefaultSchedule
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	sched, err := cronParser.Parse(opts.Schedule)
	if err != nil {
		return nil, fmt.Errorf("sweeper: schedule %q: %w", opts.Schedule, err)
	}
	return &Sweeper{
		archive:  opts.Archive,
		schedule: sched,
		spec:     opts.Schedule,
		maxAge:   opts.MaxAge,
		log:      logging.Or(opts.Logger).With("component", "sweeper"),
		now:      opts.Now,
	}, nil
}

// RunOnce prunes sessions completed more than MaxAge ago.
func (s *Sweeper) RunOnce(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.maxAge)
	n, err := s.archive.Prune(ctx, cutoff)
	if err != nil {
		s.log.Error("prune failed", "cutoff", cutoff, "error", err)
		return 0, fmt.Errorf("sweeper: %w", err)
	}
	s.log.Info("pruned archived sessions", "deleted", n, "cutoff", cutoff)
	return n, nil
}

// Next returns the next scheduled run after t.
func (s *Sweeper) Next(t time.Time) time.Time {
	return s.schedule.Next(t)
}

// Start runs the sweeper on its schedule until ctx is cancelled. Overlapping
// runs are skipped.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return
	}
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	c.Schedule(s.schedule, cron.FuncJob(func() {
		s.RunOnce(ctx)
	}))
	c.Start()
	s.cron = c
	s.log.Info("sweeper started", "schedule", s.spec, "max_age", s.maxAge.String(), "next", s.Next(s.now()))

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
}

// Stop halts the schedule and waits for a running prune to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
}
