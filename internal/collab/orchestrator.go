// Package collab runs collaboration sessions: it fans a request out to the
// six analysis roles, absorbs per-role failures with retries and a heuristic
// fallback, synthesizes the results and exposes session status.
package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/roundtable/internal/events"
	"github.com/zulandar/roundtable/internal/logging"
	"github.com/zulandar/roundtable/internal/metrics"
	"github.com/zulandar/roundtable/internal/provider"
	"github.com/zulandar/roundtable/internal/session"
)

// Defaults for Opts fields left zero.
const (
	DefaultMaxConcurrentSessions = 10
	DefaultRoleTimeout           = 30 * time.Second
	DefaultMaxRetries            = 2
	DefaultRetryBackoff          = 500 * time.Millisecond
	DefaultMaxRetryBackoff       = 5 * time.Second
	DefaultNotifyTimeout         = 10 * time.Second
)

// Notifier is told about every session that reaches a terminal status.
type Notifier interface {
	Notify(ctx context.Context, s *session.Session) error
}

// Opts configures an Orchestrator. Provider is required.
type Opts struct {
	Provider provider.Provider
	Store    session.Store // live sessions; defaults to an in-memory store
	Archive  session.Store // durable copy for persistResults; optional
	Hub      *events.Hub
	Notifier Notifier
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	MaxConcurrentSessions int
	Limits                session.Limits
	RoleTimeout           time.Duration
	MaxRetries            int // retries after the first attempt; negative disables retries
	RetryBackoff          time.Duration
	MaxRetryBackoff       time.Duration
	NotifyTimeout         time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Handle is returned synchronously by Start.
type Handle struct {
	SessionID string         `json:"sessionId"`
	Status    session.Status `json:"status"`
	Phase     string         `json:"currentPhase"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Health summarizes orchestrator state without exposing secrets.
type Health struct {
	ActiveSessions        int    `json:"activeSessions"`
	MaxConcurrentSessions int    `json:"maxConcurrentSessions"`
	Provider              string `json:"provider"`
	ProviderCircuit       string `json:"providerCircuit,omitempty"` // breaker state when the provider is guarded
	Persistence           bool   `json:"persistence"`
	Realtime              bool   `json:"realtime"`
	Notifications         bool   `json:"notifications"`
	ShuttingDown          bool   `json:"shuttingDown"`
}

// Orchestrator owns the session store and every running session.
type Orchestrator struct {
	provider provider.Provider
	store    session.Store
	archive  session.Store
	hub      *events.Hub
	notifier Notifier
	metrics  *metrics.Metrics
	log      *slog.Logger

	maxConcurrent   int
	limits          session.Limits
	roleTimeout     time.Duration
	maxRetries      int
	retryBackoff    time.Duration
	maxRetryBackoff time.Duration
	notifyTimeout   time.Duration
	now             func() time.Time

	active atomic.Int64

	runsMu sync.Mutex
	runs   map[string]*run // sessions not yet finalized, by id

	// mu orders Start's wg.Add against Shutdown's wg.Wait.
	mu      sync.RWMutex
	closing bool
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates an Orchestrator.
func New(opts Opts) (*Orchestrator, error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("collab: provider is required")
	}
	o := &Orchestrator{
		provider:        opts.Provider,
		store:           opts.Store,
		archive:         opts.Archive,
		hub:             opts.Hub,
		notifier:        opts.Notifier,
		metrics:         opts.Metrics,
		log:             logging.Or(opts.Logger).With("component", "collab"),
		maxConcurrent:   opts.MaxConcurrentSessions,
		limits:          opts.Limits,
		roleTimeout:     opts.RoleTimeout,
		maxRetries:      opts.MaxRetries,
		retryBackoff:    opts.RetryBackoff,
		maxRetryBackoff: opts.MaxRetryBackoff,
		notifyTimeout:   opts.NotifyTimeout,
		now:             opts.Now,
		runs:            make(map[string]*run),
	}
	if o.store == nil {
		o.store = session.NewMemoryStore(0, 0)
	}
	if o.maxConcurrent <= 0 {
		o.maxConcurrent = DefaultMaxConcurrentSessions
	}
	if o.roleTimeout <= 0 {
		o.roleTimeout = DefaultRoleTimeout
	}
	switch {
	case o.maxRetries < 0:
		o.maxRetries = 0
	case o.maxRetries == 0:
		o.maxRetries = DefaultMaxRetries
	}
	if o.retryBackoff <= 0 {
		o.retryBackoff = DefaultRetryBackoff
	}
	if o.maxRetryBackoff < o.retryBackoff {
		o.maxRetryBackoff = max(DefaultMaxRetryBackoff, o.retryBackoff)
	}
	if o.notifyTimeout <= 0 {
		o.notifyTimeout = DefaultNotifyTimeout
	}
	if o.now == nil {
		o.now = time.Now
	}
	o.ctx, o.cancel = context.WithCancel(context.Background())
	return o, nil
}

// Start validates req, admits it against the concurrency limit, records a
// new session and dispatches the role tasks in the background. It returns
// without waiting for any role to finish.
func (o *Orchestrator) Start(ctx context.Context, req session.Request) (*Handle, error) {
	req.Normalize()
	if err := req.Validate(o.limits); err != nil {
		o.metrics.StartRejected("validation")
		return nil, err
	}
	if req.Options.PersistResults && o.archive == nil {
		o.metrics.StartRejected("validation")
		return nil, &session.ValidationError{Field: "options.persistResults", Reason: "persistence is not configured"}
	}

	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closing {
		o.metrics.StartRejected("shutdown")
		return nil, ErrShuttingDown
	}
	if !o.acquire() {
		o.metrics.StartRejected("capacity")
		return nil, &CapacityError{Active: o.ActiveCount(), Max: o.maxConcurrent}
	}

	s := &session.Session{
		ID:              uuid.NewString(),
		Query:           req.Query,
		Context:         req.Context,
		Options:         req.Options,
		Status:          session.StatusPending,
		Phase:           session.PhaseInitializing,
		Insights:        make(map[session.Role]session.Insight, len(session.Roles)),
		Recommendations: []session.Recommendation{},
		CreatedAt:       o.now(),
	}
	if err := o.store.Put(ctx, s); err != nil {
		o.release()
		return nil, fmt.Errorf("collab: start: store session: %w", err)
	}

	s.Status = session.StatusRunning
	s.Phase = session.PhaseAnalysis
	r := &run{sess: s, view: s.Clone()}
	if err := o.store.Put(ctx, r.view); err != nil {
		o.store.Delete(ctx, s.ID)
		o.release()
		return nil, fmt.Errorf("collab: start: store session: %w", err)
	}
	// Archived running rows are what FailInterrupted recovers after a crash.
	if s.Options.PersistResults {
		if err := o.archive.Put(ctx, r.view); err != nil {
			o.store.Delete(ctx, s.ID)
			o.release()
			return nil, &PersistenceError{SessionID: s.ID, Err: err}
		}
	}
	o.trackRun(r)

	o.metrics.SessionStarted()
	o.log.Info("session started",
		"session", s.ID,
		"priority", s.Options.Priority,
		"skip_synthesis", s.Options.SkipSynthesis,
		"persist", s.Options.PersistResults)

	o.publish(r, events.TypeSessionUpdated, "", nil)

	o.wg.Add(1)
	go o.execute(r)

	return &Handle{
		SessionID: s.ID,
		Status:    s.Status,
		Phase:     s.Phase,
		CreatedAt: s.CreatedAt,
	}, nil
}

// Status returns a snapshot of the session. Sessions evicted from the live
// store are served from the archive when one is configured.
func (o *Orchestrator) Status(ctx context.Context, id string) (*session.Session, error) {
	if r := o.liveRun(id); r != nil {
		r.mu.Lock()
		v := r.view.Clone()
		r.mu.Unlock()
		return v, nil
	}
	s, err := o.store.Get(ctx, id)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, session.ErrNotFound) {
		return nil, fmt.Errorf("collab: status %s: %w", id, err)
	}
	if o.archive != nil {
		s, aerr := o.archive.Get(ctx, id)
		if aerr == nil {
			return s, nil
		}
		if !errors.Is(aerr, session.ErrNotFound) {
			return nil, fmt.Errorf("collab: status %s: archive: %w", id, aerr)
		}
	}
	return nil, err
}

// ActiveCount returns the number of sessions not yet terminal.
func (o *Orchestrator) ActiveCount() int {
	return int(o.active.Load())
}

// MaxConcurrent returns the configured active-session limit.
func (o *Orchestrator) MaxConcurrent() int {
	return o.maxConcurrent
}

// Health reports counters and which collaborators are configured.
func (o *Orchestrator) Health() Health {
	o.mu.RLock()
	closing := o.closing
	o.mu.RUnlock()
	var circuit string
	if g, ok := o.provider.(interface{ State() string }); ok {
		circuit = g.State()
	}
	return Health{
		ActiveSessions:        o.ActiveCount(),
		MaxConcurrentSessions: o.maxConcurrent,
		Provider:              o.provider.Name(),
		ProviderCircuit:       circuit,
		Persistence:           o.archive != nil,
		Realtime:              o.hub != nil,
		Notifications:         o.notifier != nil,
		ShuttingDown:          closing,
	}
}

// Subscribe streams events for a session along with its current snapshot.
// It returns session.ErrNotFound for unknown ids and ErrRealtimeDisabled
// when the session did not ask for realtime updates. For a session that is
// already terminal the returned channel is closed.
func (o *Orchestrator) Subscribe(ctx context.Context, id string) (<-chan events.Event, func(), *session.Session, error) {
	if o.hub == nil {
		return nil, nil, nil, ErrRealtimeDisabled
	}
	ch, cancel := o.hub.Subscribe(id, 0)
	s, err := o.Status(ctx, id)
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	if !s.Options.EnableRealtime {
		cancel()
		return nil, nil, nil, ErrRealtimeDisabled
	}
	if s.Status.Terminal() {
		cancel()
	}
	return ch, cancel, s, nil
}

// FailInterrupted marks archived sessions that a previous process left
// pending or running as failed. Sessions live in this process are skipped.
func (o *Orchestrator) FailInterrupted(ctx context.Context) (int, error) {
	if o.archive == nil {
		return 0, nil
	}
	stale, err := o.archive.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("collab: list interrupted: %w", err)
	}
	n := 0
	for _, s := range stale {
		if o.liveRun(s.ID) != nil {
			continue
		}
		now := o.now()
		s.Status = session.StatusFailed
		s.Phase = session.PhaseFailed
		s.Synthesis = nil
		s.Error = "interrupted before completion"
		s.CompletedAt = &now
		if err := o.archive.Put(ctx, s); err != nil {
			return n, &PersistenceError{SessionID: s.ID, Err: err}
		}
		n++
	}
	if n > 0 {
		o.log.Warn("failed interrupted sessions", "count", n)
	}
	return n, nil
}

// Shutdown stops accepting sessions, cancels in-flight role tasks and waits
// for every session to settle or ctx to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closing = true
	o.mu.Unlock()
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("collab: shutdown: %w", ctx.Err())
	}
}

func (o *Orchestrator) trackRun(r *run) {
	o.runsMu.Lock()
	o.runs[r.sess.ID] = r
	o.runsMu.Unlock()
}

func (o *Orchestrator) untrackRun(id string) {
	o.runsMu.Lock()
	delete(o.runs, id)
	o.runsMu.Unlock()
}

func (o *Orchestrator) liveRun(id string) *run {
	o.runsMu.Lock()
	defer o.runsMu.Unlock()
	return o.runs[id]
}

// acquire reserves an active-session slot, failing when none is free.
func (o *Orchestrator) acquire() bool {
	for {
		n := o.active.Load()
		if n >= int64(o.maxConcurrent) {
			return false
		}
		if o.active.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (o *Orchestrator) release() {
	o.active.Add(-1)
}
