package collab

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sourcegraph/conc"
	"github.com/zulandar/roundtable/internal/events"
	"github.com/zulandar/roundtable/internal/provider"
	"github.com/zulandar/roundtable/internal/session"
)

// run is the live state of one session. Role tasks write disjoint insight
// keys under mu; errorCount and providerCalls are shared counters. view is
// the last snapshot handed to the store and is what Status serves while the
// run is tracked.
type run struct {
	mu       sync.Mutex
	sess     *session.Session
	view     *session.Session
	cost     float64
	storeErr error

	errorCount    atomic.Int32
	providerCalls atomic.Int32
}

// execute runs every role concurrently, then synthesizes and finalizes.
func (o *Orchestrator) execute(r *run) {
	defer o.wg.Done()

	ctx := o.ctx
	var wg conc.WaitGroup
	for _, role := range session.Roles {
		req := provider.Request{
			Role:     role,
			Query:    r.sess.Query,
			Context:  r.sess.Context,
			Priority: r.sess.Options.Priority,
		}
		wg.Go(func() { o.runRole(ctx, r, req) })
	}
	if rec := wg.WaitAndRecover(); rec != nil {
		o.fail(r, fmt.Errorf("role task panicked: %w", rec.AsError()))
		return
	}

	if ctx.Err() != nil {
		o.fail(r, ErrShuttingDown)
		return
	}
	r.mu.Lock()
	storeErr := r.storeErr
	r.mu.Unlock()
	if storeErr != nil {
		o.fail(r, fmt.Errorf("store session: %w", storeErr))
		return
	}

	o.complete(r)
}

// runRole obtains one role's insight, retrying transient provider failures
// and substituting the heuristic fallback when retries are exhausted.
func (o *Orchestrator) runRole(ctx context.Context, r *run, req provider.Request) {
	role := req.Role
	log := o.log.With("session", r.sess.ID, "role", role)

	attempts := 0
	var result *provider.Result
	op := func() error {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, o.roleTimeout)
		defer cancel()

		start := time.Now()
		res, err := o.provider.Analyze(callCtx, req)
		r.providerCalls.Add(1)
		if err == nil && (res == nil || res.Insight == nil) {
			err = errors.New("provider returned no insight")
		}
		if err != nil {
			o.metrics.ProviderCall(string(role), "error", time.Since(start))
			log.Warn("provider call failed", "attempt", attempts, "error", err)
			if !provider.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		o.metrics.ProviderCall(string(role), "ok", time.Since(start))
		result = res
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(o.newBackOff(), uint64(o.maxRetries)), ctx)
	err := backoff.Retry(op, b)
	if ctx.Err() != nil {
		return
	}

	var (
		in       session.Insight
		usage    provider.Usage
		fallback bool
	)
	if err != nil {
		fallback = true
		in = *provider.Fallback(req)
		in.Source = session.SourceFallback
		r.errorCount.Add(1)
		o.metrics.RoleFallback(string(role))
		log.Warn("role using fallback result", "attempts", attempts, "error", err)
	} else {
		in = *result.Insight
		in.Source = session.SourceProvider
		usage = result.Usage
	}
	in.Role = role
	in.Attempts = attempts
	in.GeneratedAt = o.now()

	o.recordInsight(r, in, usage, fallback)
}

func (o *Orchestrator) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.retryBackoff
	b.MaxInterval = o.maxRetryBackoff
	b.MaxElapsedTime = 0
	return b
}

// recordInsight writes one role's insight into the live session.
func (o *Orchestrator) recordInsight(r *run, in session.Insight, usage provider.Usage, fallback bool) {
	r.mu.Lock()
	s := r.sess
	if s.Status.Terminal() {
		r.mu.Unlock()
		return
	}
	s.Insights[in.Role] = in
	r.cost += usage.Cost()
	if fallback {
		s.Metadata.FallbackRoles = append(s.Metadata.FallbackRoles, in.Role)
	}
	s.Metadata.ErrorCount = int(r.errorCount.Load())
	s.Metadata.ProviderCalls = int(r.providerCalls.Load())
	if err := o.save(r); err != nil {
		r.storeErr = err
		o.log.Error("store session", "session", s.ID, "error", err)
	}
	r.mu.Unlock()

	o.publish(r, events.TypeRoleCompleted, in.Role, in)
}

// complete runs synthesis (unless skipped) and moves the session to completed.
func (o *Orchestrator) complete(r *run) {
	r.mu.Lock()
	s := r.sess

	if !s.Options.SkipSynthesis {
		s.Phase = session.PhaseSynthesis
		if err := o.save(r); err != nil {
			r.mu.Unlock()
			o.log.Error("store session", "session", s.ID, "error", err)
			o.fail(r, fmt.Errorf("store session: %w", err))
			return
		}
	}

	insights := make([]session.Insight, 0, len(s.Insights))
	for _, role := range session.Roles {
		if in, ok := s.Insights[role]; ok {
			insights = append(insights, in)
		}
	}
	var all []session.Recommendation
	for _, in := range insights {
		all = append(all, in.Recommendations...)
	}

	now := o.now()
	s.Recommendations = RankRecommendations(all)
	if !s.Options.SkipSynthesis {
		s.Synthesis = Synthesize(s, insights, s.Recommendations, now)
	}
	s.Metadata.QualityScore = QualityScore(insights)
	s.Metadata.CostEstimate = r.cost
	s.Metadata.ErrorCount = int(r.errorCount.Load())
	s.Metadata.ProviderCalls = int(r.providerCalls.Load())
	s.Metadata.FallbackRoles = sortRoles(s.Metadata.FallbackRoles)
	s.Status = session.StatusCompleted
	s.Phase = session.PhaseComplete
	s.CompletedAt = &now
	s.Metadata.TotalDuration = now.Sub(s.CreatedAt).Milliseconds()

	if s.Options.PersistResults && o.archive != nil {
		if err := o.archive.Put(context.Background(), s); err != nil {
			perr := &PersistenceError{SessionID: s.ID, Err: err}
			o.log.Error("persist session", "session", s.ID, "error", err)
			markFailed(s, perr)
		}
	}
	r.mu.Unlock()

	o.finalize(r)
}

// fail moves the session to failed, recording err.
func (o *Orchestrator) fail(r *run, err error) {
	r.mu.Lock()
	s := r.sess
	now := o.now()
	s.Metadata.ErrorCount = int(r.errorCount.Load())
	s.Metadata.ProviderCalls = int(r.providerCalls.Load())
	s.Metadata.CostEstimate = r.cost
	s.Metadata.FallbackRoles = sortRoles(s.Metadata.FallbackRoles)
	s.CompletedAt = &now
	s.Metadata.TotalDuration = now.Sub(s.CreatedAt).Milliseconds()
	markFailed(s, err)

	if s.Options.PersistResults && o.archive != nil {
		if perr := o.archive.Put(context.Background(), s); perr != nil {
			o.log.Error("persist failed session", "session", s.ID, "error", perr)
		}
	}
	r.mu.Unlock()

	o.finalize(r)
}

// save hands the current snapshot to the live store. Callers hold r.mu.
func (o *Orchestrator) save(r *run) error {
	r.view = r.sess.Clone()
	return o.store.Put(context.Background(), r.view)
}

func markFailed(s *session.Session, err error) {
	s.Status = session.StatusFailed
	s.Phase = session.PhaseFailed
	s.Synthesis = nil
	s.Error = err.Error()
}

// finalize releases the session's slot, stores the terminal snapshot and
// notifies listeners. The slot is released first so a caller that observes
// the terminal status can immediately start another session.
func (o *Orchestrator) finalize(r *run) {
	o.release()

	r.mu.Lock()
	snap := r.sess.Clone()
	r.view = snap
	r.mu.Unlock()

	// A run whose terminal snapshot could not be stored stays tracked so
	// Status keeps serving the outcome.
	if err := o.store.Put(context.Background(), snap); err != nil {
		o.log.Error("store terminal session", "session", snap.ID, "error", err)
	} else {
		o.untrackRun(snap.ID)
	}
	o.metrics.SessionFinished(string(snap.Status), snap.Metadata.QualityScore)

	evtType := events.TypeSessionCompleted
	if snap.Status == session.StatusFailed {
		evtType = events.TypeSessionFailed
		o.log.Error("session failed", "session", snap.ID, "error", snap.Error)
	} else {
		o.log.Info("session completed",
			"session", snap.ID,
			"quality_score", snap.Metadata.QualityScore,
			"error_count", snap.Metadata.ErrorCount,
			"duration_ms", snap.Metadata.TotalDuration)
	}
	o.publish(r, evtType, "", snap)

	if o.notifier != nil {
		ctx, cancel := context.WithTimeout(context.Background(), o.notifyTimeout)
		defer cancel()
		if err := o.notifier.Notify(ctx, snap); err != nil {
			o.log.Warn("notify", "session", snap.ID, "error", err)
		}
	}
}

// publish emits an event for realtime-enabled sessions.
func (o *Orchestrator) publish(r *run, typ string, role session.Role, data any) {
	if o.hub == nil {
		return
	}
	r.mu.Lock()
	if !r.sess.Options.EnableRealtime {
		r.mu.Unlock()
		return
	}
	evt := events.Event{
		Type:      typ,
		SessionID: r.sess.ID,
		Role:      string(role),
		Status:    string(r.sess.Status),
		Phase:     r.sess.Phase,
		Data:      data,
	}
	r.mu.Unlock()
	o.hub.Publish(evt)
}

// sortRoles orders roles by dispatch order.
func sortRoles(roles []session.Role) []session.Role {
	if len(roles) == 0 {
		return roles
	}
	idx := make(map[session.Role]int, len(session.Roles))
	for i, r := range session.Roles {
		idx[r] = i
	}
	out := slices.Clone(roles)
	slices.SortFunc(out, func(a, b session.Role) int { return idx[a] - idx[b] })
	return out
}
