package collab

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zulandar/roundtable/internal/events"
	"github.com/zulandar/roundtable/internal/provider"
	"github.com/zulandar/roundtable/internal/session"
)

const testQuery = "How can we use AI to reduce cart abandonment in our online store?"

// scriptedProvider answers per role according to fn. attempt starts at 1.
type scriptedProvider struct {
	mu    sync.Mutex
	calls map[session.Role]int
	fn    func(ctx context.Context, req provider.Request, attempt int) (*provider.Result, error)
}

func newScripted(fn func(ctx context.Context, req provider.Request, attempt int) (*provider.Result, error)) *scriptedProvider {
	return &scriptedProvider{calls: make(map[session.Role]int), fn: fn}
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Analyze(ctx context.Context, req provider.Request) (*provider.Result, error) {
	p.mu.Lock()
	p.calls[req.Role]++
	attempt := p.calls[req.Role]
	p.mu.Unlock()
	if p.fn == nil {
		return okResult(req), nil
	}
	return p.fn(ctx, req, attempt)
}

func (p *scriptedProvider) callsFor(role session.Role) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[role]
}

func okResult(req provider.Request) *provider.Result {
	in := provider.Fallback(req)
	in.Confidence = 0.8
	in.Model = "claude-sonnet-4-5"
	return &provider.Result{
		Insight: in,
		Usage:   provider.Usage{Model: "claude-sonnet-4-5", InputTokens: 1000, OutputTokens: 500},
	}
}

func retryableErr(role session.Role) error {
	return &provider.ExternalCallError{Provider: "scripted", Role: role, StatusCode: 503, Retryable: true, Err: errors.New("unavailable")}
}

func newTestOrchestrator(t *testing.T, opts Opts) *Orchestrator {
	t.Helper()
	if opts.Provider == nil {
		opts.Provider = newScripted(nil)
	}
	if opts.RetryBackoff == 0 {
		opts.RetryBackoff = time.Millisecond
	}
	if opts.MaxRetryBackoff == 0 {
		opts.MaxRetryBackoff = 2 * time.Millisecond
	}
	o, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		o.Shutdown(ctx)
	})
	return o
}

func waitTerminal(t *testing.T, o *Orchestrator, id string) *session.Session {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s, err := o.Status(context.Background(), id)
		if err != nil {
			t.Fatalf("Status(%s): %v", id, err)
		}
		if s.Status.Terminal() {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session %s did not reach a terminal status", id)
	return nil
}

func startOK(t *testing.T, o *Orchestrator, req session.Request) *Handle {
	t.Helper()
	h, err := o.Start(context.Background(), req)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return h
}

func TestNew_RequiresProvider(t *testing.T) {
	if _, err := New(Opts{}); err == nil {
		t.Fatal("expected error without provider")
	}
}

func TestStart_CompletesWithAllRoles(t *testing.T) {
	o := newTestOrchestrator(t, Opts{})
	budget := 50000.0
	h := startOK(t, o, session.Request{
		Query: testQuery,
		Context: session.Context{
			Industry:      "retail",
			Budget:        &budget,
			Requirements:  []string{"integrate with Shopify", "launch before holidays"},
			TargetMetrics: map[string]float64{"abandonment_rate": 0.55},
		},
	})

	if h.SessionID == "" {
		t.Fatal("empty session id")
	}
	if h.Status != session.StatusRunning {
		t.Errorf("handle status = %q, want running", h.Status)
	}
	if h.Phase != session.PhaseAnalysis {
		t.Errorf("handle phase = %q, want analysis", h.Phase)
	}

	s := waitTerminal(t, o, h.SessionID)
	if s.Status != session.StatusCompleted {
		t.Fatalf("status = %q (%s), want completed", s.Status, s.Error)
	}
	if s.Phase != session.PhaseComplete {
		t.Errorf("phase = %q", s.Phase)
	}
	if len(s.Insights) != len(session.Roles) {
		t.Fatalf("insights = %d, want %d", len(s.Insights), len(session.Roles))
	}
	for _, role := range session.Roles {
		in, ok := s.Insights[role]
		if !ok {
			t.Fatalf("missing insight for %s", role)
		}
		if in.Source != session.SourceProvider {
			t.Errorf("%s source = %q", role, in.Source)
		}
		if in.Attempts != 1 {
			t.Errorf("%s attempts = %d, want 1", role, in.Attempts)
		}
	}
	if s.Synthesis == nil {
		t.Fatal("synthesis missing")
	}
	if len(s.Synthesis.Recommendations) == 0 {
		t.Error("synthesis has no recommendations")
	}
	if !strings.Contains(s.Synthesis.SuccessMetrics[0], "abandonment_rate") {
		t.Errorf("success metrics = %v, want target metric first", s.Synthesis.SuccessMetrics)
	}
	if s.Metadata.ErrorCount != 0 {
		t.Errorf("errorCount = %d", s.Metadata.ErrorCount)
	}
	if s.Metadata.QualityScore != 80 {
		t.Errorf("qualityScore = %v, want 80", s.Metadata.QualityScore)
	}
	if s.Metadata.ProviderCalls != 6 {
		t.Errorf("providerCalls = %d, want 6", s.Metadata.ProviderCalls)
	}
	if s.Metadata.CostEstimate <= 0 {
		t.Errorf("costEstimate = %v, want > 0", s.Metadata.CostEstimate)
	}
	if s.CompletedAt == nil {
		t.Error("completedAt not set")
	}
	if o.ActiveCount() != 0 {
		t.Errorf("active = %d after completion", o.ActiveCount())
	}
}

func TestStart_ValidationLeavesNoTrace(t *testing.T) {
	store := session.NewMemoryStore(0, 0)
	o := newTestOrchestrator(t, Opts{Store: store})

	_, err := o.Start(context.Background(), session.Request{Query: "too short"})
	var ve *session.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if ve.Field != "userQuery" {
		t.Errorf("field = %q", ve.Field)
	}
	if store.Len() != 0 {
		t.Errorf("store holds %d sessions, want 0", store.Len())
	}
	if o.ActiveCount() != 0 {
		t.Errorf("active = %d, want 0", o.ActiveCount())
	}
}

func TestStart_PersistWithoutArchive(t *testing.T) {
	o := newTestOrchestrator(t, Opts{})
	_, err := o.Start(context.Background(), session.Request{
		Query:   testQuery,
		Options: session.Options{PersistResults: true},
	})
	var ve *session.ValidationError
	if !errors.As(err, &ve) || ve.Field != "options.persistResults" {
		t.Fatalf("err = %v, want options.persistResults validation error", err)
	}
}

func TestStart_CapacityLimit(t *testing.T) {
	gate := make(chan struct{})
	p := newScripted(func(ctx context.Context, req provider.Request, attempt int) (*provider.Result, error) {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return okResult(req), nil
	})
	o := newTestOrchestrator(t, Opts{Provider: p, MaxConcurrentSessions: 1})

	first := startOK(t, o, session.Request{Query: testQuery})

	_, err := o.Start(context.Background(), session.Request{Query: testQuery})
	var ce *CapacityError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want CapacityError", err)
	}
	if ce.Max != 1 || ce.Active != 1 {
		t.Errorf("CapacityError = %+v", ce)
	}

	close(gate)
	if s := waitTerminal(t, o, first.SessionID); s.Status != session.StatusCompleted {
		t.Fatalf("first status = %q", s.Status)
	}

	second := startOK(t, o, session.Request{Query: testQuery})
	if s := waitTerminal(t, o, second.SessionID); s.Status != session.StatusCompleted {
		t.Fatalf("second status = %q", s.Status)
	}
}

func TestStart_ConcurrentAdmissionNeverExceedsLimit(t *testing.T) {
	gate := make(chan struct{})
	p := newScripted(func(ctx context.Context, req provider.Request, attempt int) (*provider.Result, error) {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return okResult(req), nil
	})
	o := newTestOrchestrator(t, Opts{Provider: p, MaxConcurrentSessions: 3})

	var admitted, rejected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := o.Start(context.Background(), session.Request{Query: testQuery})
			var ce *CapacityError
			switch {
			case err == nil:
				admitted.Add(1)
			case errors.As(err, &ce):
				rejected.Add(1)
			default:
				t.Errorf("Start: %v", err)
			}
		}()
	}
	wg.Wait()
	close(gate)

	if admitted.Load() != 3 {
		t.Errorf("admitted = %d, want 3", admitted.Load())
	}
	if rejected.Load() != 17 {
		t.Errorf("rejected = %d, want 17", rejected.Load())
	}
}

func TestRole_FallbackAfterRetries(t *testing.T) {
	p := newScripted(func(ctx context.Context, req provider.Request, attempt int) (*provider.Result, error) {
		if req.Role == session.RoleROIAnalyst {
			return nil, retryableErr(req.Role)
		}
		return okResult(req), nil
	})
	o := newTestOrchestrator(t, Opts{Provider: p, MaxRetries: 1})

	h := startOK(t, o, session.Request{Query: testQuery})
	s := waitTerminal(t, o, h.SessionID)

	if s.Status != session.StatusCompleted {
		t.Fatalf("status = %q, want completed", s.Status)
	}
	if s.Metadata.ErrorCount != 1 {
		t.Errorf("errorCount = %d, want 1", s.Metadata.ErrorCount)
	}
	if got := p.callsFor(session.RoleROIAnalyst); got != 2 {
		t.Errorf("roi calls = %d, want 2", got)
	}
	in := s.Insights[session.RoleROIAnalyst]
	if in.Source != session.SourceFallback {
		t.Errorf("source = %q, want fallback", in.Source)
	}
	if in.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", in.Attempts)
	}
	if len(s.Metadata.FallbackRoles) != 1 || s.Metadata.FallbackRoles[0] != session.RoleROIAnalyst {
		t.Errorf("fallbackRoles = %v", s.Metadata.FallbackRoles)
	}
	if len(s.Insights) != 6 {
		t.Errorf("insights = %d", len(s.Insights))
	}
}

func TestRole_NonRetryableSkipsRetries(t *testing.T) {
	p := newScripted(func(ctx context.Context, req provider.Request, attempt int) (*provider.Result, error) {
		if req.Role == session.RoleUXDesigner {
			return nil, &provider.ExternalCallError{Provider: "scripted", Role: req.Role, StatusCode: 401, Err: errors.New("unauthorized")}
		}
		return okResult(req), nil
	})
	o := newTestOrchestrator(t, Opts{Provider: p, MaxRetries: 3})

	h := startOK(t, o, session.Request{Query: testQuery})
	s := waitTerminal(t, o, h.SessionID)
	if got := p.callsFor(session.RoleUXDesigner); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
	if s.Metadata.ErrorCount != 1 {
		t.Errorf("errorCount = %d", s.Metadata.ErrorCount)
	}
}

func TestRole_RecoversOnRetry(t *testing.T) {
	p := newScripted(func(ctx context.Context, req provider.Request, attempt int) (*provider.Result, error) {
		if attempt == 1 {
			return nil, retryableErr(req.Role)
		}
		return okResult(req), nil
	})
	o := newTestOrchestrator(t, Opts{Provider: p})

	h := startOK(t, o, session.Request{Query: testQuery})
	s := waitTerminal(t, o, h.SessionID)
	if s.Metadata.ErrorCount != 0 {
		t.Errorf("errorCount = %d, want 0", s.Metadata.ErrorCount)
	}
	if s.Metadata.ProviderCalls != 12 {
		t.Errorf("providerCalls = %d, want 12", s.Metadata.ProviderCalls)
	}
	for _, role := range session.Roles {
		if s.Insights[role].Source != session.SourceProvider {
			t.Errorf("%s source = %q", role, s.Insights[role].Source)
		}
	}
}

func TestRole_TimeoutFallsBack(t *testing.T) {
	p := newScripted(func(ctx context.Context, req provider.Request, attempt int) (*provider.Result, error) {
		if req.Role == session.RoleDataScientist {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return okResult(req), nil
	})
	o := newTestOrchestrator(t, Opts{Provider: p, RoleTimeout: 20 * time.Millisecond, MaxRetries: -1})

	h := startOK(t, o, session.Request{Query: testQuery})
	s := waitTerminal(t, o, h.SessionID)
	if s.Status != session.StatusCompleted {
		t.Fatalf("status = %q", s.Status)
	}
	if s.Insights[session.RoleDataScientist].Source != session.SourceFallback {
		t.Error("timed out role should use fallback")
	}
}

func TestRole_AllFailStillCompletes(t *testing.T) {
	p := newScripted(func(ctx context.Context, req provider.Request, attempt int) (*provider.Result, error) {
		return nil, retryableErr(req.Role)
	})
	o := newTestOrchestrator(t, Opts{Provider: p, MaxRetries: -1})

	h := startOK(t, o, session.Request{Query: testQuery})
	s := waitTerminal(t, o, h.SessionID)
	if s.Status != session.StatusCompleted {
		t.Fatalf("status = %q", s.Status)
	}
	if s.Metadata.ErrorCount != 6 {
		t.Errorf("errorCount = %d, want 6", s.Metadata.ErrorCount)
	}
	for i, role := range s.Metadata.FallbackRoles {
		if role != session.Roles[i] {
			t.Errorf("fallbackRoles[%d] = %s, want %s", i, role, session.Roles[i])
		}
	}
	if s.Metadata.CostEstimate != 0 {
		t.Errorf("costEstimate = %v, want 0", s.Metadata.CostEstimate)
	}
}

func TestRole_PanicFailsSession(t *testing.T) {
	p := newScripted(func(ctx context.Context, req provider.Request, attempt int) (*provider.Result, error) {
		if req.Role == session.RoleSolutionArchitect {
			panic("provider exploded")
		}
		return okResult(req), nil
	})
	o := newTestOrchestrator(t, Opts{Provider: p})

	h := startOK(t, o, session.Request{Query: testQuery})
	s := waitTerminal(t, o, h.SessionID)
	if s.Status != session.StatusFailed {
		t.Fatalf("status = %q, want failed", s.Status)
	}
	if !strings.Contains(s.Error, "panicked") {
		t.Errorf("error = %q", s.Error)
	}
	if s.Synthesis != nil {
		t.Error("failed session must not carry synthesis")
	}
	if o.ActiveCount() != 0 {
		t.Errorf("active = %d", o.ActiveCount())
	}
}

func TestStart_SkipSynthesis(t *testing.T) {
	o := newTestOrchestrator(t, Opts{})
	h := startOK(t, o, session.Request{Query: testQuery, Options: session.Options{SkipSynthesis: true}})
	s := waitTerminal(t, o, h.SessionID)
	if s.Status != session.StatusCompleted {
		t.Fatalf("status = %q", s.Status)
	}
	if s.Synthesis != nil {
		t.Error("synthesis should be absent")
	}
	if len(s.Recommendations) == 0 {
		t.Error("recommendations should still be ranked")
	}
}

func TestStart_RecommendationsRanked(t *testing.T) {
	p := newScripted(func(ctx context.Context, req provider.Request, attempt int) (*provider.Result, error) {
		res := okResult(req)
		// Every role proposes the same pilot with its own confidence.
		res.Insight.Recommendations = append(res.Insight.Recommendations, session.Recommendation{
			Title:      "Launch a Pilot Program!",
			Confidence: 0.5 + float64(len(req.Role))/100,
			Priority:   "high",
			Role:       req.Role,
		})
		return res, nil
	})
	o := newTestOrchestrator(t, Opts{Provider: p})

	h := startOK(t, o, session.Request{Query: testQuery})
	s := waitTerminal(t, o, h.SessionID)

	seen := make(map[string]bool)
	for i, r := range s.Recommendations {
		key := normalizeTitle(r.Title)
		if seen[key] {
			t.Errorf("duplicate title %q", r.Title)
		}
		seen[key] = true
		if i > 0 && r.Confidence > s.Recommendations[i-1].Confidence {
			t.Errorf("recommendations not sorted at %d: %v > %v", i, r.Confidence, s.Recommendations[i-1].Confidence)
		}
	}
	if !seen["launch a pilot program"] {
		t.Fatal("pilot recommendation missing")
	}
	for _, r := range s.Recommendations {
		if normalizeTitle(r.Title) == "launch a pilot program" && r.Role != session.RoleImplementationLead {
			t.Errorf("kept pilot from %s, want most confident role", r.Role)
		}
	}
}

// failingStore returns err from Put for snapshots matching fail. A nil fail
// rejects every Put.
type failingStore struct {
	session.Store
	err  error
	fail func(s *session.Session) bool
}

func (f *failingStore) Put(ctx context.Context, s *session.Session) error {
	if f.fail == nil || f.fail(s) {
		return f.err
	}
	return f.Store.Put(ctx, s)
}

func terminalOnly(s *session.Session) bool { return s.Status.Terminal() }

func TestStart_ArchiveFailureRejectsStart(t *testing.T) {
	archive := &failingStore{Store: session.NewMemoryStore(0, 0), err: errors.New("disk full")}
	o := newTestOrchestrator(t, Opts{Archive: archive})

	_, err := o.Start(context.Background(), session.Request{Query: testQuery, Options: session.Options{PersistResults: true}})
	var perr *PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want PersistenceError", err)
	}
	if o.ActiveCount() != 0 {
		t.Errorf("active = %d, want slot released", o.ActiveCount())
	}
}

func TestStart_PersistFailureFailsSession(t *testing.T) {
	archive := &failingStore{Store: session.NewMemoryStore(0, 0), err: errors.New("disk full"), fail: terminalOnly}
	o := newTestOrchestrator(t, Opts{Archive: archive})

	h := startOK(t, o, session.Request{Query: testQuery, Options: session.Options{PersistResults: true}})
	s := waitTerminal(t, o, h.SessionID)
	if s.Status != session.StatusFailed {
		t.Fatalf("status = %q, want failed", s.Status)
	}
	if !strings.Contains(s.Error, "disk full") {
		t.Errorf("error = %q", s.Error)
	}
	if s.Synthesis != nil {
		t.Error("synthesis must be absent on failure")
	}
	if o.ActiveCount() != 0 {
		t.Errorf("active = %d", o.ActiveCount())
	}
}

func TestStart_SynthesisStoreFailureFailsSession(t *testing.T) {
	store := &failingStore{
		Store: session.NewMemoryStore(0, 0),
		err:   errors.New("store offline"),
		fail:  func(s *session.Session) bool { return s.Phase == session.PhaseSynthesis },
	}
	o := newTestOrchestrator(t, Opts{Store: store})

	h := startOK(t, o, session.Request{Query: testQuery})
	s := waitTerminal(t, o, h.SessionID)
	if s.Status != session.StatusFailed {
		t.Fatalf("status = %q, want failed", s.Status)
	}
	if !strings.Contains(s.Error, "store offline") {
		t.Errorf("error = %q", s.Error)
	}
	if s.Synthesis != nil {
		t.Error("synthesis must be absent on failure")
	}
}

func TestStatus_TerminalStoreFailureStillReportsOutcome(t *testing.T) {
	store := &failingStore{Store: session.NewMemoryStore(0, 0), err: errors.New("store offline"), fail: terminalOnly}
	o := newTestOrchestrator(t, Opts{Store: store})

	h := startOK(t, o, session.Request{Query: testQuery})
	s := waitTerminal(t, o, h.SessionID)
	if s.Status != session.StatusCompleted {
		t.Fatalf("status = %q, want completed", s.Status)
	}
	// Stays completed once finalize has given up on the store.
	time.Sleep(20 * time.Millisecond)
	again, err := o.Status(context.Background(), h.SessionID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if again.Status != session.StatusCompleted {
		t.Errorf("status after finalize = %q, want completed", again.Status)
	}
}

func TestStatus_FallsBackToArchive(t *testing.T) {
	store := session.NewMemoryStore(0, 0)
	archive := session.NewMemoryStore(0, 0)
	o := newTestOrchestrator(t, Opts{Store: store, Archive: archive})

	h := startOK(t, o, session.Request{Query: testQuery, Options: session.Options{PersistResults: true}})
	waitTerminal(t, o, h.SessionID)

	store.Delete(context.Background(), h.SessionID)
	s, err := o.Status(context.Background(), h.SessionID)
	if err != nil {
		t.Fatalf("Status after eviction: %v", err)
	}
	if s.Status != session.StatusCompleted {
		t.Errorf("archived status = %q", s.Status)
	}
}

func TestStatus_Unknown(t *testing.T) {
	o := newTestOrchestrator(t, Opts{})
	_, err := o.Status(context.Background(), "does-not-exist")
	if !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestStatus_TerminalIsStable(t *testing.T) {
	o := newTestOrchestrator(t, Opts{})
	h := startOK(t, o, session.Request{Query: testQuery})
	first := waitTerminal(t, o, h.SessionID)
	time.Sleep(20 * time.Millisecond)
	second, err := o.Status(context.Background(), h.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if !first.CompletedAt.Equal(*second.CompletedAt) || first.Status != second.Status || first.Metadata.QualityScore != second.Metadata.QualityScore {
		t.Error("terminal session changed")
	}
}

func TestShutdown_FailsInFlightSessions(t *testing.T) {
	p := newScripted(func(ctx context.Context, req provider.Request, attempt int) (*provider.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	o := newTestOrchestrator(t, Opts{Provider: p, RoleTimeout: time.Minute})

	h := startOK(t, o, session.Request{Query: testQuery})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	s, err := o.Status(context.Background(), h.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if s.Status != session.StatusFailed {
		t.Fatalf("status = %q, want failed", s.Status)
	}
	if s.Error != ErrShuttingDown.Error() {
		t.Errorf("error = %q", s.Error)
	}
	if _, err := o.Start(context.Background(), session.Request{Query: testQuery}); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Start after shutdown = %v, want ErrShuttingDown", err)
	}
}

type recordingNotifier struct {
	mu   sync.Mutex
	seen []*session.Session
}

func (n *recordingNotifier) Notify(ctx context.Context, s *session.Session) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seen = append(n.seen, s)
	return errors.New("webhook down")
}

func TestFinalize_NotifiesAndIgnoresNotifierErrors(t *testing.T) {
	n := &recordingNotifier{}
	o := newTestOrchestrator(t, Opts{Notifier: n})
	h := startOK(t, o, session.Request{Query: testQuery})
	s := waitTerminal(t, o, h.SessionID)
	if s.Status != session.StatusCompleted {
		t.Fatalf("status = %q", s.Status)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n.mu.Lock()
		count := len(n.seen)
		n.mu.Unlock()
		if count == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("notifier was not called")
}

func TestSubscribe_StreamsEvents(t *testing.T) {
	gate := make(chan struct{})
	p := newScripted(func(ctx context.Context, req provider.Request, attempt int) (*provider.Result, error) {
		<-gate
		return okResult(req), nil
	})
	o := newTestOrchestrator(t, Opts{Provider: p, Hub: events.NewHub()})

	h := startOK(t, o, session.Request{Query: testQuery, Options: session.Options{EnableRealtime: true}})
	ch, cancel, snap, err := o.Subscribe(context.Background(), h.SessionID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()
	if snap.ID != h.SessionID {
		t.Errorf("snapshot id = %q", snap.ID)
	}
	close(gate)

	var roles int
	var last events.Event
	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case evt, ok := <-ch:
			if !ok {
				done = true
				continue
			}
			if evt.Type == events.TypeRoleCompleted {
				roles++
			}
			last = evt
		case <-timeout:
			t.Fatal("timed out waiting for events")
		}
	}
	if roles != 6 {
		t.Errorf("role events = %d, want 6", roles)
	}
	if last.Type != events.TypeSessionCompleted {
		t.Errorf("last event = %q", last.Type)
	}
}

func TestSubscribe_RealtimeDisabled(t *testing.T) {
	o := newTestOrchestrator(t, Opts{Hub: events.NewHub()})
	h := startOK(t, o, session.Request{Query: testQuery})
	if _, _, _, err := o.Subscribe(context.Background(), h.SessionID); !errors.Is(err, ErrRealtimeDisabled) {
		t.Errorf("err = %v, want ErrRealtimeDisabled", err)
	}
	if _, _, _, err := o.Subscribe(context.Background(), "missing"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestHealth(t *testing.T) {
	o := newTestOrchestrator(t, Opts{MaxConcurrentSessions: 4, Notifier: &recordingNotifier{}})
	h := o.Health()
	if h.MaxConcurrentSessions != 4 || h.Provider != "scripted" || !h.Notifications || h.Persistence || h.Realtime {
		t.Errorf("Health = %+v", h)
	}
	if h.ProviderCircuit != "" {
		t.Errorf("ProviderCircuit = %q for an unguarded provider", h.ProviderCircuit)
	}

	guarded := newTestOrchestrator(t, Opts{Provider: provider.NewGuard(newScripted(nil), provider.GuardOpts{})})
	if got := guarded.Health().ProviderCircuit; got != "closed" {
		t.Errorf("ProviderCircuit = %q, want closed", got)
	}
}

func TestFailInterrupted(t *testing.T) {
	archive := session.NewMemoryStore(0, 0)
	ctx := context.Background()
	stale := &session.Session{ID: "stale-1", Query: testQuery, Status: session.StatusRunning, Phase: session.PhaseAnalysis, CreatedAt: time.Now().Add(-time.Hour)}
	done := &session.Session{ID: "done-1", Query: testQuery, Status: session.StatusCompleted, Phase: session.PhaseComplete, CreatedAt: time.Now().Add(-time.Hour)}
	for _, s := range []*session.Session{stale, done} {
		if err := archive.Put(ctx, s); err != nil {
			t.Fatal(err)
		}
	}

	o := newTestOrchestrator(t, Opts{Archive: archive})
	n, err := o.FailInterrupted(ctx)
	if err != nil {
		t.Fatalf("FailInterrupted: %v", err)
	}
	if n != 1 {
		t.Fatalf("n = %d, want 1", n)
	}

	got, err := archive.Get(ctx, "stale-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != session.StatusFailed || got.CompletedAt == nil || got.Error == "" {
		t.Errorf("stale session = %+v", got)
	}
	if got, _ := archive.Get(ctx, "done-1"); got.Status != session.StatusCompleted {
		t.Errorf("completed session touched: %q", got.Status)
	}
}

func TestFailInterrupted_NoArchive(t *testing.T) {
	o := newTestOrchestrator(t, Opts{})
	if n, err := o.FailInterrupted(context.Background()); n != 0 || err != nil {
		t.Errorf("got %d, %v", n, err)
	}
}

func blockingProvider() *scriptedProvider {
	return newScripted(func(ctx context.Context, req provider.Request, attempt int) (*provider.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
}

func TestStatus_RunningSessionSurvivesStoreEviction(t *testing.T) {
	o := newTestOrchestrator(t, Opts{
		Provider:              blockingProvider(),
		Store:                 session.NewMemoryStore(1, 0),
		MaxConcurrentSessions: 2,
	})

	h1 := startOK(t, o, session.Request{Query: testQuery})
	h2 := startOK(t, o, session.Request{Query: testQuery})

	for _, id := range []string{h1.SessionID, h2.SessionID} {
		s, err := o.Status(context.Background(), id)
		if err != nil {
			t.Fatalf("Status(%s): %v", id, err)
		}
		if s.Status != session.StatusRunning {
			t.Errorf("Status(%s) = %q, want running", id, s.Status)
		}
	}
}

func TestFailInterrupted_AfterAbandonedProcess(t *testing.T) {
	archive := session.NewMemoryStore(0, 0)
	ctx := context.Background()

	first := newTestOrchestrator(t, Opts{Provider: blockingProvider(), Archive: archive})
	h := startOK(t, first, session.Request{Query: testQuery, Options: session.Options{PersistResults: true}})

	active, err := archive.ListActive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].ID != h.SessionID {
		t.Fatalf("archived active sessions = %d, want the running session", len(active))
	}

	// The owning process leaves its own live run alone.
	if n, err := first.FailInterrupted(ctx); err != nil || n != 0 {
		t.Fatalf("owner FailInterrupted = %d, %v; want 0", n, err)
	}

	// A fresh process sharing the archive; first is never shut down here.
	second := newTestOrchestrator(t, Opts{Archive: archive})
	n, err := second.FailInterrupted(ctx)
	if err != nil {
		t.Fatalf("FailInterrupted: %v", err)
	}
	if n != 1 {
		t.Fatalf("n = %d, want 1", n)
	}
	s, err := second.Status(ctx, h.SessionID)
	if err != nil {
		t.Fatalf("Status via archive: %v", err)
	}
	if s.Status != session.StatusFailed || s.Error != "interrupted before completion" {
		t.Errorf("session = %q / %q", s.Status, s.Error)
	}
}
