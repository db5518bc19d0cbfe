// Package session defines the collaboration session data model and the
// store abstraction that owns live session records.
package session

import (
	"maps"
	"slices"
	"time"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Phase labels describing the current processing stage.
const (
	PhaseInitializing = "initializing"
	PhaseAnalysis     = "analysis"
	PhaseSynthesis    = "synthesis"
	PhaseComplete     = "complete"
	PhaseFailed       = "failed"
)

// Priority of a session as requested by the caller.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Context carries the optional structured fields that accompany a query.
type Context struct {
	Industry         string             `json:"industry,omitempty" validate:"max=100"`
	Budget           *float64           `json:"budget,omitempty" validate:"omitempty,gte=0"`
	Timeline         string             `json:"timeline,omitempty" validate:"max=100"`
	Requirements     []string           `json:"requirements,omitempty" validate:"max=50,dive,max=500"`
	CurrentSolutions []string           `json:"currentSolutions,omitempty" validate:"max=50,dive,max=500"`
	TargetMetrics    map[string]float64 `json:"targetMetrics,omitempty" validate:"max=50"`
}

// Options tune how a session is processed.
type Options struct {
	EnableRealtime bool     `json:"enableRealtime,omitempty"`
	SkipSynthesis  bool     `json:"skipSynthesis,omitempty"`
	PersistResults bool     `json:"persistResults,omitempty"`
	Priority       Priority `json:"priority,omitempty" validate:"omitempty,oneof=low normal high urgent"`
}

// Recommendation is a single ranked suggestion.
type Recommendation struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
	Priority    string  `json:"priority"`
	Role        Role    `json:"role,omitempty"`
}

// Insight is the structured output of one role for one session.
type Insight struct {
	Role            Role             `json:"role"`
	CoreAnalysis    string           `json:"coreAnalysis"`
	KeyInsights     []string         `json:"keyInsights"`
	Recommendations []Recommendation `json:"recommendations"`
	Confidence      float64          `json:"confidence"`
	NextSteps       []string         `json:"nextSteps"`
	Source          string           `json:"source"` // "provider" or "fallback"
	Attempts        int              `json:"attempts"`
	Model           string           `json:"model,omitempty"`
	GeneratedAt     time.Time        `json:"generatedAt"`
}

// Insight sources.
const (
	SourceProvider = "provider"
	SourceFallback = "fallback"
)

// Synthesis is the cross-role aggregation produced after all roles finish.
type Synthesis struct {
	Summary             string           `json:"summary"`
	KeyFindings         []string         `json:"keyFindings"`
	SuccessMetrics      []string         `json:"successMetrics"`
	Recommendations     []Recommendation `json:"recommendations"`
	ConsensusConfidence float64          `json:"consensusConfidence"`
	GeneratedAt         time.Time        `json:"generatedAt"`
}

// Metadata holds per-session counters.
type Metadata struct {
	ErrorCount    int     `json:"errorCount"`
	QualityScore  float64 `json:"qualityScore"`
	TotalDuration int64   `json:"totalDuration"` // milliseconds
	CostEstimate  float64 `json:"costEstimate"`  // USD
	ProviderCalls int     `json:"providerCalls"`
	FallbackRoles []Role  `json:"fallbackRoles,omitempty"`
}

// Session is one end-to-end collaboration request and its accumulated results.
type Session struct {
	ID              string           `json:"id"`
	Query           string           `json:"query"`
	Context         Context          `json:"context"`
	Options         Options          `json:"options"`
	Status          Status           `json:"status"`
	Phase           string           `json:"phase"`
	Insights        map[Role]Insight `json:"insights"`
	Synthesis       *Synthesis       `json:"synthesis,omitempty"`
	Recommendations []Recommendation `json:"recommendations"`
	Metadata        Metadata         `json:"metadata"`
	Error           string           `json:"error,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
	CompletedAt     *time.Time       `json:"completedAt,omitempty"`
}

// Clone returns a deep copy of s so callers can read it without racing
// concurrent writers.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Context = s.Context.clone()
	c.Insights = make(map[Role]Insight, len(s.Insights))
	for r, in := range s.Insights {
		c.Insights[r] = in.clone()
	}
	if s.Synthesis != nil {
		syn := *s.Synthesis
		syn.KeyFindings = slices.Clone(syn.KeyFindings)
		syn.SuccessMetrics = slices.Clone(syn.SuccessMetrics)
		syn.Recommendations = slices.Clone(syn.Recommendations)
		c.Synthesis = &syn
	}
	c.Recommendations = slices.Clone(s.Recommendations)
	c.Metadata.FallbackRoles = slices.Clone(s.Metadata.FallbackRoles)
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func (c Context) clone() Context {
	out := c
	if c.Budget != nil {
		b := *c.Budget
		out.Budget = &b
	}
	out.Requirements = slices.Clone(c.Requirements)
	out.CurrentSolutions = slices.Clone(c.CurrentSolutions)
	if c.TargetMetrics != nil {
		out.TargetMetrics = maps.Clone(c.TargetMetrics)
	}
	return out
}

func (in Insight) clone() Insight {
	out := in
	out.KeyInsights = slices.Clone(in.KeyInsights)
	out.Recommendations = slices.Clone(in.Recommendations)
	out.NextSteps = slices.Clone(in.NextSteps)
	return out
}
