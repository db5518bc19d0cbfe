package provider

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/zulandar/roundtable/internal/session"
)

const heuristicModel = "heuristic"

// Heuristic is an offline provider that derives an insight from keyword
// cues in the request. Its output depends only on the request.
type Heuristic struct{}

// Name returns "heuristic".
func (Heuristic) Name() string { return heuristicModel }

// Analyze returns the heuristic insight for req.
func (Heuristic) Analyze(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	in := Fallback(req)
	in.Source = session.SourceProvider
	return &Result{Insight: in, Usage: Usage{Model: heuristicModel}}, nil
}

type topic struct {
	name     string
	keywords []string
	focus    string
}

var topics = []topic{
	{"conversational", []string{"customer service", "support", "chat", "helpdesk", "ticket", "assistant"}, "conversational support automation"},
	{"analytics", []string{"analytics", "predict", "forecast", "dashboard", "insight", "report"}, "predictive analytics"},
	{"automation", []string{"automat", "workflow", "process", "invoice", "document", "pipeline"}, "process automation"},
	{"personalization", []string{"recommend", "personaliz", "e-commerce", "ecommerce", "shop", "store"}, "personalized customer experiences"},
}

func detectTopic(query string) topic {
	q := strings.ToLower(query)
	for _, t := range topics {
		for _, kw := range t.keywords {
			if strings.Contains(q, kw) {
				return t
			}
		}
	}
	return topic{name: "general", focus: "AI adoption"}
}

// Fallback builds the deterministic substitute insight for a role.
func Fallback(req Request) *session.Insight {
	t := detectTopic(req.Query)
	c := req.Context

	confidence := 0.30
	if c.Industry != "" {
		confidence += 0.05
	}
	if c.Budget != nil {
		confidence += 0.05
	}
	if len(c.Requirements) > 0 {
		confidence += 0.05
	}

	industry := c.Industry
	if industry == "" {
		industry = "the organization"
	}

	in := &session.Insight{
		Role: req.Role,
		CoreAnalysis: fmt.Sprintf("Offline %s assessment of a %s initiative for %s: %q. Generated without model access, so treat it as a starting checklist rather than a tailored analysis.",
			req.Role.Title(), t.focus, industry, truncate(req.Query, 160)),
		Confidence: confidence,
		Model:      heuristicModel,
	}

	switch req.Role {
	case session.RoleBusinessAnalyst:
		in.KeyInsights = []string{
			"Scope the first release around the highest-volume " + t.focus + " use case",
			"Stakeholder alignment on success criteria is required before vendor selection",
		}
		in.Recommendations = []session.Recommendation{
			rec(req.Role, "Define measurable objectives", "Agree on two or three baseline metrics and targets with business owners before building.", confidence+0.10, "high"),
			rec(req.Role, "Map current process", "Document the current workflow end to end to locate the steps automation should replace.", confidence, "medium"),
		}
		in.NextSteps = []string{"Run stakeholder interviews", "Collect baseline metrics"}
	case session.RoleSolutionArchitect:
		in.KeyInsights = []string{
			"Integration with existing systems is the main technical risk",
			"A managed model API keeps the initial footprint small",
		}
		in.Recommendations = []session.Recommendation{
			rec(req.Role, "Start with a managed AI platform", "Use hosted model APIs behind an internal service boundary to avoid early infrastructure work.", confidence+0.05, "high"),
			rec(req.Role, "Design integration layer", "Expose existing data through a narrow API so the AI component stays replaceable.", confidence, "medium"),
		}
		in.NextSteps = []string{"Inventory systems to integrate", "Draft reference architecture"}
	case session.RoleDataScientist:
		in.KeyInsights = []string{
			"Historical data quality will bound achievable accuracy",
			"An evaluation set is needed before comparing approaches",
		}
		in.Recommendations = []session.Recommendation{
			rec(req.Role, "Audit available data", "Assess volume, labeling and freshness of the data the solution depends on.", confidence+0.05, "high"),
			rec(req.Role, "Build an evaluation set", "Curate representative examples with expected outcomes to measure quality objectively.", confidence, "medium"),
		}
		in.NextSteps = []string{"Sample and label historical records", "Define quality metrics"}
	case session.RoleUXDesigner:
		in.KeyInsights = []string{
			"Users need a clear handoff path when the AI cannot help",
			"Transparency about automated responses drives adoption",
		}
		in.Recommendations = []session.Recommendation{
			rec(req.Role, "Design human handoff", "Provide an obvious escalation path to a person at every step of the experience.", confidence+0.05, "high"),
			rec(req.Role, "Prototype with real users", "Test a clickable prototype with a small user group before full build.", confidence, "medium"),
		}
		in.NextSteps = []string{"Sketch core user journeys", "Recruit pilot users"}
	case session.RoleImplementationLead:
		in.KeyInsights = []string{
			"A phased rollout limits operational risk",
			"Dedicated ownership on the business side is needed for adoption",
		}
		in.Recommendations = []session.Recommendation{
			rec(req.Role, "Run a time-boxed pilot", "Deliver a pilot for one team or channel within the first phase and review results before scaling.", confidence+0.10, "high"),
			rec(req.Role, "Staff a cross-functional team", "Pair engineering with an operational owner who can act on pilot feedback.", confidence, "medium"),
		}
		in.NextSteps = []string{"Draft phased delivery plan", "Assign pilot owner"}
		if c.Timeline != "" {
			in.NextSteps = append(in.NextSteps, "Validate milestones against the "+c.Timeline+" timeline")
		}
	case session.RoleROIAnalyst:
		in.KeyInsights = []string{
			"Payback depends on measurable labor or revenue impact",
			"Ongoing model and maintenance costs must be included in the case",
		}
		budgetNote := "Estimate total cost of ownership including usage-based model fees."
		if c.Budget != nil {
			budgetNote = "Allocate the $" + strconv.FormatFloat(*c.Budget, 'f', 0, 64) + " budget across pilot, integration and a reserve for usage-based model fees."
		}
		in.Recommendations = []session.Recommendation{
			rec(req.Role, "Build a cost model", budgetNote, confidence+0.05, "high"),
			rec(req.Role, "Track payback monthly", "Compare realized savings against the baseline each month after launch.", confidence, "medium"),
		}
		in.NextSteps = []string{"Quantify baseline costs", "Set payback target"}
	default:
		in.KeyInsights = []string{"Gather more information about " + t.focus}
		in.NextSteps = []string{"Clarify the request"}
	}

	for _, r := range c.Requirements {
		if len(in.KeyInsights) >= 4 {
			break
		}
		in.KeyInsights = append(in.KeyInsights, "Requirement to address: "+truncate(r, 80))
	}
	return in
}

func rec(role session.Role, title, desc string, conf float64, priority string) session.Recommendation {
	return session.Recommendation{
		Title:       title,
		Description: desc,
		Confidence:  normalizeConfidence(conf),
		Priority:    priority,
		Role:        role,
	}
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}
