package provider

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/zulandar/roundtable/internal/session"
)

const responseFormat = `Respond with a single JSON object and nothing else, using this shape:
{
  "coreAnalysis": "2-4 sentence analysis from your perspective",
  "keyInsights": ["short insight", "..."],
  "recommendations": [
    {"title": "short title", "description": "what to do and why", "confidence": 0.0-1.0, "priority": "low|medium|high|critical"}
  ],
  "confidence": 0.0-1.0,
  "nextSteps": ["concrete next step", "..."]
}`

// SystemPrompt returns the persona instructions for a role.
func SystemPrompt(role session.Role) string {
	return fmt.Sprintf(`You are the %s on an enterprise AI advisory panel. Five other specialists analyze the same request independently, so stay within your own focus: %s.

Be specific to the request. Prefer concrete, verifiable recommendations over generic advice. Use confidence values below 0.5 when the request lacks the information you need.

%s`, role.Title(), role.Focus(), responseFormat)
}

// UserPrompt renders the request and its context for the model.
func UserPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("Request:\n")
	b.WriteString(req.Query)
	b.WriteString("\n")

	lines := contextLines(req.Context)
	if len(lines) > 0 {
		b.WriteString("\nContext:\n")
		for _, l := range lines {
			b.WriteString("- ")
			b.WriteString(l)
			b.WriteString("\n")
		}
	}
	if req.Priority == session.PriorityHigh || req.Priority == session.PriorityUrgent {
		fmt.Fprintf(&b, "\nThe requester marked this as %s priority; favor quick wins.\n", req.Priority)
	}
	return b.String()
}

func contextLines(c session.Context) []string {
	var lines []string
	if c.Industry != "" {
		lines = append(lines, "Industry: "+c.Industry)
	}
	if c.Budget != nil {
		lines = append(lines, "Budget: $"+strconv.FormatFloat(*c.Budget, 'f', -1, 64))
	}
	if c.Timeline != "" {
		lines = append(lines, "Timeline: "+c.Timeline)
	}
	if len(c.Requirements) > 0 {
		lines = append(lines, "Requirements: "+strings.Join(c.Requirements, "; "))
	}
	if len(c.CurrentSolutions) > 0 {
		lines = append(lines, "Current solutions: "+strings.Join(c.CurrentSolutions, "; "))
	}
	if len(c.TargetMetrics) > 0 {
		names := make([]string, 0, len(c.TargetMetrics))
		for k := range c.TargetMetrics {
			names = append(names, k)
		}
		slices.Sort(names)
		parts := make([]string, len(names))
		for i, k := range names {
			parts[i] = k + "=" + strconv.FormatFloat(c.TargetMetrics[k], 'f', -1, 64)
		}
		lines = append(lines, "Target metrics: "+strings.Join(parts, ", "))
	}
	return lines
}
