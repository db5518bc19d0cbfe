package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/zulandar/roundtable/internal/session"
)

// formatSession writes a human-readable summary of a finished session.
func formatSession(w io.Writer, s *session.Session) {
	fmt.Fprintf(w, "Session %s: %s\n", s.ID, s.Status)
	fmt.Fprintf(w, "Query:   %s\n", s.Query)
	if s.Error != "" {
		fmt.Fprintf(w, "Error:   %s\n", s.Error)
	}
	m := s.Metadata
	fmt.Fprintf(w, "Quality: %.1f  Duration: %s  Cost: $%.4f  Provider calls: %d\n",
		m.QualityScore, formatDuration(m.TotalDuration), m.CostEstimate, m.ProviderCalls)
	if len(m.FallbackRoles) > 0 {
		names := make([]string, len(m.FallbackRoles))
		for i, r := range m.FallbackRoles {
			names[i] = string(r)
		}
		fmt.Fprintf(w, "Fallbacks (%d): %s\n", m.ErrorCount, strings.Join(names, ", "))
	}

	if syn := s.Synthesis; syn != nil {
		fmt.Fprintf(w, "\n%s\n", syn.Summary)
		if len(syn.KeyFindings) > 0 {
			fmt.Fprintln(w, "\nKey findings:")
			for _, f := range syn.KeyFindings {
				fmt.Fprintf(w, "  - %s\n", f)
			}
		}
	}

	if len(s.Recommendations) > 0 {
		fmt.Fprintln(w, "\nRecommendations:")
		for i, r := range s.Recommendations {
			fmt.Fprintf(w, "  %d. [%s %.0f%%] %s", i+1, r.Priority, r.Confidence*100, r.Title)
			if r.Role != "" {
				fmt.Fprintf(w, " (%s)", r.Role.Title())
			}
			fmt.Fprintln(w)
		}
	}

	if syn := s.Synthesis; syn != nil && len(syn.SuccessMetrics) > 0 {
		fmt.Fprintln(w, "\nSuccess metrics:")
		for _, sm := range syn.SuccessMetrics {
			fmt.Fprintf(w, "  - %s\n", sm)
		}
	}
}

// formatDuration renders milliseconds rounded to the nearest 10ms.
func formatDuration(ms int64) string {
	return (time.Duration(ms) * time.Millisecond).Round(10 * time.Millisecond).String()
}
