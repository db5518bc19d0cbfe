package collab

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"
	"unicode"

	"github.com/zulandar/roundtable/internal/session"
)

const (
	maxSynthesisRecommendations = 10
	maxKeyFindings              = 8
	maxSuccessMetrics           = 8

	// duplicateThreshold is the token Jaccard similarity at or above which
	// two recommendation titles are treated as the same recommendation.
	duplicateThreshold = 0.8
)

var priorityRank = map[string]int{
	"critical": 0,
	"high":     1,
	"medium":   2,
	"low":      3,
}

func rankOf(p string) int {
	if r, ok := priorityRank[strings.ToLower(p)]; ok {
		return r
	}
	return len(priorityRank)
}

// QualityScore is the mean insight confidence on a 0-100 scale, rounded to
// one decimal place.
func QualityScore(insights []session.Insight) float64 {
	if len(insights) == 0 {
		return 0
	}
	var sum float64
	for _, in := range insights {
		sum += in.Confidence
	}
	return math.Round(sum/float64(len(insights))*1000) / 10
}

// RankRecommendations merges recommendations, sorts them by confidence
// descending, then priority, then title, and drops any entry whose title
// near-duplicates a higher-ranked one.
func RankRecommendations(recs []session.Recommendation) []session.Recommendation {
	sorted := make([]session.Recommendation, 0, len(recs))
	for _, r := range recs {
		if strings.TrimSpace(r.Title) != "" {
			sorted = append(sorted, r)
		}
	}
	slices.SortStableFunc(sorted, func(a, b session.Recommendation) int {
		if c := cmp.Compare(b.Confidence, a.Confidence); c != 0 {
			return c
		}
		if c := cmp.Compare(rankOf(a.Priority), rankOf(b.Priority)); c != 0 {
			return c
		}
		return strings.Compare(a.Title, b.Title)
	})

	type entry struct {
		norm   string
		tokens map[string]struct{}
	}
	kept := make([]entry, 0, len(sorted))
	out := make([]session.Recommendation, 0, len(sorted))
	for _, r := range sorted {
		norm := normalizeTitle(r.Title)
		toks := tokenSet(norm)
		if slices.ContainsFunc(kept, func(k entry) bool {
			return k.norm == norm || jaccard(k.tokens, toks) >= duplicateThreshold
		}) {
			continue
		}
		kept = append(kept, entry{norm: norm, tokens: toks})
		out = append(out, r)
	}
	return out
}

// normalizeTitle lowercases s and collapses everything except letters and
// digits into single spaces.
func normalizeTitle(s string) string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return strings.Join(fields, " ")
}

func tokenSet(norm string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, f := range strings.Fields(norm) {
		set[f] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// Synthesize aggregates role insights into the session synthesis. ranked
// must already be the output of RankRecommendations.
func Synthesize(s *session.Session, insights []session.Insight, ranked []session.Recommendation, now time.Time) *session.Synthesis {
	syn := &session.Synthesis{
		KeyFindings:         keyFindings(insights),
		SuccessMetrics:      successMetrics(s.Context, insights),
		Recommendations:     slices.Clone(ranked[:min(len(ranked), maxSynthesisRecommendations)]),
		ConsensusConfidence: consensus(insights),
		GeneratedAt:         now,
	}

	fallbacks := 0
	for _, in := range insights {
		if in.Source == session.SourceFallback {
			fallbacks++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d of %d roles contributed analysis", len(insights)-fallbacks, len(session.Roles))
	if fallbacks > 0 {
		fmt.Fprintf(&b, " (%d from offline fallback)", fallbacks)
	}
	fmt.Fprintf(&b, " with %.0f%% consensus confidence.", syn.ConsensusConfidence*100)
	if len(ranked) > 0 {
		fmt.Fprintf(&b, " Top recommendation: %s.", strings.TrimRight(ranked[0].Title, "."))
	}
	syn.Summary = b.String()
	return syn
}

// keyFindings interleaves insights across roles, most confident role first,
// so each role's leading finding appears before any role's second.
func keyFindings(insights []session.Insight) []string {
	ordered := slices.Clone(insights)
	slices.SortStableFunc(ordered, func(a, b session.Insight) int {
		return cmp.Compare(b.Confidence, a.Confidence)
	})

	seen := make(map[string]bool)
	out := []string{}
	for depth := 0; len(out) < maxKeyFindings; depth++ {
		added := false
		for _, in := range ordered {
			if depth >= len(in.KeyInsights) {
				continue
			}
			added = true
			f := strings.TrimSpace(in.KeyInsights[depth])
			key := normalizeTitle(f)
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, f)
			if len(out) == maxKeyFindings {
				break
			}
		}
		if !added {
			break
		}
	}
	return out
}

// successMetrics lists caller target metrics first, then the lead next step
// of each role.
func successMetrics(c session.Context, insights []session.Insight) []string {
	out := []string{}
	names := make([]string, 0, len(c.TargetMetrics))
	for k := range c.TargetMetrics {
		names = append(names, k)
	}
	slices.Sort(names)
	for _, k := range names {
		out = append(out, fmt.Sprintf("%s: target %g", k, c.TargetMetrics[k]))
	}

	seen := make(map[string]bool)
	for _, in := range insights {
		if len(out) >= maxSuccessMetrics {
			break
		}
		if len(in.NextSteps) == 0 {
			continue
		}
		step := strings.TrimSpace(in.NextSteps[0])
		if key := normalizeTitle(step); key != "" && !seen[key] {
			seen[key] = true
			out = append(out, step)
		}
	}
	return out
}

// consensus is the mean role confidence reduced by its spread, so
// disagreeing roles lower the result.
func consensus(insights []session.Insight) float64 {
	if len(insights) == 0 {
		return 0
	}
	var sum float64
	for _, in := range insights {
		sum += in.Confidence
	}
	mean := sum / float64(len(insights))
	var variance float64
	for _, in := range insights {
		d := in.Confidence - mean
		variance += d * d
	}
	stddev := math.Sqrt(variance / float64(len(insights)))
	return math.Round(math.Max(0, mean-stddev/2)*1000) / 1000
}
