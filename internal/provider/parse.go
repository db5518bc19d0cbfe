package provider

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zulandar/roundtable/internal/session"
)

const maxListItems = 10

type wireInsight struct {
	CoreAnalysis    string               `json:"coreAnalysis"`
	KeyInsights     []string             `json:"keyInsights"`
	Recommendations []wireRecommendation `json:"recommendations"`
	Confidence      float64              `json:"confidence"`
	NextSteps       []string             `json:"nextSteps"`
}

type wireRecommendation struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
	Priority    string  `json:"priority"`
}

// ParseInsight extracts the JSON insight object from model output text.
func ParseInsight(role session.Role, text string) (*session.Insight, error) {
	raw, ok := extractJSONObject(text)
	if !ok {
		return nil, fmt.Errorf("parse insight: no JSON object in response")
	}

	var w wireInsight
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return nil, fmt.Errorf("parse insight: %w", err)
	}
	if strings.TrimSpace(w.CoreAnalysis) == "" {
		return nil, fmt.Errorf("parse insight: coreAnalysis is empty")
	}

	in := &session.Insight{
		Role:         role,
		CoreAnalysis: strings.TrimSpace(w.CoreAnalysis),
		KeyInsights:  cleanList(w.KeyInsights),
		Confidence:   normalizeConfidence(w.Confidence),
		NextSteps:    cleanList(w.NextSteps),
	}
	for _, r := range w.Recommendations {
		title := strings.TrimSpace(r.Title)
		if title == "" {
			continue
		}
		conf := normalizeConfidence(r.Confidence)
		if r.Confidence == 0 {
			conf = in.Confidence
		}
		in.Recommendations = append(in.Recommendations, session.Recommendation{
			Title:       title,
			Description: strings.TrimSpace(r.Description),
			Confidence:  conf,
			Priority:    normalizePriority(r.Priority),
			Role:        role,
		})
		if len(in.Recommendations) == maxListItems {
			break
		}
	}
	return in, nil
}

// extractJSONObject returns the outermost {...} span of text, tolerating
// markdown fences and prose around it.
func extractJSONObject(text string) (string, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return text[start : end+1], true
}

// normalizeConfidence clamps to [0,1], reading values above 1 as percentages.
func normalizeConfidence(v float64) float64 {
	if v > 1 && v <= 100 {
		v /= 100
	}
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func normalizePriority(p string) string {
	switch strings.ToLower(strings.TrimSpace(p)) {
	case "low":
		return "low"
	case "high":
		return "high"
	case "critical", "urgent":
		return "critical"
	default:
		return "medium"
	}
}

func cleanList(items []string) []string {
	out := make([]string, 0, len(items))
	for _, s := range items {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out = append(out, s)
		if len(out) == maxListItems {
			break
		}
	}
	return out
}
