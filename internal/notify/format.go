package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/zulandar/roundtable/internal/session"
)

// Color constants for event severity.
const (
	ColorSuccess = "#36a64f"
	ColorInfo    = "#2196f3"
	ColorWarning = "#ff9800"
	ColorError   = "#e53935"
)

const maxQueryPreview = 140

// FormattedEvent is a session outcome formatted for display in chat.
type FormattedEvent struct {
	Title    string  // headline
	Body     string  // detail text
	Severity string  // "info", "warning", "error", "success"
	Color    string  // sidebar color hint
	Fields   []Field // key-value metadata pairs
}

// Field is a key-value pair displayed in an event attachment.
type Field struct {
	Name  string
	Value string
	Short bool // hint: render side-by-side with another field
}

// severityColor maps a severity string to a sidebar color.
func severityColor(severity string) string {
	switch severity {
	case "success":
		return ColorSuccess
	case "info":
		return ColorInfo
	case "warning":
		return ColorWarning
	case "error":
		return ColorError
	default:
		return ColorInfo
	}
}

// sessionSeverity is success for clean completions, warning when any role
// fell back, and error for failures.
func sessionSeverity(s *session.Session) string {
	switch {
	case s.Status == session.StatusFailed:
		return "error"
	case s.Metadata.ErrorCount > 0:
		return "warning"
	case s.Status == session.StatusCompleted:
		return "success"
	default:
		return "info"
	}
}

// FormatSession formats a terminal session for chat.
func FormatSession(s *session.Session) FormattedEvent {
	severity := sessionSeverity(s)

	verb := string(s.Status)
	if s.Status == session.StatusCompleted && s.Metadata.ErrorCount > 0 {
		verb = "completed with fallbacks"
	}
	title := fmt.Sprintf("Collaboration %s %s", shortID(s.ID), verb)

	var bodyParts []string
	bodyParts = append(bodyParts, fmt.Sprintf("> %s", preview(s.Query)))
	if s.Synthesis != nil && s.Synthesis.Summary != "" {
		bodyParts = append(bodyParts, s.Synthesis.Summary)
	}
	if s.Error != "" {
		bodyParts = append(bodyParts, "Error: "+s.Error)
	}

	fields := []Field{
		{Name: "Quality", Value: fmt.Sprintf("%.1f", s.Metadata.QualityScore), Short: true},
		{Name: "Fallbacks", Value: fmt.Sprintf("%d", s.Metadata.ErrorCount), Short: true},
		{Name: "Duration", Value: (time.Duration(s.Metadata.TotalDuration) * time.Millisecond).String(), Short: true},
	}
	if s.Metadata.CostEstimate > 0 {
		fields = append(fields, Field{Name: "Cost", Value: fmt.Sprintf("$%.4f", s.Metadata.CostEstimate), Short: true})
	}
	if s.Context.Industry != "" {
		fields = append(fields, Field{Name: "Industry", Value: s.Context.Industry, Short: true})
	}
	if len(s.Recommendations) > 0 {
		top := s.Recommendations[0]
		fields = append(fields, Field{
			Name:  "Top recommendation",
			Value: fmt.Sprintf("%s (%.0f%%)", top.Title, top.Confidence*100),
		})
	}

	return FormattedEvent{
		Title:    title,
		Body:     strings.Join(bodyParts, "\n"),
		Severity: severity,
		Color:    severityColor(severity),
		Fields:   fields,
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func preview(q string) string {
	q = strings.Join(strings.Fields(q), " ")
	r := []rune(q)
	if len(r) <= maxQueryPreview {
		return q
	}
	return string(r[:maxQueryPreview-3]) + "..."
}
