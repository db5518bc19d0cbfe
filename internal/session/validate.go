package session

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

// Default query length bounds.
const (
	DefaultMinQueryLength = 10
	DefaultMaxQueryLength = 5000
)

// Request is the caller-supplied input to start a session.
type Request struct {
	Query   string  `json:"userQuery"`
	Context Context `json:"context"`
	Options Options `json:"options"`
}

// Limits bounds the accepted query length.
type Limits struct {
	MinQueryLength int
	MaxQueryLength int
}

// ValidationError reports which field of a request was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Normalize trims the query and fills in option defaults.
func (r *Request) Normalize() {
	r.Query = strings.TrimSpace(r.Query)
	r.Context.Industry = strings.TrimSpace(r.Context.Industry)
	r.Context.Timeline = strings.TrimSpace(r.Context.Timeline)
	if r.Options.Priority == "" {
		r.Options.Priority = PriorityNormal
	}
}

// Validate checks r against the limits. The request should be normalized first.
func (r *Request) Validate(lim Limits) error {
	if lim.MinQueryLength <= 0 {
		lim.MinQueryLength = DefaultMinQueryLength
	}
	if lim.MaxQueryLength <= 0 {
		lim.MaxQueryLength = DefaultMaxQueryLength
	}

	n := utf8.RuneCountInString(r.Query)
	switch {
	case n == 0:
		return &ValidationError{Field: "userQuery", Reason: "is required"}
	case n < lim.MinQueryLength:
		return &ValidationError{Field: "userQuery", Reason: fmt.Sprintf("must be at least %d characters", lim.MinQueryLength)}
	case n > lim.MaxQueryLength:
		return &ValidationError{Field: "userQuery", Reason: fmt.Sprintf("must be at most %d characters", lim.MaxQueryLength)}
	case !strings.ContainsFunc(r.Query, unicode.IsLetter):
		return &ValidationError{Field: "userQuery", Reason: "must contain text"}
	}

	if err := validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &ValidationError{Field: fieldPath(fe.Namespace()), Reason: describeTag(fe)}
		}
		return &ValidationError{Field: "request", Reason: err.Error()}
	}

	for k := range r.Context.TargetMetrics {
		if strings.TrimSpace(k) == "" {
			return &ValidationError{Field: "context.targetMetrics", Reason: "metric names must not be empty"}
		}
	}
	return nil
}

// fieldPath drops the leading struct name from a validator namespace.
func fieldPath(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "max":
		return "must be at most " + fe.Param()
	case "gte":
		return "must be greater than or equal to " + fe.Param()
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	default:
		return "failed " + fe.Tag() + " check"
	}
}
