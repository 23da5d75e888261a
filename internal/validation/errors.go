package validation

import (
	"errors"
	"fmt"
	"strings"
)

const (
	CodeDeclaration = "DECLARATION_INVALID"
	CodeBinding     = "BINDING_INVALID"
	CodeManifest    = "MANIFEST_INVALID"
	CodeParameter   = "PARAMETER_INVALID"
)

type ErrorDetail struct {
	Field   string `json:"field"`
	Problem string `json:"problem"`
	Hint    string `json:"hint,omitempty"`
}

// Error is a load-time failure of an agent declaration. Declaration errors
// are fatal: the agent is not instantiated.
type Error struct {
	Code    string        `json:"code"`
	Message string        `json:"message"`
	Details []ErrorDetail `json:"details,omitempty"`
}

func New(code, message string, details ...ErrorDetail) *Error {
	return &Error{Code: code, Message: message, Details: details}
}

func (e *Error) Error() string {
	if len(e.Details) == 0 {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	parts := make([]string, 0, len(e.Details))
	for _, d := range e.Details {
		parts = append(parts, fmt.Sprintf("%s %s", d.Field, d.Problem))
	}
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, strings.Join(parts, "; "))
}

func HasCode(err error, code string) bool {
	var verr *Error
	return errors.As(err, &verr) && verr.Code == code
}

// Collector accumulates details and produces a single error.
type Collector struct {
	details []ErrorDetail
}

func (c *Collector) Add(field, problem, hint string) {
	c.details = append(c.details, ErrorDetail{Field: field, Problem: problem, Hint: hint})
}

func (c *Collector) Merge(prefix string, err error) {
	if err == nil {
		return
	}
	var verr *Error
	if errors.As(err, &verr) {
		for _, d := range verr.Details {
			c.details = append(c.details, ErrorDetail{Field: join(prefix, d.Field), Problem: d.Problem, Hint: d.Hint})
		}
		if len(verr.Details) == 0 {
			c.Add(prefix, verr.Message, "")
		}
		return
	}
	c.Add(prefix, err.Error(), "")
}

func (c *Collector) Empty() bool { return len(c.details) == 0 }

func (c *Collector) Err(code, message string) error {
	if len(c.details) == 0 {
		return nil
	}
	return New(code, message, c.details...)
}

func join(prefix, field string) string {
	switch {
	case prefix == "":
		return field
	case field == "":
		return prefix
	default:
		return prefix + "." + field
	}
}
