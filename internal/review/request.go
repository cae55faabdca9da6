package review

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Code length bounds, in characters.
const (
	MinCodeChars = 10
	MaxCodeChars = 50000
)

// FieldIssue is one field-level validation failure.
type FieldIssue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists everything wrong with a request body.
type ValidationError struct {
	Issues []FieldIssue
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, is := range e.Issues {
		parts = append(parts, is.Field+": "+is.Message)
	}
	return "invalid request: " + strings.Join(parts, "; ")
}

// Invalid builds a ValidationError for a single field.
func Invalid(field, msg string) *ValidationError {
	return &ValidationError{Issues: []FieldIssue{{Field: field, Message: msg}}}
}

// ReviewRequest is a validated POST /review body.
type ReviewRequest struct {
	Code    string
	Persona Persona
	Context string
}

// NarrateRequest is a validated POST /narrate body. Code holds either a diff
// or a pull request URL.
type NarrateRequest struct {
	Code    string
	Context string
}

// ParseReviewRequest decodes and validates a review body.
func ParseReviewRequest(body []byte) (ReviewRequest, error) {
	fields, err := decodeFields(body)
	if err != nil {
		return ReviewRequest{}, err
	}

	var v validator
	req := ReviewRequest{
		Code:    v.code(fields),
		Persona: DefaultPersona,
		Context: v.optionalString(fields, "context"),
	}
	if raw := v.optionalString(fields, "persona"); raw != "" {
		p, ok := ParsePersona(raw)
		if !ok {
			v.add("persona", fmt.Sprintf("must be one of: %s", personaList()))
		}
		req.Persona = p
	}

	if err := v.err(); err != nil {
		return ReviewRequest{}, err
	}
	return req, nil
}

// ParseNarrateRequest decodes and validates a narrate body. A persona field
// is ignored.
func ParseNarrateRequest(body []byte) (NarrateRequest, error) {
	fields, err := decodeFields(body)
	if err != nil {
		return NarrateRequest{}, err
	}

	var v validator
	req := NarrateRequest{
		Code:    v.code(fields),
		Context: v.optionalString(fields, "context"),
	}
	if err := v.err(); err != nil {
		return NarrateRequest{}, err
	}
	return req, nil
}

func decodeFields(body []byte) (map[string]json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, Invalid("body", "request body is empty")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		return nil, Invalid("body", "must be a JSON object")
	}
	return fields, nil
}

type validator struct {
	issues []FieldIssue
}

func (v *validator) add(field, msg string) {
	v.issues = append(v.issues, FieldIssue{Field: field, Message: msg})
}

func (v *validator) err() error {
	if len(v.issues) == 0 {
		return nil
	}
	return &ValidationError{Issues: v.issues}
}

func (v *validator) code(fields map[string]json.RawMessage) string {
	raw, ok := fields["code"]
	if !ok || isNull(raw) {
		v.add("code", "is required")
		return ""
	}
	var code string
	if err := json.Unmarshal(raw, &code); err != nil {
		v.add("code", "must be a string")
		return ""
	}
	n := utf8.RuneCountInString(code)
	switch {
	case n < MinCodeChars:
		v.add("code", fmt.Sprintf("must be at least %d characters", MinCodeChars))
	case n > MaxCodeChars:
		v.add("code", fmt.Sprintf("must be at most %d characters", MaxCodeChars))
	}
	return code
}

func (v *validator) optionalString(fields map[string]json.RawMessage, name string) string {
	raw, ok := fields[name]
	if !ok || isNull(raw) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		v.add(name, "must be a string")
		return ""
	}
	return s
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}

func personaList() string {
	names := make([]string, 0, len(Personas()))
	for _, p := range Personas() {
		names = append(names, string(p))
	}
	return strings.Join(names, ", ")
}
