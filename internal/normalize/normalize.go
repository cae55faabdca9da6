// Package normalize recovers schema-conformant objects from free-form model
// output.
//
// Raw completion text is run through an ordered chain of parsing strategies
// (fence stripping, direct parse, balanced-span extraction). The first
// strategy that yields a JSON object wins; the object is then validated and
// coerced against a Schema and checked against the schema's size ceiling.
package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

var (
	// ErrEmptyOutput means the model returned nothing but whitespace.
	ErrEmptyOutput = errors.New("empty model output")
	// ErrNoObject means no strategy found a parseable JSON object.
	ErrNoObject = errors.New("no JSON object in model output")
	// ErrSchema means an object was found but does not match the schema.
	ErrSchema = errors.New("model output does not match schema")
	// ErrTooLarge means the validated object exceeds the size ceiling.
	ErrTooLarge = errors.New("model output exceeds size ceiling")

	errNotFenced = errors.New("not wrapped in a code fence")
	errNotObject = errors.New("top-level value is not an object")
)

// rawPrefixLen bounds how much raw model text a NormalizationError keeps.
const rawPrefixLen = 200

// NormalizationError carries server-side diagnostics for a failed
// normalization. Its Error text is meant for logs, not for clients.
type NormalizationError struct {
	Err       error
	Strategy  string
	Issues    []string
	RawPrefix string
}

func (e *NormalizationError) Error() string {
	msg := e.Err.Error()
	if e.Strategy != "" {
		msg += " (strategy " + e.Strategy + ")"
	}
	if len(e.Issues) > 0 {
		msg += ": " + strings.Join(e.Issues, "; ")
	}
	return msg
}

func (e *NormalizationError) Unwrap() error { return e.Err }

// Strategy turns raw text into a JSON object or reports why it could not.
type Strategy interface {
	Name() string
	Parse(raw string) (map[string]any, error)
}

type strategyFunc struct {
	name  string
	parse func(string) (map[string]any, error)
}

func (s strategyFunc) Name() string                             { return s.name }
func (s strategyFunc) Parse(raw string) (map[string]any, error) { return s.parse(raw) }

// Fenced parses the content of a ``` fence that wraps the whole text, with
// or without a language tag.
var Fenced Strategy = strategyFunc{name: "fenced", parse: func(raw string) (map[string]any, error) {
	inner, ok := stripFence(raw)
	if !ok {
		return nil, errNotFenced
	}
	return decodeObject(inner)
}}

// Direct parses the trimmed text as a single JSON object.
var Direct Strategy = strategyFunc{name: "direct", parse: func(raw string) (map[string]any, error) {
	return decodeObject(strings.TrimSpace(raw))
}}

// Balanced parses the first balanced {...} span that is valid JSON.
var Balanced Strategy = strategyFunc{name: "balanced", parse: func(raw string) (map[string]any, error) {
	text := raw
	if inner, ok := stripFence(raw); ok {
		text = inner
	}
	for from := 0; from < len(text); {
		i := strings.IndexByte(text[from:], '{')
		if i < 0 {
			break
		}
		start := from + i
		if span, ok := balancedSpan(text, start); ok {
			if obj, err := decodeObject(span); err == nil {
				return obj, nil
			}
		}
		// Unclosed or invalid: prose such as "func f() {" can open a span
		// that never closes, so retry from the next brace.
		from = start + 1
	}
	return nil, ErrNoObject
}}

// DefaultStrategies is the order used when none is given to New.
func DefaultStrategies() []Strategy {
	return []Strategy{Fenced, Direct, Balanced}
}

// Result is a successfully normalized object.
type Result struct {
	Object   *Object
	Strategy string
}

// Normalizer validates model output against one schema.
type Normalizer struct {
	schema     *Schema
	strategies []Strategy
}

// New creates a Normalizer for schema. With no strategies the default chain
// is used.
func New(schema *Schema, strategies ...Strategy) *Normalizer {
	if len(strategies) == 0 {
		strategies = DefaultStrategies()
	}
	return &Normalizer{schema: schema, strategies: strategies}
}

// Schema returns the schema this normalizer enforces.
func (n *Normalizer) Schema() *Schema { return n.schema }

// Normalize runs the strategy chain over raw and validates the winner.
// Every failure is a *NormalizationError.
func (n *Normalizer) Normalize(raw string) (*Result, error) {
	fail := func(err error, strategy string, issues []string) error {
		return &NormalizationError{
			Err:       err,
			Strategy:  strategy,
			Issues:    issues,
			RawPrefix: Prefix(raw, rawPrefixLen),
		}
	}

	if strings.TrimSpace(raw) == "" {
		return nil, fail(ErrEmptyOutput, "", nil)
	}

	var (
		obj    map[string]any
		winner string
		tried  []string
	)
	for _, s := range n.strategies {
		parsed, err := s.Parse(raw)
		if err != nil {
			tried = append(tried, s.Name()+": "+err.Error())
			continue
		}
		obj, winner = parsed, s.Name()
		break
	}
	if obj == nil {
		return nil, fail(ErrNoObject, "", tried)
	}

	values, issues := n.schema.Validate(obj)
	if len(issues) > 0 {
		return nil, fail(ErrSchema, winner, issues)
	}

	out := &Object{schema: n.schema, values: values}
	if n.schema.MaxSize > 0 {
		size, err := out.Size()
		if err != nil {
			return nil, fail(err, winner, nil)
		}
		if size > n.schema.MaxSize {
			return nil, fail(ErrTooLarge, winner, []string{
				fmt.Sprintf("serialized size %d exceeds %d", size, n.schema.MaxSize),
			})
		}
	}

	return &Result{Object: out, Strategy: winner}, nil
}

// Prefix returns at most n characters of s, cut on a rune boundary.
func Prefix(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// stripFence removes a ``` fence that wraps the whole text. The opening fence
// may carry a language tag.
func stripFence(raw string) (string, bool) {
	t := strings.TrimSpace(raw)
	if !strings.HasPrefix(t, "```") || len(t) < 6 || !strings.HasSuffix(t, "```") {
		return "", false
	}
	body := t[3 : len(t)-3]
	nl := strings.IndexByte(body, '\n')
	if nl < 0 {
		return "", false
	}
	// Anything before the first newline is the language tag.
	if tag := strings.TrimSpace(body[:nl]); strings.ContainsAny(tag, "{[\"") {
		return "", false
	}
	return strings.TrimSpace(body[nl+1:]), true
}

func decodeObject(s string) (map[string]any, error) {
	if s == "" {
		return nil, ErrEmptyOutput
	}
	if !gjson.Valid(s) {
		return nil, errors.New("invalid JSON")
	}

	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if err := ensureEOF(dec); err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, errNotObject
	}
	return obj, nil
}

func ensureEOF(dec *json.Decoder) error {
	var extra any
	if err := dec.Decode(&extra); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return errors.New("unexpected trailing JSON content")
}

// balancedSpan returns the {...} span opened by the brace at start, or
// false when it never closes. Quotes are only tracked inside the span so
// stray quotes in surrounding prose do not matter.
func balancedSpan(text string, start int) (string, bool) {
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}
