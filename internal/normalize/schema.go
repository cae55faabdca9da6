package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode/utf8"
)

// Kind is the JSON shape a schema field accepts.
type Kind int

const (
	KindString Kind = iota
	KindInteger
	KindEnum
	KindStringList
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInteger:
		return "integer"
	case KindEnum:
		return "enum"
	case KindStringList:
		return "array of strings"
	default:
		return "unknown"
	}
}

// Field describes one property of a structured result.
//
// For strings MinLen/MaxLen bound the length in characters. For string
// lists they bound the number of items and ItemMax bounds each item.
type Field struct {
	Name     string
	Kind     Kind
	Required bool
	MinLen   int
	MaxLen   int
	ItemMax  int
	Min      int
	Max      int
	Enum     []string
	// Round accepts fractional numbers and rounds them half away from zero.
	Round bool
	// OmitFromSize excludes the field from the serialized-size ceiling.
	OmitFromSize bool
	// Hint is a short description used when describing the schema to a model.
	Hint string
}

// Schema is the fixed shape a normalized result must conform to.
type Schema struct {
	Name   string
	Fields []Field
	// MaxSize is the ceiling, in characters, for the compact JSON encoding
	// of every field not marked OmitFromSize. Zero disables the check.
	MaxSize int
}

func (s *Schema) field(name string) (*Field, bool) {
	for i := range s.Fields {
		if s.Fields[i].Name == name {
			return &s.Fields[i], true
		}
	}
	return nil, false
}

// Check returns an error if the schema itself is malformed.
func (s *Schema) Check() error {
	seen := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("schema %s: field with empty name", s.Name)
		}
		if seen[f.Name] {
			return fmt.Errorf("schema %s: duplicate field %q", s.Name, f.Name)
		}
		seen[f.Name] = true
		if f.Kind == KindEnum && len(f.Enum) == 0 {
			return fmt.Errorf("schema %s: enum field %q has no values", s.Name, f.Name)
		}
		if f.Kind == KindInteger && f.Min > f.Max {
			return fmt.Errorf("schema %s: field %q has min > max", s.Name, f.Name)
		}
	}
	return nil
}

// Validate checks obj against the schema and returns the coerced values.
// Every problem is reported; the returned map is nil when there are issues.
func (s *Schema) Validate(obj map[string]any) (map[string]any, []string) {
	var issues []string
	out := make(map[string]any, len(s.Fields))

	extra := make([]string, 0)
	for k := range obj {
		if _, ok := s.field(k); !ok {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	for _, k := range extra {
		issues = append(issues, fmt.Sprintf("%s: unexpected field", k))
	}

	for i := range s.Fields {
		f := &s.Fields[i]
		raw, ok := obj[f.Name]
		if !ok || raw == nil {
			if f.Required {
				issues = append(issues, fmt.Sprintf("%s: required", f.Name))
			}
			continue
		}
		v, err := f.coerce(raw)
		if err != nil {
			issues = append(issues, fmt.Sprintf("%s: %v", f.Name, err))
			continue
		}
		out[f.Name] = v
	}

	if len(issues) > 0 {
		return nil, issues
	}
	return out, nil
}

func (f *Field) coerce(raw any) (any, error) {
	switch f.Kind {
	case KindString:
		str, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %s", jsonType(raw))
		}
		if err := checkLen(str, f.MinLen, f.MaxLen); err != nil {
			return nil, err
		}
		return str, nil

	case KindEnum:
		str, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %s", jsonType(raw))
		}
		for _, e := range f.Enum {
			if str == e {
				return str, nil
			}
		}
		return nil, fmt.Errorf("%q is not one of: %s", str, strings.Join(f.Enum, ", "))

	case KindInteger:
		num, ok := raw.(json.Number)
		if !ok {
			return nil, fmt.Errorf("expected number, got %s", jsonType(raw))
		}
		fv, err := num.Float64()
		if err != nil || math.IsNaN(fv) || math.IsInf(fv, 0) {
			return nil, fmt.Errorf("invalid number %q", num.String())
		}
		if fv != math.Trunc(fv) {
			if !f.Round {
				return nil, fmt.Errorf("expected integer, got %s", num.String())
			}
			fv = math.Round(fv)
		}
		if fv < float64(f.Min) || fv > float64(f.Max) {
			return nil, fmt.Errorf("%s out of range [%d, %d]", num.String(), f.Min, f.Max)
		}
		return int(fv), nil

	case KindStringList:
		arr, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("expected array, got %s", jsonType(raw))
		}
		if len(arr) < f.MinLen || (f.MaxLen > 0 && len(arr) > f.MaxLen) {
			return nil, fmt.Errorf("expected %d to %d items, got %d", f.MinLen, f.MaxLen, len(arr))
		}
		items := make([]string, 0, len(arr))
		for i, it := range arr {
			str, ok := it.(string)
			if !ok {
				return nil, fmt.Errorf("item %d: expected string, got %s", i, jsonType(it))
			}
			if err := checkLen(str, 1, f.ItemMax); err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
			items = append(items, str)
		}
		return items, nil
	}
	return nil, fmt.Errorf("unsupported field kind %d", f.Kind)
}

func checkLen(s string, min, max int) error {
	n := utf8.RuneCountInString(s)
	if n < min {
		if min == 1 {
			return fmt.Errorf("must not be empty")
		}
		return fmt.Errorf("length %d below minimum %d", n, min)
	}
	if max > 0 && n > max {
		return fmt.Errorf("length %d exceeds maximum %d", n, max)
	}
	return nil
}

func jsonType(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case json.Number, float64:
		return "number"
	case bool:
		return "boolean"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// Describe renders the schema as a JSON-shaped template for model
// instructions.
func (s *Schema) Describe() string {
	var b strings.Builder
	b.WriteString("{\n")
	for i, f := range s.Fields {
		fmt.Fprintf(&b, "  %q: ", f.Name)
		switch f.Kind {
		case KindString:
			fmt.Fprintf(&b, "string (%s", f.Hint)
			if f.MaxLen > 0 {
				fmt.Fprintf(&b, ", at most %d characters", f.MaxLen)
			}
			b.WriteString(")")
		case KindInteger:
			fmt.Fprintf(&b, "integer %d-%d (%s)", f.Min, f.Max, f.Hint)
		case KindEnum:
			fmt.Fprintf(&b, "one of \"%s\" (%s)", strings.Join(f.Enum, "\", \""), f.Hint)
		case KindStringList:
			fmt.Fprintf(&b, "array of %d-%d strings (%s, each at most %d characters)", f.MinLen, f.MaxLen, f.Hint, f.ItemMax)
		}
		if !f.Required {
			b.WriteString(", optional")
		}
		if i < len(s.Fields)-1 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	b.WriteString("}")
	return b.String()
}

// Object is a schema-shaped result. It marshals its fields in schema order.
type Object struct {
	schema *Schema
	values map[string]any
}

// Get returns the value of a field.
func (o *Object) Get(name string) (any, bool) {
	v, ok := o.values[name]
	return v, ok
}

// String returns a string field, or "" when absent.
func (o *Object) String(name string) string {
	s, _ := o.values[name].(string)
	return s
}

// Len returns the number of fields present.
func (o *Object) Len() int { return len(o.values) }

// MarshalJSON encodes the present fields in schema order.
func (o *Object) MarshalJSON() ([]byte, error) {
	return o.encode(false)
}

// Size returns the number of characters in the compact encoding of the
// fields that count toward the schema's size ceiling.
func (o *Object) Size() (int, error) {
	b, err := o.encode(true)
	if err != nil {
		return 0, err
	}
	return utf8.RuneCount(b), nil
}

func (o *Object) encode(sizeOnly bool) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	for _, f := range o.schema.Fields {
		v, ok := o.values[f.Name]
		if !ok || (sizeOnly && f.OmitFromSize) {
			continue
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false

		key, _ := json.Marshal(f.Name)
		buf.Write(key)
		buf.WriteByte(':')

		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(v); err != nil {
			return nil, fmt.Errorf("encode %s: %w", f.Name, err)
		}
		// Encoder appends a newline after every value.
		buf.Truncate(buf.Len() - 1)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
