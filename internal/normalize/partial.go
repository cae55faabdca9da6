package normalize

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// Accumulator folds streamed completion chunks into partial objects.
//
// After every chunk the buffered text is repaired into valid JSON (open
// strings and containers closed, incomplete keys, numbers and escapes
// dropped) and filtered to the schema's fields. A snapshot is reported only
// when it strictly extends the previous one: strings grow by appending,
// lists grow by appending or by extending their last item, scalars appear
// once and never change. Snapshots that would retract data are held back.
type Accumulator struct {
	schema *Schema
	buf    strings.Builder
	last   map[string]any
}

// NewAccumulator creates an Accumulator for schema.
func NewAccumulator(schema *Schema) *Accumulator {
	return &Accumulator{schema: schema, last: map[string]any{}}
}

// Write appends a chunk. It returns the new snapshot and true when the
// chunk made the object more complete.
func (a *Accumulator) Write(chunk string) (*Object, bool) {
	if chunk == "" {
		return nil, false
	}
	a.buf.WriteString(chunk)

	repaired, ok := repairPartial(a.buf.String())
	if !ok {
		return nil, false
	}
	next := a.project(repaired)
	if next == nil || !extends(a.last, next) || sameSnapshot(a.last, next) {
		return nil, false
	}
	a.last = next
	return &Object{schema: a.schema, values: next}, true
}

// Text returns everything written so far.
func (a *Accumulator) Text() string { return a.buf.String() }

// project keeps the schema fields of a repaired object whose values already
// have the right shape.
func (a *Accumulator) project(repaired string) map[string]any {
	if !gjson.Valid(repaired) {
		return nil
	}
	root := gjson.Parse(repaired)
	if !root.IsObject() {
		return nil
	}

	out := make(map[string]any)
	root.ForEach(func(key, value gjson.Result) bool {
		f, ok := a.schema.field(key.String())
		if !ok {
			return true
		}
		switch f.Kind {
		case KindString, KindEnum:
			if value.Type == gjson.String {
				out[f.Name] = value.String()
			}
		case KindInteger:
			if value.Type == gjson.Number {
				if v, err := f.coerce(json.Number(value.Raw)); err == nil {
					out[f.Name] = v
				}
			}
		case KindStringList:
			if !value.IsArray() {
				return true
			}
			items := make([]string, 0)
			for _, it := range value.Array() {
				if it.Type != gjson.String {
					break
				}
				items = append(items, it.String())
			}
			out[f.Name] = items
		}
		return true
	})
	return out
}

// extends reports whether next contains everything in prev, with strings
// and list items only grown at the end.
func extends(prev, next map[string]any) bool {
	for k, pv := range prev {
		nv, ok := next[k]
		if !ok {
			return false
		}
		switch p := pv.(type) {
		case string:
			n, ok := nv.(string)
			if !ok || !strings.HasPrefix(n, p) {
				return false
			}
		case int:
			n, ok := nv.(int)
			if !ok || n != p {
				return false
			}
		case []string:
			n, ok := nv.([]string)
			if !ok || len(n) < len(p) {
				return false
			}
			for i := range p {
				if i == len(p)-1 {
					if !strings.HasPrefix(n[i], p[i]) {
						return false
					}
				} else if n[i] != p[i] {
					return false
				}
			}
		}
	}
	return true
}

func sameSnapshot(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	return extends(a, b) && extends(b, a)
}

const (
	objKey = iota
	objColon
	objValue
	objNext
	arrValue
	arrNext
)

// repairPartial turns a prefix of a JSON object, optionally preceded by prose
// or a fence line, into the longest valid JSON object it can vouch for. It
// returns false until an opening brace has been seen. Braces in the prose
// ("func f() {") are skipped when they cannot start an object or their
// repair is not valid JSON.
func repairPartial(s string) (string, bool) {
	for from := 0; from < len(s); {
		i := strings.IndexByte(s[from:], '{')
		if i < 0 {
			break
		}
		start := from + i
		from = start + 1
		if !opensObject(s[start+1:]) {
			continue
		}
		if out, ok := repairObject(s[start:]); ok && gjson.Valid(out) {
			return out, true
		}
	}
	return "", false
}

// opensObject reports whether the text after a '{' can still be the start
// of a non-empty JSON object.
func opensObject(rest string) bool {
	rest = strings.TrimLeft(rest, " \t\r\n")
	return rest == "" || rest[0] == '"'
}

// repairObject repairs s, which starts with '{'.
func repairObject(s string) (string, bool) {

	var (
		stack  []byte
		states []int

		cut      = -1
		cutClose string

		inStr, isKey bool
		escaped      bool
		escAt        = -1
		hexLeft      int
		scalar       bool
	)

	closers := func() string {
		var b strings.Builder
		for i := len(stack) - 1; i >= 0; i-- {
			if stack[i] == '{' {
				b.WriteByte('}')
			} else {
				b.WriteByte(']')
			}
		}
		return b.String()
	}
	checkpoint := func(i int) {
		cut, cutClose = i, closers()
	}
	valueDone := func(i int) {
		top := len(states) - 1
		if stack[top] == '{' {
			states[top] = objNext
		} else {
			states[top] = arrNext
		}
		checkpoint(i)
	}

	for i := 0; i < len(s); i++ {
		c := s[i]

		if inStr {
			switch {
			case hexLeft > 0:
				hexLeft--
				if hexLeft == 0 {
					escAt = -1
				}
			case escaped:
				escaped = false
				if c == 'u' {
					hexLeft = 4
				} else {
					escAt = -1
				}
			case c == '\\':
				escaped, escAt = true, i
			case c == '"':
				inStr = false
				if isKey {
					states[len(states)-1] = objColon
				} else {
					valueDone(i + 1)
				}
			}
			continue
		}

		if scalar {
			if !isDelimiter(c) {
				continue
			}
			scalar = false
			valueDone(i)
		}

		switch c {
		case ' ', '\t', '\n', '\r':
		case '{', '[':
			stack = append(stack, c)
			if c == '{' {
				states = append(states, objKey)
			} else {
				states = append(states, arrValue)
			}
			checkpoint(i + 1)
		case '}', ']':
			if len(stack) == 0 {
				return "", false
			}
			stack = stack[:len(stack)-1]
			states = states[:len(states)-1]
			if len(stack) == 0 {
				return s[:i+1], true
			}
			valueDone(i + 1)
		case ':':
			states[len(states)-1] = objValue
		case ',':
			if stack[len(stack)-1] == '{' {
				states[len(states)-1] = objKey
			} else {
				states[len(states)-1] = arrValue
			}
		case '"':
			inStr = true
			isKey = stack[len(stack)-1] == '{' && states[len(states)-1] == objKey
		default:
			scalar = true
		}
	}

	if inStr && !isKey {
		end := len(s)
		if escAt >= 0 {
			end = escAt
		}
		return s[:end] + `"` + closers(), true
	}
	if cut < 0 {
		return "", false
	}
	return s[:cut] + cutClose, true
}

func isDelimiter(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r', ',', '}', ']':
		return true
	}
	return false
}
