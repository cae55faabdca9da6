package normalize

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func testSchema() *Schema {
	return &Schema{
		Name: "note",
		Fields: []Field{
			{Name: "title", Kind: KindString, Required: true, MinLen: 1, MaxLen: 50},
			{Name: "score", Kind: KindInteger, Required: true, Min: 0, Max: 100, Round: true},
			{Name: "kind", Kind: KindEnum, Required: true, Enum: []string{"fix", "feature"}},
			{Name: "items", Kind: KindStringList, MinLen: 0, MaxLen: 3, ItemMax: 20},
			{Name: "code", Kind: KindString, MaxLen: 1000, OmitFromSize: true},
		},
		MaxSize: 150,
	}
}

const validNote = `{"title":"Nested loops","score":42,"kind":"fix","items":["a","b"]}`

func mustNormalize(t *testing.T, raw string) *Result {
	t.Helper()
	res, err := New(testSchema()).Normalize(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return res
}

func requireNormErr(t *testing.T, raw string, want error) *NormalizationError {
	t.Helper()
	_, err := New(testSchema()).Normalize(raw)
	if err == nil {
		t.Fatalf("expected error wrapping %v, got nil", want)
	}
	var ne *NormalizationError
	if !errors.As(err, &ne) {
		t.Fatalf("expected *NormalizationError, got %T: %v", err, err)
	}
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
	return ne
}

// marshal returns the bytes the server writes. json.Marshal would re-escape
// HTML characters on top of them.
func marshal(t *testing.T, o *Object) string {
	t.Helper()
	b, err := o.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}

func TestNormalize_Direct(t *testing.T) {
	res := mustNormalize(t, "  "+validNote+"\n")
	if res.Strategy != "direct" {
		t.Errorf("expected direct strategy, got %q", res.Strategy)
	}
	if got := marshal(t, res.Object); got != validNote {
		t.Errorf("unexpected object:\n got %s\nwant %s", got, validNote)
	}
}

func TestNormalize_FencedMatchesInner(t *testing.T) {
	direct := mustNormalize(t, validNote)

	for _, raw := range []string{
		"```json\n" + validNote + "\n```",
		"```\n" + validNote + "\n```",
		"\n```JSON  \n" + validNote + "```\n",
	} {
		res := mustNormalize(t, raw)
		if res.Strategy != "fenced" {
			t.Errorf("%q: expected fenced strategy, got %q", raw, res.Strategy)
		}
		if !reflect.DeepEqual(res.Object.values, direct.Object.values) {
			t.Errorf("%q: fenced result differs from direct parse", raw)
		}
	}
}

func TestNormalize_BalancedAfterProse(t *testing.T) {
	raw := `Sure! Here is the "review" you asked for: ` + validNote + ` Hope it helps {really}.`
	res := mustNormalize(t, raw)
	if res.Strategy != "balanced" {
		t.Errorf("expected balanced strategy, got %q", res.Strategy)
	}
	if res.Object.String("title") != "Nested loops" {
		t.Errorf("unexpected title %q", res.Object.String("title"))
	}
}

func TestNormalize_BalancedSkipsInvalidSpan(t *testing.T) {
	raw := "Use {braces} like this. " + validNote
	res := mustNormalize(t, raw)
	if res.Object.String("kind") != "fix" {
		t.Errorf("expected second span to win, got %v", res.Object.values)
	}
}

func TestNormalize_BalancedSkipsUnclosedBrace(t *testing.T) {
	raw := "In JS you write `function f() {` and forget the closing brace. Verdict:\n" + validNote
	res := mustNormalize(t, raw)
	if res.Strategy != "balanced" {
		t.Errorf("expected balanced strategy, got %q", res.Strategy)
	}
	if res.Object.String("title") != "Nested loops" {
		t.Errorf("unexpected title %q", res.Object.String("title"))
	}
}

func TestNormalize_BalancedUnclosedOnly(t *testing.T) {
	requireNormErr(t, "func f() { return 1 and then nothing", ErrNoObject)
}

func TestNormalize_BracesInsideStrings(t *testing.T) {
	raw := `Result: {"title":"use } and { carefully","score":1,"kind":"feature"}`
	res := mustNormalize(t, raw)
	if res.Object.String("title") != "use } and { carefully" {
		t.Errorf("unexpected title %q", res.Object.String("title"))
	}
}

func TestNormalize_NoObject(t *testing.T) {
	raw := strings.Repeat("no json here ", 40)
	ne := requireNormErr(t, raw, ErrNoObject)
	if len([]rune(ne.RawPrefix)) != rawPrefixLen {
		t.Errorf("expected raw prefix of %d chars, got %d", rawPrefixLen, len([]rune(ne.RawPrefix)))
	}
	if !strings.HasPrefix(raw, ne.RawPrefix) {
		t.Error("raw prefix is not a prefix of the input")
	}
	if len(ne.Issues) != 3 {
		t.Errorf("expected one issue per strategy, got %v", ne.Issues)
	}
}

func TestNormalize_Empty(t *testing.T) {
	requireNormErr(t, "  \n\t", ErrEmptyOutput)
}

func TestNormalize_ArrayIsNotObject(t *testing.T) {
	requireNormErr(t, `[1,2,3]`, ErrNoObject)
}

func TestNormalize_ScoreRounding(t *testing.T) {
	tests := []struct {
		score string
		want  int
	}{
		{"87.6", 88},
		{"87.5", 88},
		{"87.4", 87},
		{"0.4", 0},
		{"100", 100},
		{"99.5", 100},
		{"4.2e1", 42},
	}
	for _, tt := range tests {
		raw := `{"title":"t","kind":"fix","score":` + tt.score + `}`
		res := mustNormalize(t, raw)
		got, _ := res.Object.Get("score")
		if got != tt.want {
			t.Errorf("score %s: expected %d, got %v", tt.score, tt.want, got)
		}
	}
}

func TestNormalize_SchemaViolations(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		issue string
	}{
		{"score too high", `{"title":"t","kind":"fix","score":150}`, "score: 150 out of range"},
		{"score negative", `{"title":"t","kind":"fix","score":-1}`, "score: -1 out of range"},
		{"rounds out of range", `{"title":"t","kind":"fix","score":100.5}`, "score: 100.5 out of range"},
		{"score as string", `{"title":"t","kind":"fix","score":"88"}`, "score: expected number"},
		{"missing title", `{"kind":"fix","score":1}`, "title: required"},
		{"empty title", `{"title":"","kind":"fix","score":1}`, "title: must not be empty"},
		{"title too long", `{"title":"` + strings.Repeat("x", 51) + `","kind":"fix","score":1}`, "title: length 51 exceeds maximum 50"},
		{"bad enum", `{"title":"t","kind":"chore","score":1}`, `kind: "chore" is not one of`},
		{"extra field", `{"title":"t","kind":"fix","score":1,"mood":"happy"}`, "mood: unexpected field"},
		{"too many items", `{"title":"t","kind":"fix","score":1,"items":["a","b","c","d"]}`, "items: expected 0 to 3 items"},
		{"non-string item", `{"title":"t","kind":"fix","score":1,"items":["a",2]}`, "items: item 1: expected string"},
		{"null required", `{"title":null,"kind":"fix","score":1}`, "title: required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ne := requireNormErr(t, tt.raw, ErrSchema)
			found := false
			for _, is := range ne.Issues {
				if strings.Contains(is, tt.issue) {
					found = true
				}
			}
			if !found {
				t.Errorf("expected issue containing %q, got %v", tt.issue, ne.Issues)
			}
		})
	}
}

func TestNormalize_SizeCeiling(t *testing.T) {
	items := `["` + strings.Repeat("i", 20) + `","` + strings.Repeat("j", 20) + `","` + strings.Repeat("k", 20) + `"]`
	raw := `{"title":"` + strings.Repeat("t", 50) + `","kind":"feature","score":99,"items":` + items + `}`
	requireNormErr(t, raw, ErrTooLarge)
}

func TestNormalize_SizeCeilingSkipsOmittedFields(t *testing.T) {
	raw := `{"title":"t","kind":"fix","score":1,"code":"` + strings.Repeat("c", 900) + `"}`
	res := mustNormalize(t, raw)
	if len(res.Object.String("code")) != 900 {
		t.Errorf("expected code to be kept intact")
	}
}

func TestNormalize_SizeCountsCharacters(t *testing.T) {
	// 50 three-byte runes stay inside the ceiling even though the byte
	// length exceeds it.
	raw := `{"title":"` + strings.Repeat("é", 50) + `","kind":"fix","score":1,"items":["` + strings.Repeat("ü", 20) + `"]}`
	mustNormalize(t, raw)
}

func TestObject_MarshalSchemaOrder(t *testing.T) {
	res := mustNormalize(t, `{"items":["<b>"],"kind":"fix","score":3,"title":"a & b"}`)
	want := `{"title":"a & b","score":3,"kind":"fix","items":["<b>"]}`
	if got := marshal(t, res.Object); got != want {
		t.Errorf("unexpected encoding:\n got %s\nwant %s", got, want)
	}
}

func TestStripFence(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"```json\n{}\n```", "{}", true},
		{"```\n{}\n```", "{}", true},
		{"{}", "", false},
		{"```{}```", "", false},
		{"```json\n{}", "", false},
	}
	for _, tt := range tests {
		got, ok := stripFence(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("stripFence(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestPrefix(t *testing.T) {
	if got := Prefix("héllo", 2); got != "hé" {
		t.Errorf("expected %q, got %q", "hé", got)
	}
	if got := Prefix("abc", 10); got != "abc" {
		t.Errorf("expected %q, got %q", "abc", got)
	}
}

func TestSchema_Check(t *testing.T) {
	if err := testSchema().Check(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bad := &Schema{Name: "bad", Fields: []Field{{Name: "a"}, {Name: "a"}}}
	if err := bad.Check(); err == nil {
		t.Fatal("expected duplicate field error")
	}
	bad = &Schema{Name: "bad", Fields: []Field{{Name: "e", Kind: KindEnum}}}
	if err := bad.Check(); err == nil {
		t.Fatal("expected empty enum error")
	}
}

func TestSchema_Describe(t *testing.T) {
	d := testSchema().Describe()
	for _, want := range []string{`"title": string`, `"score": integer 0-100`, `one of "fix", "feature"`, `"items": array of 0-3 strings`, "optional"} {
		if !strings.Contains(d, want) {
			t.Errorf("description missing %q:\n%s", want, d)
		}
	}
}
