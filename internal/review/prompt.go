package review

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/nulpointcorp/sommelier/internal/normalize"
)

// DefaultMaxDiffChars caps diff content embedded in a narrate prompt.
const DefaultMaxDiffChars = 48000

const narrateInstruction = `You are a meticulous staff engineer writing the description for a pull request.
Read the diff and explain what changed, why, what it affects and how it was
tested. Be specific: name files, functions and behaviours. Never invent
changes that are not in the diff.`

// Prompt is the instruction pair sent to the completion provider.
type Prompt struct {
	System string
	User   string
}

// Builder composes prompts. It never performs I/O.
type Builder struct {
	profiles     *Profiles
	maxDiffChars int
	redact       bool
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithMaxDiffChars overrides the narrate diff cap.
func WithMaxDiffChars(n int) BuilderOption {
	return func(b *Builder) {
		if n > 0 {
			b.maxDiffChars = n
		}
	}
}

// WithRedaction toggles secret redaction of submitted code.
func WithRedaction(on bool) BuilderOption {
	return func(b *Builder) { b.redact = on }
}

// NewBuilder creates a Builder over profiles.
func NewBuilder(profiles *Profiles, opts ...BuilderOption) *Builder {
	b := &Builder{
		profiles:     profiles,
		maxDiffChars: DefaultMaxDiffChars,
		redact:       true,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Review builds the prompt for a code review.
func (b *Builder) Review(req ReviewRequest) Prompt {
	var u strings.Builder
	u.WriteString("Review the following code.\n")
	writeContext(&u, req.Context)
	u.WriteString("\n")
	writeFenced(&u, b.scrub(req.Code))

	return Prompt{
		System: b.profiles.Instruction(req.Persona) + "\n\n" + outputRules(TastingNote),
		User:   u.String(),
	}
}

// Narrate builds the prompt for a PR description. diff is the resolved diff
// when req.Code was a pull request URL; when empty req.Code is used as the
// diff.
func (b *Builder) Narrate(req NarrateRequest, diff string) Prompt {
	if diff == "" {
		diff = req.Code
	}
	diff, _ = Truncate(b.scrub(diff), b.maxDiffChars)

	var u strings.Builder
	u.WriteString("Describe the following pull request diff.\n")
	writeContext(&u, req.Context)
	u.WriteString("\n")
	writeFenced(&u, diff)

	return Prompt{
		System: narrateInstruction + "\n\n" + outputRules(PRDescription),
		User:   u.String(),
	}
}

func (b *Builder) scrub(code string) string {
	if !b.redact {
		return code
	}
	return RedactSecrets(code)
}

// Truncate cuts s to at most max characters and appends a marker naming how
// many characters were dropped.
func Truncate(s string, max int) (string, bool) {
	n := utf8.RuneCountInString(s)
	if max <= 0 || n <= max {
		return s, false
	}
	i := 0
	for pos := range s {
		if i == max {
			return s[:pos] + fmt.Sprintf("\n... [diff truncated: %d characters omitted]", n-max), true
		}
		i++
	}
	return s, false
}

func outputRules(schema *normalize.Schema) string {
	var b strings.Builder
	b.WriteString("Respond with ONLY a single JSON object. No markdown, no code fences, no commentary.\n")
	b.WriteString("The object must have exactly these fields and no others:\n")
	b.WriteString(schema.Describe())
	if schema.MaxSize > 0 {
		fmt.Fprintf(&b, "\nKeep the whole object under %d characters.", schema.MaxSize)
	}
	return b.String()
}

func writeContext(b *strings.Builder, ctx string) {
	ctx = strings.TrimSpace(ctx)
	if ctx == "" {
		return
	}
	b.WriteString("\nAuthor context:\n")
	b.WriteString(ctx)
	b.WriteString("\n")
}

// writeFenced embeds code verbatim inside a fence longer than any backtick
// run it contains.
func writeFenced(b *strings.Builder, code string) {
	fence := strings.Repeat("`", max(3, longestRun(code, '`')+1))
	b.WriteString(fence)
	b.WriteString("\n")
	b.WriteString(code)
	if !strings.HasSuffix(code, "\n") {
		b.WriteString("\n")
	}
	b.WriteString(fence)
	b.WriteString("\n")
}

func longestRun(s string, c byte) int {
	best, cur := 0, 0
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			cur++
			best = max(best, cur)
		} else {
			cur = 0
		}
	}
	return best
}
