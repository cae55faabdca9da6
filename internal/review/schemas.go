package review

import (
	"errors"

	"github.com/nulpointcorp/sommelier/internal/normalize"
)

// Size ceilings, in characters of compact JSON.
const (
	TastingNoteMaxSize   = 2100
	PRDescriptionMaxSize = 4000
)

// ChangeTypes are the accepted PR description "type" tags.
var ChangeTypes = []string{"feature", "fix", "refactor", "perf", "docs", "test", "chore"}

// TastingNote is the result schema of POST /review. The size ceiling covers
// the card fields; refactoredCode is bounded on its own.
var TastingNote = &normalize.Schema{
	Name: "tasting_note",
	Fields: []normalize.Field{
		{Name: "title", Kind: normalize.KindString, Required: true, MinLen: 1, MaxLen: 100,
			Hint: "a punchy headline for the verdict"},
		{Name: "diagnosis", Kind: normalize.KindString, Required: true, MinLen: 1, MaxLen: 700,
			Hint: "what is wrong and why it matters"},
		{Name: "fix", Kind: normalize.KindString, Required: true, MinLen: 1, MaxLen: 700,
			Hint: "the concrete change to make"},
		{Name: "refactoredCode", Kind: normalize.KindString, MaxLen: 20000, OmitFromSize: true,
			Hint: "the improved code, no markdown fences"},
		{Name: "language", Kind: normalize.KindString, MaxLen: 40,
			Hint: "programming language of the input"},
		{Name: "level", Kind: normalize.KindString, Required: true, MinLen: 1, MaxLen: 40,
			Hint: "a short severity label such as 'Mild', 'Spicy' or 'Inferno'"},
		{Name: "score", Kind: normalize.KindInteger, Required: true, Min: 0, Max: 100, Round: true,
			Hint: "overall quality, 100 is flawless"},
	},
	MaxSize: TastingNoteMaxSize,
}

// PRDescription is the result schema of POST /narrate.
var PRDescription = &normalize.Schema{
	Name: "pr_description",
	Fields: []normalize.Field{
		{Name: "title", Kind: normalize.KindString, Required: true, MinLen: 1, MaxLen: 120,
			Hint: "imperative pull request title"},
		{Name: "summary", Kind: normalize.KindString, Required: true, MinLen: 1, MaxLen: 1200,
			Hint: "what the change does and why"},
		{Name: "type", Kind: normalize.KindEnum, Required: true, Enum: ChangeTypes,
			Hint: "kind of change"},
		{Name: "changes", Kind: normalize.KindStringList, Required: true, MinLen: 1, MaxLen: 15, ItemMax: 240,
			Hint: "notable changes in diff order"},
		{Name: "impact", Kind: normalize.KindString, Required: true, MinLen: 1, MaxLen: 700,
			Hint: "who or what is affected"},
		{Name: "testing", Kind: normalize.KindString, Required: true, MinLen: 1, MaxLen: 700,
			Hint: "how the change was or should be verified"},
	},
	MaxSize: PRDescriptionMaxSize,
}

// CheckSchemas verifies the response schemas are well formed.
func CheckSchemas() error {
	return errors.Join(TastingNote.Check(), PRDescription.Check())
}
