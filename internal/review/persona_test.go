package review

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultProfiles_CoverEveryPersona(t *testing.T) {
	p := DefaultProfiles()
	if err := p.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, persona := range Personas() {
		if p.Instruction(persona) == "" {
			t.Errorf("persona %q has no instruction", persona)
		}
	}
}

func TestProfiles_ValidateMissing(t *testing.T) {
	p := DefaultProfiles()
	delete(p.instructions, PersonaSecurity)
	if err := p.Validate(); err == nil || !strings.Contains(err.Error(), "security") {
		t.Fatalf("expected error naming security, got %v", err)
	}
}

func TestParsePersona(t *testing.T) {
	for _, p := range Personas() {
		got, ok := ParsePersona(string(p))
		if !ok || got != p {
			t.Errorf("ParsePersona(%q) = %q, %v", p, got, ok)
		}
	}
	if _, ok := ParsePersona("Principal"); ok {
		t.Error("persona keys are case sensitive")
	}
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "personas.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoadProfiles_Override(t *testing.T) {
	path := writeFile(t, "personas:\n  principal: |\n    Be brutal.\n")
	p, err := LoadProfiles(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := p.Instruction(PersonaPrincipal); got != "Be brutal." {
		t.Errorf("expected override, got %q", got)
	}
	if p.Instruction(PersonaSenior) != defaultInstructions[PersonaSenior] {
		t.Error("expected untouched personas to keep defaults")
	}
}

func TestLoadProfiles_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown persona", "personas:\n  chef: hi\n"},
		{"empty instruction", "personas:\n  security: \"  \"\n"},
		{"unknown top-level key", "voices:\n  senior: hi\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadProfiles(writeFile(t, tt.content)); err == nil {
				t.Fatal("expected error")
			}
		})
	}

	if _, err := LoadProfiles(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadProfiles_EmptyPath(t *testing.T) {
	p, err := LoadProfiles("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Instruction(PersonaPerformance) == "" {
		t.Error("expected default instruction")
	}
}
