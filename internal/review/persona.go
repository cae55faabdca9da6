package review

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Persona selects the tone and focus of a code review.
type Persona string

const (
	PersonaSenior      Persona = "senior"
	PersonaPrincipal   Persona = "principal"
	PersonaSecurity    Persona = "security"
	PersonaPerformance Persona = "performance"
)

// DefaultPersona is used when a request does not name one.
const DefaultPersona = PersonaSenior

// Personas lists every persona in display order.
func Personas() []Persona {
	return []Persona{PersonaSenior, PersonaPrincipal, PersonaSecurity, PersonaPerformance}
}

// ParsePersona maps a request value onto a Persona.
func ParsePersona(s string) (Persona, bool) {
	for _, p := range Personas() {
		if string(p) == s {
			return p, true
		}
	}
	return "", false
}

var defaultInstructions = map[Persona]string{
	PersonaSenior: `You are a senior engineer doing a candid but fair code review.
Point out the single most important problem in the code, explain it plainly
and show how to fix it. Keep the humour dry and the advice practical.`,

	PersonaPrincipal: `You are a principal engineer who has seen every mistake twice.
Judge the code on design, complexity and long-term maintainability.
Call out algorithmic complexity explicitly (for example O(n^2) loops),
name the abstraction that is missing and propose the cleaner structure.`,

	PersonaSecurity: `You are an application security reviewer.
Hunt for injection, unsafe deserialization, secrets in code, missing input
validation, broken access checks and unsafe defaults. Rate the code by how
exploitable it is and give the concrete hardening fix.`,

	PersonaPerformance: `You are a performance engineer obsessed with latency and allocations.
Find the hot path, count the allocations and the round trips, spot
quadratic behaviour and needless copies, and rewrite the slow part.`,
}

// Profiles maps every persona to its instruction text. It is read-only after
// construction.
type Profiles struct {
	instructions map[Persona]string
}

// DefaultProfiles returns the built-in persona instructions.
func DefaultProfiles() *Profiles {
	p := &Profiles{instructions: make(map[Persona]string, len(defaultInstructions))}
	for k, v := range defaultInstructions {
		p.instructions[k] = v
	}
	return p
}

// LoadProfiles returns the built-in instructions with overrides from a YAML
// file of the form `personas: {principal: "..."}`. An empty path yields the
// defaults. Unknown persona keys are rejected.
func LoadProfiles(path string) (*Profiles, error) {
	p := DefaultProfiles()
	if path == "" {
		return p, p.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read personas file: %w", err)
	}

	var doc struct {
		Personas map[string]string `yaml:"personas"`
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse personas file %s: %w", path, err)
	}

	for key, text := range doc.Personas {
		persona, ok := ParsePersona(key)
		if !ok {
			return nil, fmt.Errorf("personas file %s: unknown persona %q", path, key)
		}
		p.instructions[persona] = strings.TrimSpace(text)
	}

	return p, p.Validate()
}

// Validate checks that every persona has a non-empty instruction and that
// no instruction exists for an unknown persona.
func (p *Profiles) Validate() error {
	var errs []error
	for _, persona := range Personas() {
		if strings.TrimSpace(p.instructions[persona]) == "" {
			errs = append(errs, fmt.Errorf("persona %q has no instruction text", persona))
		}
	}
	if len(p.instructions) != len(Personas()) {
		errs = append(errs, fmt.Errorf("expected %d persona instructions, have %d", len(Personas()), len(p.instructions)))
	}
	return errors.Join(errs...)
}

// Instruction returns the instruction text for persona. Unknown personas
// fall back to the default persona.
func (p *Profiles) Instruction(persona Persona) string {
	if text, ok := p.instructions[persona]; ok {
		return text
	}
	return p.instructions[DefaultPersona]
}
