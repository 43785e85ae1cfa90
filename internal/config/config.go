package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"signalsim/internal/controller"
)

// File models intersections.yml.
type File struct {
	Intersections []Intersection `yaml:"intersections"`
}

// Intersection is one intersection definition with wire-form phases.
type Intersection struct {
	ID     string                 `yaml:"id"`
	Name   string                 `yaml:"name"`
	Phases []controller.PhaseSpec `yaml:"phases"`
}

// Validate ensures every definition would build a controller.
func (f *File) Validate() error {
	seen := make(map[string]bool, len(f.Intersections))
	for i, in := range f.Intersections {
		if strings.TrimSpace(in.ID) == "" {
			return fmt.Errorf("intersections[%d].id is required", i)
		}
		if seen[in.ID] {
			return fmt.Errorf("intersection %s defined more than once", in.ID)
		}
		seen[in.ID] = true
		phases, err := controller.PhasesFromSpecs(in.Phases)
		if err != nil {
			return fmt.Errorf("intersection %s: %w", in.ID, err)
		}
		// Same rules as a PUT, including the non-empty name.
		if _, err := controller.New(in.ID, in.Name, phases); err != nil {
			return fmt.Errorf("intersection %s: %w", in.ID, err)
		}
	}
	return nil
}

// Load reads and validates an intersections file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("intersections file %s not found", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates intersection definitions from raw YAML bytes.
func FromYAML(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid intersections yaml: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// DefaultIntersection returns the built-in four-phase intersection.
func DefaultIntersection() Intersection {
	var f File
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&f)
	return f.Intersections[0]
}

// GenerateDefault returns the default definitions as YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `intersections:
  - id: default
    name: Main intersection
    phases:
      - name: NS_GREEN
        duration: 30
        signals: {NS: GREEN, EW: RED}
      - name: NS_YELLOW
        duration: 5
        signals: {NS: YELLOW, EW: RED}
      - name: EW_GREEN
        duration: 30
        signals: {NS: RED, EW: GREEN}
      - name: EW_YELLOW
        duration: 5
        signals: {NS: RED, EW: YELLOW}
`
