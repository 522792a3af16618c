// Package seed holds the bootstrap set loaded when no checkpoint exists
package seed

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/saaga0h/adaptive-core/internal/evolver"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultSet []byte

// Version is the supported seed file version
const Version = 1

// Pattern is one seed pattern
type Pattern struct {
	Context  string `yaml:"context"`
	Solution string `yaml:"solution"`
	Domain   string `yaml:"domain,omitempty"`
}

// Belief is one seed belief. Contradicts lists keys of other beliefs.
type Belief struct {
	Key         string   `yaml:"key"`
	Content     string   `yaml:"content"`
	Confidence  float64  `yaml:"confidence"`
	Contradicts []string `yaml:"contradicts,omitempty"`
}

// Set is a parsed seed file
type Set struct {
	Version  int              `yaml:"version"`
	Patterns []Pattern        `yaml:"patterns"`
	Beliefs  []Belief         `yaml:"beliefs"`
	Goals    []evolver.Fields `yaml:"goals"`
}

// ValidationError describes one problem in a seed file
type ValidationError struct {
	Section string
	Index   int
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s[%d]: %s", e.Section, e.Index, e.Message)
}

// Default returns the embedded seed set
func Default() (*Set, error) {
	return Parse(defaultSet)
}

// LoadFile reads a seed set from path
func LoadFile(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return s, nil
}

// Parse decodes and validates a seed set
func Parse(data []byte) (*Set, error) {
	var s Set
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode seed set: %w", err)
	}
	if s.Version != Version {
		return nil, fmt.Errorf("unsupported seed version %d (expected %d)", s.Version, Version)
	}
	if errs := s.Validate(); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, fmt.Errorf("invalid seed set: %s", strings.Join(msgs, "; "))
	}
	return &s, nil
}

// Validate checks every entry. It returns an empty slice when the set is valid.
func (s *Set) Validate() []ValidationError {
	var errs []ValidationError
	for i, p := range s.Patterns {
		if strings.TrimSpace(p.Context) == "" {
			errs = append(errs, ValidationError{"patterns", i, "context is required"})
		}
		if strings.TrimSpace(p.Solution) == "" {
			errs = append(errs, ValidationError{"patterns", i, "solution is required"})
		}
	}

	keys := make(map[string]bool, len(s.Beliefs))
	for i, b := range s.Beliefs {
		switch {
		case b.Key == "":
			errs = append(errs, ValidationError{"beliefs", i, "key is required"})
		case keys[b.Key]:
			errs = append(errs, ValidationError{"beliefs", i, fmt.Sprintf("duplicate key %q", b.Key)})
		}
		keys[b.Key] = true
		if strings.TrimSpace(b.Content) == "" {
			errs = append(errs, ValidationError{"beliefs", i, "content is required"})
		}
		if b.Confidence < 0 || b.Confidence > 1 {
			errs = append(errs, ValidationError{"beliefs", i, "confidence must be within [0, 1]"})
		}
	}
	for i, b := range s.Beliefs {
		for _, k := range b.Contradicts {
			if !keys[k] || k == b.Key {
				errs = append(errs, ValidationError{"beliefs", i, fmt.Sprintf("contradicts unknown belief %q", k)})
			}
		}
	}

	for i, g := range s.Goals {
		if err := g.Validate(); err != nil {
			errs = append(errs, ValidationError{"goals", i, err.Error()})
		}
	}
	return errs
}
