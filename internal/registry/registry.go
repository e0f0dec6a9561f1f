// Package registry resolves which transformer handles a given source/target
// media type pair. The Registry interface is the only thing the dispatcher
// depends on; Static is a file-backed implementation for standalone engines.
package registry

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Registry maps a transform request onto a transformer name.
type Registry interface {
	FindTransformerName(sourceType string, sourceSize int64, targetType string, options map[string]string) (string, bool)
}

// Func adapts a plain function to Registry.
type Func func(sourceType string, sourceSize int64, targetType string, options map[string]string) (string, bool)

func (f Func) FindTransformerName(sourceType string, sourceSize int64, targetType string, options map[string]string) (string, bool) {
	return f(sourceType, sourceSize, targetType, options)
}

// SupportedTransform is one source→target pair a transformer accepts.
type SupportedTransform struct {
	Source        string `yaml:"source"`
	Target        string `yaml:"target"`
	MaxSourceSize int64  `yaml:"max_source_size"` // <= 0 means unlimited
	Priority      int    `yaml:"priority"`
}

type Transformer struct {
	Name      string               `yaml:"name"`
	Options   []string             `yaml:"options"`
	Supported []SupportedTransform `yaml:"supported"`
}

type File struct {
	Transformers []Transformer `yaml:"transformers"`
}

// Static answers lookups from an in-memory list of transformers.
type Static struct {
	transformers []Transformer
	options      []map[string]struct{}
}

// NewStatic validates and indexes the given transformers.
func NewStatic(ts []Transformer) (*Static, error) {
	s := &Static{}
	seen := make(map[string]bool, len(ts))
	for i, t := range ts {
		t.Name = strings.TrimSpace(t.Name)
		if t.Name == "" {
			return nil, fmt.Errorf("registry: transformers[%d] has no name", i)
		}
		if seen[t.Name] {
			return nil, fmt.Errorf("registry: duplicate transformer %q", t.Name)
		}
		seen[t.Name] = true
		if len(t.Supported) == 0 {
			return nil, fmt.Errorf("registry: transformer %q supports no transforms", t.Name)
		}
		opts := make(map[string]struct{}, len(t.Options))
		for _, o := range t.Options {
			opts[o] = struct{}{}
		}
		s.transformers = append(s.transformers, t)
		s.options = append(s.options, opts)
	}
	return s, nil
}

// Load reads a YAML registry file.
func Load(path string) (*Static, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("registry %s: %w", path, err)
	}
	return NewStatic(f.Transformers)
}

// FindTransformerName picks the lowest-priority transformer whose supported
// pair matches, whose size limit admits the source and which understands
// every supplied option. Declaration order breaks ties.
func (s *Static) FindTransformerName(sourceType string, sourceSize int64, targetType string, options map[string]string) (string, bool) {
	best, bestPriority := "", 0
	for i, t := range s.transformers {
		if !s.acceptsOptions(i, options) {
			continue
		}
		for _, st := range t.Supported {
			if st.Source != sourceType || st.Target != targetType {
				continue
			}
			if st.MaxSourceSize > 0 && sourceSize > st.MaxSourceSize {
				continue
			}
			if best == "" || st.Priority < bestPriority {
				best, bestPriority = t.Name, st.Priority
			}
		}
	}
	return best, best != ""
}

func (s *Static) acceptsOptions(i int, options map[string]string) bool {
	for k := range options {
		if _, ok := s.options[i][k]; !ok {
			return false
		}
	}
	return true
}

// Transformers returns the registered transformers in declaration order.
func (s *Static) Transformers() []Transformer {
	out := make([]Transformer, len(s.transformers))
	copy(out, s.transformers)
	return out
}
