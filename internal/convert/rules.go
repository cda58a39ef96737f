package convert

import (
	"fmt"
	"image/png"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Rules configures which uploads are accepted and how PNG output is
// encoded. Deployments tune it through conversion.rules.yaml in the data
// directory or through the config API.
type Rules struct {
	AcceptedTypes  []string `yaml:"acceptedTypes" json:"acceptedTypes"`
	MaxSourceBytes int64    `yaml:"maxSourceBytes" json:"maxSourceBytes"`
	PNGCompression string   `yaml:"pngCompression" json:"pngCompression"` // default, speed, size, none
}

// DefaultRules returns the rules used when no rules file exists yet.
func DefaultRules() *Rules {
	return &Rules{
		AcceptedTypes:  []string{"image/webp"},
		MaxSourceBytes: 256 * 1024 * 1024,
		PNGCompression: "default",
	}
}

// Validate checks a rules document before it is applied.
func (r *Rules) Validate() error {
	if len(r.AcceptedTypes) == 0 {
		return fmt.Errorf("acceptedTypes must not be empty")
	}
	if r.MaxSourceBytes <= 0 {
		return fmt.Errorf("maxSourceBytes must be positive")
	}
	switch r.PNGCompression {
	case "default", "speed", "size", "none":
	default:
		return fmt.Errorf("unknown pngCompression %q", r.PNGCompression)
	}
	return nil
}

// Accepts reports whether an upload with the given MIME type passes the
// accepted-types filter. Parameters after a semicolon are ignored.
func (r *Rules) Accepts(mimeType string) bool {
	mimeType = strings.TrimSpace(strings.ToLower(mimeType))
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	for _, t := range r.AcceptedTypes {
		if mimeType == strings.ToLower(t) {
			return true
		}
	}
	return false
}

// PNGCompressionLevel maps the configured name to a png.CompressionLevel.
func (r *Rules) PNGCompressionLevel() png.CompressionLevel {
	switch r.PNGCompression {
	case "speed":
		return png.BestSpeed
	case "size":
		return png.BestCompression
	case "none":
		return png.NoCompression
	default:
		return png.DefaultCompression
	}
}

// LoadRules reads the rules file at path, creating it with defaults on
// first run.
func LoadRules(path string) (*Rules, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		rules := DefaultRules()
		if err := rules.Save(path); err != nil {
			return nil, fmt.Errorf("creating default rules: %w", err)
		}
		return rules, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules file: %w", err)
	}

	rules := &Rules{}
	if err := yaml.Unmarshal(data, rules); err != nil {
		return nil, fmt.Errorf("parsing rules file: %w", err)
	}
	if err := rules.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rules file: %w", err)
	}

	return rules, nil
}

// Save writes the rules document to path as YAML.
func (r *Rules) Save(path string) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshaling rules: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing rules file: %w", err)
	}
	return nil
}

// RulesStore holds the live rules document so the converter and upload
// validation see updates immediately.
type RulesStore struct {
	mu    sync.RWMutex
	rules *Rules
}

// NewRulesStore creates a store seeded with the given rules.
func NewRulesStore(rules *Rules) *RulesStore {
	return &RulesStore{rules: rules}
}

// Current returns the active rules document.
func (s *RulesStore) Current() *Rules {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rules
}

// Update replaces the active rules document.
func (s *RulesStore) Update(rules *Rules) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = rules
}
