// Package profile — YAML overrides for an authored profile.
// Supports environment variable substitution via ${VAR} or $VAR syntax in values.
package profile

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration parses YAML durations given either as Go duration strings
// ("750ms") or integer nanoseconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var ns int64
	if err := value.Decode(&ns); err == nil {
		*d = Duration(ns)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("profile overrides: bad duration: %w", err)
	}
	parsed, perr := time.ParseDuration(s)
	if perr != nil {
		return fmt.Errorf("profile overrides: bad duration %q: %w", s, perr)
	}
	*d = Duration(parsed)
	return nil
}

// Overrides is the YAML-tunable slice of a profile: the graph shape and
// per-GM round settings. Conjectures and intentions stay in code.
type Overrides struct {
	// Graph replaces parent -> children edges when non-empty.
	Graph map[string][]string `yaml:"graph"`

	// GMs overrides per-GM settings.
	GMs map[string]GMOverride `yaml:"gms"`

	// Detectors overrides per-detector settings.
	Detectors map[string]DetectorOverride `yaml:"detectors"`
}

// GMOverride tunes one GM definition.
type GMOverride struct {
	MaxRoundDuration Duration `yaml:"max_round_duration"`
}

// DetectorOverride tunes one detector.
type DetectorOverride struct {
	Interval Duration `yaml:"interval"`
}

// LoadOverrides reads and parses a YAML overrides file, expanding env vars.
// A missing file is not an error: the authored profile stands as-is.
func LoadOverrides(path string) (*Overrides, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Overrides{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("profile overrides: read %s: %w", path, err)
	}
	return ParseOverrides(raw)
}

// ParseOverrides parses YAML overrides from bytes (useful for testing).
func ParseOverrides(data []byte) (*Overrides, error) {
	expanded := expandEnvVars(string(data))
	var o Overrides
	if err := yaml.Unmarshal([]byte(expanded), &o); err != nil {
		return nil, fmt.Errorf("profile overrides: parse: %w", err)
	}
	return &o, nil
}

// Apply folds the overrides into the profile.
func (o *Overrides) Apply(p *Profile) {
	if len(o.Graph) > 0 {
		p.Graph = o.Graph
	}
	for name, ov := range o.GMs {
		def, ok := p.Defs[name]
		if !ok {
			continue
		}
		if ov.MaxRoundDuration > 0 {
			def.MaxRoundDuration = time.Duration(ov.MaxRoundDuration)
		}
	}
	for name, ov := range o.Detectors {
		spec, ok := p.Detectors[name]
		if !ok {
			continue
		}
		if ov.Interval > 0 {
			spec.Interval = time.Duration(ov.Interval)
			p.Detectors[name] = spec
		}
	}
}

// envVarPattern matches ${VAR_NAME} and $VAR_NAME.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces ${VAR} and $VAR with the corresponding environment
// variable value. Missing vars are replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := strings.TrimPrefix(match, "${")
		name = strings.TrimSuffix(name, "}")
		name = strings.TrimPrefix(name, "$")
		return os.Getenv(name)
	})
}
