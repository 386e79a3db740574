package tuning

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// SolverTuning holds the tuning configuration for one solver: baseline
// parameters, process environment, license requirements, and named profiles
// with an ordered fallback list used for degraded retries.
type SolverTuning struct {
	Parameters map[string]any     `json:"parameters,omitempty"`
	Env        map[string]string  `json:"env,omitempty"`
	Licenses   []LicenseConfig    `json:"licenses,omitempty"`
	Profiles   map[string]Profile `json:"profiles,omitempty"`
	Fallbacks  []string           `json:"fallbacks,omitempty"`
}

// Profile is a named parameter overlay applied on top of the baseline.
type Profile struct {
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	TimeFactor  float64        `json:"time_factor,omitempty"` // scales the attempt time limit, 0 leaves it unchanged
}

// LicenseConfig binds a vault secret to a solver, exported as an environment
// variable or materialized as a file in the solver workspace.
type LicenseConfig struct {
	Secret string `json:"secret"`
	Env    string `json:"env,omitempty"`
	File   string `json:"file,omitempty"`
}

// IsEmpty returns true if no tuning is configured.
func (t *SolverTuning) IsEmpty() bool {
	return len(t.Parameters) == 0 && len(t.Env) == 0 && len(t.Licenses) == 0 && len(t.Profiles) == 0 && len(t.Fallbacks) == 0
}

var profileNameRegexp = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// Validate checks the tuning for correctness.
func (t *SolverTuning) Validate() error {
	for name, p := range t.Profiles {
		if !profileNameRegexp.MatchString(name) {
			return fmt.Errorf("profile %q: name must be alphanumeric with hyphens/underscores", name)
		}
		if p.TimeFactor < 0 {
			return fmt.Errorf("profile %q: time_factor must not be negative", name)
		}
	}

	for _, name := range t.Fallbacks {
		if _, ok := t.Profiles[name]; !ok {
			return fmt.Errorf("fallback %q: no such profile", name)
		}
	}

	for i, l := range t.Licenses {
		if l.Secret == "" {
			return fmt.Errorf("license[%d]: secret is required", i)
		}
		if l.Env == "" && l.File == "" {
			return fmt.Errorf("license %q: env or file is required", l.Secret)
		}
	}

	return nil
}

// Parse parses a JSON string into SolverTuning.
func Parse(data string) (*SolverTuning, error) {
	if data == "" || data == "{}" {
		return &SolverTuning{}, nil
	}
	var t SolverTuning
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, fmt.Errorf("parse tuning: %w", err)
	}
	return &t, nil
}

// ResolveSecretRefs resolves secret:name references in environment values
// using the provided resolver function.
func (t *SolverTuning) ResolveSecretRefs(resolve func(name string) (string, error)) error {
	for k, v := range t.Env {
		if secretName, ok := strings.CutPrefix(v, "secret:"); ok {
			val, err := resolve(secretName)
			if err != nil {
				return fmt.Errorf("env %q: %w", k, err)
			}
			t.Env[k] = val
		}
	}
	return nil
}

// ProfileParameters returns the baseline parameters with the named profile's
// overlay applied. The overlay wins on conflicts.
func (t *SolverTuning) ProfileParameters(name string) (map[string]any, error) {
	p, ok := t.Profiles[name]
	if !ok {
		return nil, fmt.Errorf("profile %q: no such profile", name)
	}
	merged := make(map[string]any, len(t.Parameters)+len(p.Parameters))
	for k, v := range t.Parameters {
		merged[k] = v
	}
	for k, v := range p.Parameters {
		merged[k] = v
	}
	return merged, nil
}

// FallbackProfile returns the profile name for the n-th fallback attempt,
// counting from zero. ok is false once the list is exhausted.
func (t *SolverTuning) FallbackProfile(attempt int) (string, bool) {
	if attempt < 0 || attempt >= len(t.Fallbacks) {
		return "", false
	}
	return t.Fallbacks[attempt], true
}
