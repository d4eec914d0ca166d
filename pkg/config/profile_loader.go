package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Noetic-Labs/meridian/core/pkg/pipeline"
)

// PipelineProfile is a named phase configuration loaded from YAML.
// Profiles let deployments disable advisory phases, tighten timeouts, or
// adjust retry counts without rebuilding.
type PipelineProfile struct {
	Name          string       `yaml:"name"`
	Description   string       `yaml:"description,omitempty"`
	MaxInputBytes int          `yaml:"max_input_bytes,omitempty"`
	Phases        []phaseEntry `yaml:"phases"`
}

// phaseEntry is the YAML shape of one phase. Timeout is a duration
// string ("10s"); enabled defaults to true when omitted.
type phaseEntry struct {
	Ordinal  int    `yaml:"ordinal"`
	Name     string `yaml:"name"`
	Enabled  *bool  `yaml:"enabled,omitempty"`
	Timeout  string `yaml:"timeout"`
	Required bool   `yaml:"required,omitempty"`
	Parallel bool   `yaml:"parallel,omitempty"`
	Retries  int    `yaml:"retries,omitempty"`
}

// PhaseSpecs converts the profile into validated pipeline phase specs.
func (p *PipelineProfile) PhaseSpecs() ([]pipeline.PhaseSpec, error) {
	specs := make([]pipeline.PhaseSpec, 0, len(p.Phases))
	for _, e := range p.Phases {
		timeout, err := time.ParseDuration(e.Timeout)
		if err != nil {
			return nil, fmt.Errorf("profile %q: phase %q timeout: %w", p.Name, e.Name, err)
		}
		enabled := true
		if e.Enabled != nil {
			enabled = *e.Enabled
		}
		specs = append(specs, pipeline.PhaseSpec{
			Ordinal:  e.Ordinal,
			Name:     e.Name,
			Enabled:  enabled,
			Timeout:  timeout,
			Required: e.Required,
			Parallel: e.Parallel,
			Retries:  e.Retries,
		})
	}
	if err := pipeline.ValidatePhases(specs); err != nil {
		return nil, fmt.Errorf("profile %q: %w", p.Name, err)
	}
	return specs, nil
}

// LoadProfile loads profile_<name>.yaml from profilesDir.
func LoadProfile(profilesDir, name string) (*PipelineProfile, error) {
	name = strings.ToLower(name)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", name))

	data, err := os.ReadFile(path) //nolint:gosec // operator-controlled path
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", name, err)
	}

	var profile PipelineProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", name, err)
	}
	if profile.Name == "" {
		profile.Name = name
	}
	return &profile, nil
}

// LoadAllProfiles loads every profile_*.yaml in profilesDir, keyed by
// profile name.
func LoadAllProfiles(profilesDir string) (map[string]*PipelineProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*PipelineProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path) //nolint:gosec // operator-controlled path
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile PipelineProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if profile.Name == "" {
			base := filepath.Base(path)
			profile.Name = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}
		profiles[profile.Name] = &profile
	}
	return profiles, nil
}

// ResolvePhases returns the phase specs for cfg: the named profile when
// set, the built-in default profile otherwise.
func ResolvePhases(cfg *Config) ([]pipeline.PhaseSpec, error) {
	if cfg.ProfileName == "" {
		return pipeline.DefaultPhases(), nil
	}
	profile, err := LoadProfile(cfg.ProfilesDir, cfg.ProfileName)
	if err != nil {
		return nil, err
	}
	return profile.PhaseSpecs()
}
