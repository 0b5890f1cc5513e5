package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ExecutionProfile is a named, file-backed execution policy: concurrency
// limits, retry defaults, and worker endpoints for steps that run remotely.
type ExecutionProfile struct {
	Name        string            `yaml:"name" json:"name"`
	MaxParallel int               `yaml:"max_parallel,omitempty" json:"max_parallel,omitempty"`
	Retry       RetryDefaults     `yaml:"retry" json:"retry"`
	Workers     map[string]Worker `yaml:"workers,omitempty" json:"workers,omitempty"`
}

// RetryDefaults applies to steps that declare no policy of their own.
type RetryDefaults struct {
	MaxRetries  int     `yaml:"max_retries" json:"max_retries"`
	Expression  string  `yaml:"expression,omitempty" json:"expression,omitempty"`
	WaitSeconds float64 `yaml:"wait_seconds,omitempty" json:"wait_seconds,omitempty"`
}

// Worker names a remote worker endpoint steps can be launched on.
type Worker struct {
	URL string `yaml:"url" json:"url"`
}

// LoadProfile loads an execution profile YAML by name. It searches the
// profiles directory for profile_<name>.yaml.
func LoadProfile(profilesDir, name string) (*ExecutionProfile, error) {
	name = strings.ToLower(name)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", name))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", name, err)
	}

	var profile ExecutionProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", name, err)
	}

	if profile.Name == "" {
		profile.Name = name
	}

	return &profile, nil
}

// LoadAllProfiles loads all profile_*.yaml files from the profiles directory.
func LoadAllProfiles(profilesDir string) (map[string]*ExecutionProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*ExecutionProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile ExecutionProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if profile.Name == "" {
			// Extract name from filename: profile_batch.yaml -> batch
			base := filepath.Base(path)
			profile.Name = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}

		profiles[profile.Name] = &profile
	}

	return profiles, nil
}

// WorkerURL returns the endpoint a step key should launch on, falling back
// to the profile's default worker when no step-specific entry exists.
func (p *ExecutionProfile) WorkerURL(stepKey string) (string, bool) {
	if w, ok := p.Workers[stepKey]; ok {
		return w.URL, true
	}
	if w, ok := p.Workers["default"]; ok {
		return w.URL, true
	}
	return "", false
}
