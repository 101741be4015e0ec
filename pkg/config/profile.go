package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/octavolabs/octavo/pkg/pipeline"
)

// Profile is a per-environment pipeline policy overlay, loaded from
// profile_<environment>.yaml. Unset fields keep the stock defaults.
type Profile struct {
	Name        string `yaml:"name" json:"name"`
	Environment string `yaml:"environment" json:"environment"`

	ForceFull            bool    `yaml:"force_full,omitempty" json:"force_full,omitempty"`
	NoDelta              bool    `yaml:"no_delta,omitempty" json:"no_delta,omitempty"`
	SplitThresholdBytes  int64   `yaml:"split_threshold_bytes,omitempty" json:"split_threshold_bytes,omitempty"`
	SimilarityThreshold  float64 `yaml:"similarity_threshold,omitempty" json:"similarity_threshold,omitempty"`
	FullRebuildThreshold float64 `yaml:"full_rebuild_threshold,omitempty" json:"full_rebuild_threshold,omitempty"`
	VectorBatchSize      int     `yaml:"vector_batch_size,omitempty" json:"vector_batch_size,omitempty"`
	ObsoletePolicy       string  `yaml:"obsolete_policy,omitempty" json:"obsolete_policy,omitempty"`

	// PerPassTimeoutsMS overrides pass budgets, keyed by pass id.
	PerPassTimeoutsMS map[string]int `yaml:"per_pass_timeouts_ms,omitempty" json:"per_pass_timeouts_ms,omitempty"`

	ValidationRules []pipeline.ValidationRule `yaml:"validation_rules,omitempty" json:"validation_rules,omitempty"`
}

// Policy resolves the profile into a normalized pipeline policy.
func (p *Profile) Policy() (pipeline.Policy, error) {
	pol := pipeline.Policy{
		ForceFull:            p.ForceFull,
		NoDelta:              p.NoDelta,
		SplitThresholdBytes:  p.SplitThresholdBytes,
		SimilarityThreshold:  p.SimilarityThreshold,
		FullRebuildThreshold: p.FullRebuildThreshold,
		VectorBatchSize:      p.VectorBatchSize,
		ObsoletePolicy:       pipeline.ObsoletePolicy(p.ObsoletePolicy),
		ValidationRules:      p.ValidationRules,
	}
	if len(p.PerPassTimeoutsMS) > 0 {
		pol.PassTimeouts = make(map[pipeline.PassID]time.Duration, len(p.PerPassTimeoutsMS))
		for id, ms := range p.PerPassTimeoutsMS {
			pol.PassTimeouts[pipeline.PassID(id)] = time.Duration(ms) * time.Millisecond
		}
	}
	return pol.Normalize()
}

// LoadProfile loads profile_<environment>.yaml from the profiles
// directory.
func LoadProfile(profilesDir, environment string) (*Profile, error) {
	environment = strings.ToLower(environment)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", environment))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", environment, err)
	}

	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", environment, err)
	}
	if profile.Environment == "" {
		profile.Environment = environment
	}
	return &profile, nil
}

// LoadAllProfiles loads every profile_*.yaml in the directory, keyed by
// environment.
func LoadAllProfiles(profilesDir string) (map[string]*Profile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*Profile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		var profile Profile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if profile.Environment == "" {
			base := filepath.Base(path)
			profile.Environment = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}
		profiles[profile.Environment] = &profile
	}
	return profiles, nil
}

// PolicyFor returns the normalized policy for an environment: the
// profile overlay when one exists in dir, the defaults otherwise.
func PolicyFor(profilesDir, environment string) (pipeline.Policy, error) {
	if profilesDir == "" {
		return pipeline.Policy{}.Normalize()
	}
	profile, err := LoadProfile(profilesDir, environment)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return pipeline.Policy{}.Normalize()
		}
		return pipeline.Policy{}, err
	}
	return profile.Policy()
}
