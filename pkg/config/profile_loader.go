package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// PolicyProfile is a named settlement-policy preset loadable from YAML.
// Profiles only seed tenant defaults; the policy actually bound to an
// agreement is hashed at bind time and replayed from that hash.
type PolicyProfile struct {
	Name                string `yaml:"name" json:"name"`
	Mode                string `yaml:"mode" json:"mode"` // "automatic" | "manual"
	GreenReleaseRatePct int    `yaml:"green_release_rate_pct" json:"green_release_rate_pct"`
	AmberReleaseRatePct int    `yaml:"amber_release_rate_pct" json:"amber_release_rate_pct"`
	RedReleaseRatePct   int    `yaml:"red_release_rate_pct" json:"red_release_rate_pct"`
	DisputeWindowHours  int    `yaml:"dispute_window_hours" json:"dispute_window_hours"`
}

// LoadProfiles reads every *.yaml profile in dir, keyed by profile name.
func LoadProfiles(dir string) (map[string]PolicyProfile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("config: reading profile dir: %w", err)
	}

	profiles := make(map[string]PolicyProfile)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("config: reading profile %s: %w", entry.Name(), err)
		}
		var p PolicyProfile
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("config: parsing profile %s: %w", entry.Name(), err)
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("config: profile %s: %w", entry.Name(), err)
		}
		profiles[p.Name] = p
	}
	return profiles, nil
}

// Validate checks rate bounds and mode.
func (p PolicyProfile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("profile name is required")
	}
	if p.Mode != "automatic" && p.Mode != "manual" {
		return fmt.Errorf("mode must be automatic or manual, got %q", p.Mode)
	}
	for _, pct := range []int{p.GreenReleaseRatePct, p.AmberReleaseRatePct, p.RedReleaseRatePct} {
		if pct < 0 || pct > 100 {
			return fmt.Errorf("release rate %d out of range [0,100]", pct)
		}
	}
	if p.DisputeWindowHours < 0 {
		return fmt.Errorf("dispute window hours must be non-negative")
	}
	return nil
}
