// Package config holds the engine's named tunables.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Tunables are the numeric constants the engine's protocols depend on. The
// defaults match common kernel builds; targets with unusual clock speeds or
// huge task counts can override them from a YAML file.
type Tunables struct {
	// FillPattern is the 32-bit word unused stack memory is pre-filled with.
	FillPattern uint32 `yaml:"fill_pattern"`
	// MaxWatchBytes bounds the incremental re-check window around a stack's
	// high-water border.
	MaxWatchBytes uint64 `yaml:"max_watch_bytes"`
	// DiscoveryPasses caps reconciliation sweeps per refresh. Empirical
	// tradeoff between responsiveness and staleness tolerance.
	DiscoveryPasses int `yaml:"discovery_passes"`
	// SanityMaxTasks is the hard upper bound on a believable task count.
	SanityMaxTasks int `yaml:"sanity_max_tasks"`
	// GracePeriodMS keeps a vanished task's record alive this long before
	// removal, absorbing single-sweep list-walk races.
	GracePeriodMS int `yaml:"grace_period_ms"`
}

// Default returns the stock tunables.
func Default() Tunables {
	return Tunables{
		FillPattern:     0xA5A5A5A5,
		MaxWatchBytes:   256,
		DiscoveryPasses: 3,
		SanityMaxTasks:  4096,
		GracePeriodMS:   1000,
	}
}

// Load reads overrides from a YAML file on top of the defaults.
func Load(path string) (Tunables, error) {
	t := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return t, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &t); err != nil {
		return t, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := t.Validate(); err != nil {
		return t, err
	}
	return t, nil
}

// Validate rejects settings the protocols cannot run with.
func (t Tunables) Validate() error {
	if t.DiscoveryPasses < 1 {
		return fmt.Errorf("config: discovery_passes must be >= 1, got %d", t.DiscoveryPasses)
	}
	if t.SanityMaxTasks < 1 {
		return fmt.Errorf("config: sanity_max_tasks must be >= 1, got %d", t.SanityMaxTasks)
	}
	if t.GracePeriodMS < 0 {
		return fmt.Errorf("config: grace_period_ms must be >= 0, got %d", t.GracePeriodMS)
	}
	return nil
}

// GracePeriod returns the missing-task grace period as a duration.
func (t Tunables) GracePeriod() time.Duration {
	return time.Duration(t.GracePeriodMS) * time.Millisecond
}
