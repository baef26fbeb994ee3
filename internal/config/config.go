// Package config loads the global run settings file consumed by
// cmd/stratum — not the migration plan itself (that arrives as a
// structured plan.MigrationPlan per spec.md §6), but the surrounding
// run configuration: parallelism, the state store path, and the
// default item settings merged under every plan item.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/stratum-dmt/stratum/internal/plan"
)

// RunConfig is the top-level YAML document.
type RunConfig struct {
	// StatePath is the embedded state store's on-disk location.
	StatePath string `yaml:"state_path"`
	// Parallelism bounds concurrent items; 0 means the executor's
	// default of min(4, item_count) (spec.md §5).
	Parallelism int `yaml:"parallelism"`
	// Defaults seeds plan.MigrationPlan.GlobalSettings for plans that
	// don't declare their own: batch_size applies when the plan file
	// sets no global_batch_size, and (when batch_size is set) an unset
	// global csv_id_column is filled in. Its boolean flags are not
	// applied.
	Defaults plan.Settings `yaml:"defaults"`
}

// Load reads and parses a RunConfig from path.
func Load(path string) (RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RunConfig{}, fmt.Errorf("config.Load: reading %s: %w", path, err)
	}
	var cfg RunConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return RunConfig{}, fmt.Errorf("config.Load: parsing %s: %w", path, err)
	}
	if cfg.Parallelism < 0 {
		return RunConfig{}, fmt.Errorf("config.Load: parallelism must be >= 0, got %d", cfg.Parallelism)
	}
	return cfg, nil
}
