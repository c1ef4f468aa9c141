package cmd

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/inference-serve/inference-serve/serve"
	"github.com/inference-serve/inference-serve/serve/autoscale"
)

// FileConfig is the on-disk YAML shape. Missing sections fall back to the
// per-component defaults.
type FileConfig struct {
	ControlPlane serve.ControlPlaneConfig `yaml:"control_plane"`
	Scaling      autoscale.ScalingPolicy  `yaml:"scaling_policy"`
}

// loadConfig reads path, or returns the zero config (all defaults) for an
// empty path.
func loadConfig(path string) (FileConfig, error) {
	var cfg FileConfig
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.ControlPlane.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}
