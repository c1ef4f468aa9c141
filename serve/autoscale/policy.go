package autoscale

import (
	"fmt"
	"time"
)

// ScalingPolicy is the immutable configuration for one Autoscaler.
// Per-replica targets are compared against windowed or caller-supplied
// metrics; thresholds are multiplicative slack around the target.
type ScalingPolicy struct {
	MinReplicas int `yaml:"min_replicas"`
	MaxReplicas int `yaml:"max_replicas"`

	// TargetConcurrency is the in-flight request count one replica should
	// carry. Scale-up triggers above TargetConcurrency × replicas × ScaleUpThreshold.
	TargetConcurrency float64 `yaml:"target_concurrency"`
	ScaleUpThreshold  float64 `yaml:"scale_up_threshold"`   // default 1.2
	ScaleDownThreshold float64 `yaml:"scale_down_threshold"` // default 0.5

	// TargetLatency scales up when the windowed mean latency exceeds it.
	// Zero disables the latency branch.
	TargetLatency time.Duration `yaml:"target_latency"`

	// TargetTokensPerSecond is the per-replica token throughput budget.
	// Zero disables the token branch.
	TargetTokensPerSecond float64 `yaml:"target_tokens_per_second"`

	// Accelerator-utilization bounds in [0,1]. Utilization above the upper
	// bound adds a replica; below the lower bound it is a scale-down signal.
	GPUUtilizationUpper float64 `yaml:"gpu_utilization_upper"` // default 0.85
	GPUUtilizationLower float64 `yaml:"gpu_utilization_lower"` // default 0.30

	// Cooldown is the minimum interval between applied scaling changes.
	Cooldown time.Duration `yaml:"cooldown"`
}

func (p ScalingPolicy) withDefaults() ScalingPolicy {
	if p.MinReplicas <= 0 {
		p.MinReplicas = 1
	}
	if p.MaxReplicas <= 0 {
		p.MaxReplicas = 10
	}
	if p.TargetConcurrency <= 0 {
		p.TargetConcurrency = 10
	}
	if p.ScaleUpThreshold <= 0 {
		p.ScaleUpThreshold = 1.2
	}
	if p.ScaleDownThreshold <= 0 {
		p.ScaleDownThreshold = 0.5
	}
	if p.GPUUtilizationUpper <= 0 {
		p.GPUUtilizationUpper = 0.85
	}
	if p.GPUUtilizationLower <= 0 {
		p.GPUUtilizationLower = 0.30
	}
	if p.Cooldown <= 0 {
		p.Cooldown = 60 * time.Second
	}
	return p
}

// Validate rejects inconsistent policies.
func (p ScalingPolicy) Validate() error {
	if p.MinReplicas < 0 || p.MaxReplicas < 0 {
		return fmt.Errorf("replica bounds must not be negative")
	}
	if p.MaxReplicas > 0 && p.MinReplicas > p.MaxReplicas {
		return fmt.Errorf("min_replicas %d exceeds max_replicas %d", p.MinReplicas, p.MaxReplicas)
	}
	if p.GPUUtilizationUpper > 1 || p.GPUUtilizationLower > 1 {
		return fmt.Errorf("gpu utilization bounds must be in [0,1]")
	}
	if p.GPUUtilizationLower > 0 && p.GPUUtilizationUpper > 0 && p.GPUUtilizationLower >= p.GPUUtilizationUpper {
		return fmt.Errorf("gpu_utilization_lower %.2f must be below gpu_utilization_upper %.2f",
			p.GPUUtilizationLower, p.GPUUtilizationUpper)
	}
	return nil
}

func (p ScalingPolicy) clamp(replicas int) int {
	if replicas < p.MinReplicas {
		return p.MinReplicas
	}
	if replicas > p.MaxReplicas {
		return p.MaxReplicas
	}
	return replicas
}
