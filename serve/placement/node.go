package placement

import (
	"fmt"
	"slices"
)

// NodeInfo is the scheduler's view of one physical node. It is mutated by
// periodic UpdateNode calls and never owned by a single placement request.
// Memory figures are abstract megabyte counts fed by the caller — there is no
// driver-level accounting here.
type NodeInfo struct {
	ID          string `yaml:"id"`
	DeviceClass string `yaml:"device_class"` // e.g. "gpu-h100", "cpu"

	TotalMemoryMB     int64 `yaml:"total_memory_mb"`
	AvailableMemoryMB int64 `yaml:"available_memory_mb"`

	TotalGPUMemoryMB     int64 `yaml:"total_gpu_memory_mb"` // 0 = no accelerator
	AvailableGPUMemoryMB int64 `yaml:"available_gpu_memory_mb"`

	Load              float64 `yaml:"load"`               // 0..1
	GPUUtilization    float64 `yaml:"gpu_utilization"`    // 0..1
	ComputeCapability float64 `yaml:"compute_capability"` // accelerator generation, e.g. 9.0

	ResidentModels []string `yaml:"resident_models"`
}

// HasGPU reports whether the node carries an accelerator.
func (n *NodeInfo) HasGPU() bool {
	return n.TotalGPUMemoryMB > 0
}

// Hosts reports whether model is already resident on the node.
func (n *NodeInfo) Hosts(model string) bool {
	return slices.Contains(n.ResidentModels, model)
}

// validate rejects malformed node updates at the call boundary.
func (n *NodeInfo) validate() error {
	if n.ID == "" {
		return fmt.Errorf("node ID must not be empty")
	}
	if n.Load < 0 || n.Load > 1 {
		return fmt.Errorf("node %s: load %.2f outside [0,1]", n.ID, n.Load)
	}
	if n.GPUUtilization < 0 || n.GPUUtilization > 1 {
		return fmt.Errorf("node %s: gpu utilization %.2f outside [0,1]", n.ID, n.GPUUtilization)
	}
	if n.TotalMemoryMB < 0 || n.AvailableMemoryMB < 0 || n.TotalGPUMemoryMB < 0 || n.AvailableGPUMemoryMB < 0 {
		return fmt.Errorf("node %s: memory figures must not be negative", n.ID)
	}
	if n.AvailableMemoryMB > n.TotalMemoryMB {
		return fmt.Errorf("node %s: available memory %d exceeds total %d", n.ID, n.AvailableMemoryMB, n.TotalMemoryMB)
	}
	if n.AvailableGPUMemoryMB > n.TotalGPUMemoryMB {
		return fmt.Errorf("node %s: available gpu memory %d exceeds total %d", n.ID, n.AvailableGPUMemoryMB, n.TotalGPUMemoryMB)
	}
	return nil
}
