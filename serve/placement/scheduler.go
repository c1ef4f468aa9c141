// Implements the PlacementScheduler: scores candidate nodes for a new model
// replica with a weighted sum of clamped [0,1] sub-scores, and proposes
// rebalancing moves between overloaded and underloaded nodes.

package placement

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/inference-serve/inference-serve/serve/internal/util"
)

// ErrNoFeasibleNode is returned by Place when every node fails a hard filter.
var ErrNoFeasibleNode = errors.New("no feasible node for placement")

// Request describes one replica to place. Ephemeral: one per decision.
type Request struct {
	ModelName            string
	WorkloadType         string // e.g. "llm", "embedding", "batch-etl"
	RequiresGPU          bool
	MinComputeCapability float64
	MemoryMB             int64
	GPUMemoryMB          int64
}

func (r Request) validate() error {
	if r.ModelName == "" {
		return fmt.Errorf("placement request: model name must not be empty")
	}
	if r.MemoryMB < 0 || r.GPUMemoryMB < 0 {
		return fmt.Errorf("placement request for %s: memory figures must not be negative", r.ModelName)
	}
	return nil
}

// Score is the outcome for one candidate node: the weighted composite plus
// the per-dimension sub-scores for attribution.
type Score struct {
	NodeID    string
	Score     float64
	Subscores map[string]float64
}

// Weights tunes the scoring dimensions. Zero value takes DefaultWeights.
type Weights struct {
	DeviceAffinity float64
	MemoryFit      float64
	GPUMemoryFit   float64
	Load           float64
	ColdStart      float64
}

// DefaultWeights mirrors the relative importance in the source scheduler:
// affinity and cold-start dominate, memory fits and load share the rest.
func DefaultWeights() Weights {
	return Weights{
		DeviceAffinity: 0.30,
		MemoryFit:      0.15,
		GPUMemoryFit:   0.15,
		Load:           0.20,
		ColdStart:      0.20,
	}
}

func (w Weights) isZero() bool {
	return w == Weights{}
}

// Move is one proposed rebalancing action.
type Move struct {
	Model    string
	FromNode string
	ToNode   string
	Reason   string
}

// Rebalance thresholds: nodes above overload are paired with the least-loaded
// node below underload.
const (
	defaultOverloadThreshold  = 0.85
	defaultUnderloadThreshold = 0.50
)

// Scheduler holds the node inventory and scoring weights. One mutex guards
// the node map; scoring reads under the lock and returns copies.
type Scheduler struct {
	mu        sync.Mutex
	nodes     map[string]*NodeInfo
	weights   Weights
	overload  float64
	underload float64
}

// New creates a Scheduler. Zero weights take DefaultWeights.
func New(weights Weights) *Scheduler {
	if weights.isZero() {
		weights = DefaultWeights()
	}
	return &Scheduler{
		nodes:     make(map[string]*NodeInfo),
		weights:   weights,
		overload:  defaultOverloadThreshold,
		underload: defaultUnderloadThreshold,
	}
}

// UpdateNode inserts or refreshes one node. Malformed input is rejected at
// the boundary, never silently ignored.
func (s *Scheduler) UpdateNode(n NodeInfo) error {
	if err := n.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := n
	copied.ResidentModels = append([]string(nil), n.ResidentModels...)
	s.nodes[n.ID] = &copied
	return nil
}

// RemoveNode drops a node from the inventory. Unknown IDs are a no-op.
func (s *Scheduler) RemoveNode(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodes, id)
}

// Nodes returns a snapshot of the inventory sorted by ID.
func (s *Scheduler) Nodes() []NodeInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]NodeInfo, 0, len(s.nodes))
	for _, n := range s.sortedLocked() {
		out = append(out, *n)
	}
	return out
}

// Place hard-filters the inventory, scores the survivors, and returns the
// highest-scoring node. Ties are broken by first occurrence in sorted-ID
// order. Returns ErrNoFeasibleNode when every node is filtered out.
func (s *Scheduler) Place(req Request) (*Score, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *Score
	for _, n := range s.sortedLocked() {
		if !s.feasibleLocked(req, n) {
			continue
		}
		score := s.scoreLocked(req, n)
		if best == nil || score.Score > best.Score {
			best = &score
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: model %s", ErrNoFeasibleNode, req.ModelName)
	}
	logrus.Debugf("placement: %s -> %s (score=%.3f)", req.ModelName, best.NodeID, best.Score)
	return best, nil
}

// feasibleLocked applies the hard filters: GPU required, GPU memory
// sufficient, minimum compute capability.
func (s *Scheduler) feasibleLocked(req Request, n *NodeInfo) bool {
	if req.RequiresGPU && !n.HasGPU() {
		return false
	}
	if req.GPUMemoryMB > 0 && n.AvailableGPUMemoryMB < req.GPUMemoryMB {
		return false
	}
	if req.MinComputeCapability > 0 && n.ComputeCapability < req.MinComputeCapability {
		return false
	}
	return true
}

// scoreLocked computes the weighted composite. Every sub-score is clamped to
// [0,1] before weighting.
func (s *Scheduler) scoreLocked(req Request, n *NodeInfo) Score {
	sub := map[string]float64{
		"device-affinity": deviceAffinity(req, n),
		"memory-fit":      memoryFit(req.MemoryMB, n.AvailableMemoryMB),
		"gpu-memory-fit":  memoryFit(req.GPUMemoryMB, n.AvailableGPUMemoryMB),
		"load":            util.Clamp01(1 - n.Load),
		"cold-start":      coldStart(req.ModelName, n),
	}
	w := s.weights
	composite := sub["device-affinity"]*w.DeviceAffinity +
		sub["memory-fit"]*w.MemoryFit +
		sub["gpu-memory-fit"]*w.GPUMemoryFit +
		sub["load"]*w.Load +
		sub["cold-start"]*w.ColdStart
	return Score{NodeID: n.ID, Score: composite, Subscores: sub}
}

// deviceAffinity boosts accelerator nodes for workload types that benefit
// from them, penalizes accelerator-hungry workloads on CPU-only nodes, and is
// neutral otherwise.
func deviceAffinity(req Request, n *NodeInfo) float64 {
	if !workloadBenefitsFromGPU(req.WorkloadType) {
		return 0.5
	}
	if n.HasGPU() {
		return 1.0
	}
	return 0.0
}

func workloadBenefitsFromGPU(workloadType string) bool {
	switch workloadType {
	case "llm", "embedding", "vision", "speech", "inference":
		return true
	default:
		return false
	}
}

// memoryFit returns 1 - requested/available, or 0 when the request does not
// fit. A zero request scores a perfect fit.
func memoryFit(requestedMB, availableMB int64) float64 {
	if requestedMB <= 0 {
		return 1.0
	}
	if availableMB <= 0 || requestedMB > availableMB {
		return 0.0
	}
	return util.Clamp01(1 - float64(requestedMB)/float64(availableMB))
}

// coldStart scores 1 when the model is already resident (no load cost) and 0
// when it would have to be pulled and loaded cold.
func coldStart(model string, n *NodeInfo) float64 {
	if n.Hosts(model) {
		return 1.0
	}
	return 0.0
}

// Rebalance pairs every node above the overload threshold with the
// least-loaded node below the underload threshold and proposes moving one
// resident model per overloaded node. Returns no moves when the cluster is
// balanced or no underloaded receiver exists.
func (s *Scheduler) Rebalance() []Move {
	s.mu.Lock()
	defer s.mu.Unlock()

	var overloaded []*NodeInfo
	var receiver *NodeInfo
	for _, n := range s.sortedLocked() {
		if n.Load > s.overload && len(n.ResidentModels) > 0 {
			overloaded = append(overloaded, n)
		}
		if n.Load < s.underload && (receiver == nil || n.Load < receiver.Load) {
			receiver = n
		}
	}
	if receiver == nil || len(overloaded) == 0 {
		return nil
	}
	// Most loaded donors first.
	sort.SliceStable(overloaded, func(i, j int) bool {
		return overloaded[i].Load > overloaded[j].Load
	})

	moves := make([]Move, 0, len(overloaded))
	for _, donor := range overloaded {
		if donor.ID == receiver.ID {
			continue
		}
		moves = append(moves, Move{
			Model:    donor.ResidentModels[0],
			FromNode: donor.ID,
			ToNode:   receiver.ID,
			Reason:   fmt.Sprintf("node %s load %.2f above %.2f, %s at %.2f", donor.ID, donor.Load, s.overload, receiver.ID, receiver.Load),
		})
	}
	return moves
}

// sortedLocked returns the nodes in ID order for deterministic iteration.
func (s *Scheduler) sortedLocked() []*NodeInfo {
	ids := make([]string, 0, len(s.nodes))
	for id := range s.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*NodeInfo, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.nodes[id])
	}
	return out
}
