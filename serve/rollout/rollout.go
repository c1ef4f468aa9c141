package rollout

import (
	"time"

	"github.com/inference-serve/inference-serve/serve"
)

// Phase is the lifecycle state of a rollout.
// pending → in_progress → {completed | rolled_back | failed};
// in_progress ↔ paused.
type Phase string

const (
	PhasePending    Phase = "pending"
	PhaseInProgress Phase = "in_progress"
	PhasePaused     Phase = "paused"
	PhaseCompleted  Phase = "completed"
	PhaseRolledBack Phase = "rolled_back"
	PhaseFailed     Phase = "failed"
)

// Terminal reports whether no further transitions are possible.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseCompleted, PhaseRolledBack, PhaseFailed:
		return true
	default:
		return false
	}
}

// Strategy selects how Advance raises the candidate's traffic share.
type Strategy string

const (
	// StrategyCanary raises traffic stepwise (default +10 points per advance).
	StrategyCanary Strategy = "canary"
	// StrategyBlueGreen cuts traffic over to 100% on the first healthy advance.
	StrategyBlueGreen Strategy = "blue-green"
)

// Config parameterizes one rollout.
type Config struct {
	SourceVersion string   `yaml:"source_version"`
	TargetVersion string   `yaml:"target_version"`
	Strategy      Strategy `yaml:"strategy"`        // default canary
	InitialPercent float64 `yaml:"initial_percent"` // default 10
	StepPercent    float64 `yaml:"step_percent"`    // default 10

	// LatencyThreshold and MinRequests feed serve.RollbackConfig; the error
	// rate delta is fixed at 5 percentage points by the router.
	LatencyThreshold float64 `yaml:"latency_threshold"` // default 0.25
	MinRequests      int64   `yaml:"min_requests"`      // default 10
}

func (c Config) withDefaults() Config {
	if c.Strategy == "" {
		c.Strategy = StrategyCanary
	}
	if c.InitialPercent <= 0 {
		c.InitialPercent = 10
	}
	if c.StepPercent <= 0 {
		c.StepPercent = 10
	}
	if c.LatencyThreshold <= 0 {
		c.LatencyThreshold = 0.25
	}
	if c.MinRequests <= 0 {
		c.MinRequests = 10
	}
	return c
}

// MetricsSnapshot is one point of the rollout's timestamped metric history,
// appended on every advance.
type MetricsSnapshot struct {
	At        time.Time
	Percent   float64
	Candidate serve.TargetStats
	Baseline  serve.TargetStats
}

// Rollout is the engine's record for one staged version change. Engine
// methods return copies; only the engine mutates the stored value.
type Rollout struct {
	ID     string
	Config Config

	Percent       float64
	Step          int
	Phase         Phase
	History       []MetricsSnapshot
	FailureReason string

	StartedAt time.Time
	UpdatedAt time.Time
}
