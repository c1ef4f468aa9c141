// Implements the RolloutEngine: drives multi-step canary/blue-green rollouts,
// advancing or rolling back TrafficRouter weights based on target health.

package rollout

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/inference-serve/inference-serve/serve"
)

var (
	// ErrNotFound is returned for unknown rollout IDs.
	ErrNotFound = errors.New("rollout not found")
	// ErrNotInProgress rejects Advance on a rollout outside in_progress.
	ErrNotInProgress = errors.New("rollout not in progress")
)

// Engine owns every rollout's state and is the only mutator of it. Weight
// changes flow through the shared TrafficRouter; health flows back through
// the router's per-target counters. State is not persisted — a restart loses
// rollout progress by design.
type Engine struct {
	router  *serve.TrafficRouter
	metrics *serve.Metrics // optional

	mu       sync.Mutex
	rollouts map[string]*Rollout

	tickStop chan struct{}
	tickDone chan struct{}

	nowFn func() time.Time // test seam
}

// NewEngine creates an engine driving the given router. metrics may be nil.
func NewEngine(router *serve.TrafficRouter, metrics *serve.Metrics) *Engine {
	return &Engine{
		router:   router,
		metrics:  metrics,
		rollouts: make(map[string]*Rollout),
		nowFn:    time.Now,
	}
}

// Start validates the config, registers the source/target pair on the router
// at the initial percentage, and moves the rollout to in_progress.
func (e *Engine) Start(cfg Config) (Rollout, error) {
	if cfg.SourceVersion == "" || cfg.TargetVersion == "" {
		return Rollout{}, fmt.Errorf("rollout: source and target versions must not be empty")
	}
	if cfg.SourceVersion == cfg.TargetVersion {
		return Rollout{}, fmt.Errorf("rollout: source and target must differ")
	}
	switch cfg.Strategy {
	case "", StrategyCanary, StrategyBlueGreen:
	default:
		return Rollout{}, fmt.Errorf("rollout: unknown strategy %q", cfg.Strategy)
	}
	cfg = cfg.withDefaults()
	if cfg.InitialPercent > 100 {
		return Rollout{}, fmt.Errorf("rollout: initial percent %.1f above 100", cfg.InitialPercent)
	}

	now := e.nowFn()
	r := &Rollout{
		ID:        uuid.NewString(),
		Config:    cfg,
		Phase:     PhasePending,
		StartedAt: now,
		UpdatedAt: now,
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.applyWeightsLocked(r, cfg.InitialPercent); err != nil {
		r.Phase = PhaseFailed
		r.FailureReason = err.Error()
		e.rollouts[r.ID] = r
		return *r, err
	}
	r.Percent = cfg.InitialPercent
	r.Phase = PhaseInProgress
	e.rollouts[r.ID] = r
	logrus.Infof("rollout %s: %s -> %s started at %.0f%% (%s)", r.ID, cfg.SourceVersion, cfg.TargetVersion, r.Percent, cfg.Strategy)
	return *r, nil
}

// Advance checks candidate health first: a triggered rollback restores 100%
// traffic to the source and returns the rolled_back record without error.
// Otherwise it raises the candidate's percentage by the configured step (or
// to the explicit pct when > 0), appends a metrics snapshot, and completes
// the rollout once the percentage reaches 100.
func (e *Engine) Advance(id string, pct float64) (Rollout, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, err := e.inProgressLocked(id)
	if err != nil {
		return Rollout{}, err
	}

	if e.router.ShouldRollback(e.rollbackConfig(r)) {
		e.rollbackLocked(r, "candidate health regression")
		return *r, nil
	}

	next := r.Percent + r.Config.StepPercent
	if pct > 0 {
		next = pct
	}
	if r.Config.Strategy == StrategyBlueGreen {
		next = 100
	}
	if next > 100 {
		next = 100
	}
	if err := e.applyWeightsLocked(r, next); err != nil {
		return Rollout{}, err
	}
	r.Percent = next
	r.Step++
	r.UpdatedAt = e.nowFn()
	e.snapshotLocked(r)
	logrus.Infof("rollout %s: advanced to %.0f%% (step %d)", r.ID, r.Percent, r.Step)

	if r.Percent >= 100 {
		e.completeLocked(r)
	}
	return *r, nil
}

// Rollback restores 100% traffic to the source version. Callable directly on
// any in_progress or paused rollout.
func (e *Engine) Rollback(id, reason string) (Rollout, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rollouts[id]
	if !ok {
		return Rollout{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if r.Phase.Terminal() {
		return Rollout{}, fmt.Errorf("%w: %s is %s", ErrNotInProgress, id, r.Phase)
	}
	e.rollbackLocked(r, reason)
	return *r, nil
}

// Complete promotes the target to 100% and retires the source immediately.
func (e *Engine) Complete(id string) (Rollout, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, err := e.inProgressLocked(id)
	if err != nil {
		return Rollout{}, err
	}
	if err := e.applyWeightsLocked(r, 100); err != nil {
		return Rollout{}, err
	}
	r.Percent = 100
	e.completeLocked(r)
	return *r, nil
}

// Pause suspends advancement; traffic weights stay where they are.
func (e *Engine) Pause(id string) (Rollout, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, err := e.inProgressLocked(id)
	if err != nil {
		return Rollout{}, err
	}
	r.Phase = PhasePaused
	r.UpdatedAt = e.nowFn()
	logrus.Infof("rollout %s: paused at %.0f%%", r.ID, r.Percent)
	return *r, nil
}

// Resume returns a paused rollout to in_progress.
func (e *Engine) Resume(id string) (Rollout, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rollouts[id]
	if !ok {
		return Rollout{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if r.Phase != PhasePaused {
		return Rollout{}, fmt.Errorf("rollout %s is %s, not paused", id, r.Phase)
	}
	r.Phase = PhaseInProgress
	r.UpdatedAt = e.nowFn()
	return *r, nil
}

// Get returns a copy of one rollout.
func (e *Engine) Get(id string) (Rollout, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rollouts[id]
	if !ok {
		return Rollout{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *r, nil
}

// List returns copies of every rollout, newest first.
func (e *Engine) List() []Rollout {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Rollout, 0, len(e.rollouts))
	for _, r := range e.rollouts {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// StartAutoAdvance launches a ticker that calls Advance on every in_progress
// rollout each interval. Stop with StopAutoAdvance.
func (e *Engine) StartAutoAdvance(interval time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tickStop != nil {
		return fmt.Errorf("auto-advance already running")
	}
	if interval <= 0 {
		return fmt.Errorf("auto-advance interval must be positive")
	}
	e.tickStop = make(chan struct{})
	e.tickDone = make(chan struct{})
	go e.tickLoop(interval, e.tickStop, e.tickDone)
	return nil
}

// StopAutoAdvance halts the ticker and waits for it to exit.
func (e *Engine) StopAutoAdvance() {
	e.mu.Lock()
	if e.tickStop == nil {
		e.mu.Unlock()
		return
	}
	stop, done := e.tickStop, e.tickDone
	e.tickStop, e.tickDone = nil, nil
	e.mu.Unlock()
	close(stop)
	<-done
}

func (e *Engine) tickLoop(interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, r := range e.List() {
				if r.Phase != PhaseInProgress {
					continue
				}
				if _, err := e.Advance(r.ID, 0); err != nil {
					logrus.Warnf("rollout %s: auto-advance failed: %v", r.ID, err)
				}
			}
		}
	}
}

func (e *Engine) inProgressLocked(id string) (*Rollout, error) {
	r, ok := e.rollouts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if r.Phase != PhaseInProgress {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotInProgress, id, r.Phase)
	}
	return r, nil
}

// applyWeightsLocked sets the router's source/target weights for pct.
// Weights renormalize router-side, so raw percentages are fine.
func (e *Engine) applyWeightsLocked(r *Rollout, pct float64) error {
	if err := e.router.SetTarget(r.Config.TargetVersion, pct/100); err != nil {
		return err
	}
	if err := e.router.SetTarget(r.Config.SourceVersion, 1-pct/100); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.RolloutPercent.WithLabelValues(r.ID).Set(pct)
	}
	return nil
}

func (e *Engine) rollbackConfig(r *Rollout) serve.RollbackConfig {
	return serve.RollbackConfig{
		Baseline:         r.Config.SourceVersion,
		Candidate:        r.Config.TargetVersion,
		LatencyThreshold: r.Config.LatencyThreshold,
		MinRequests:      r.Config.MinRequests,
	}
}

func (e *Engine) rollbackLocked(r *Rollout, reason string) {
	// Source back to full traffic, candidate retired.
	if err := e.router.SetTarget(r.Config.SourceVersion, 1); err != nil {
		logrus.Warnf("rollout %s: restoring source weight: %v", r.ID, err)
	}
	e.router.RemoveTarget(r.Config.TargetVersion)
	r.Phase = PhaseRolledBack
	r.FailureReason = reason
	r.UpdatedAt = e.nowFn()
	if e.metrics != nil {
		e.metrics.RolloutPercent.WithLabelValues(r.ID).Set(0)
	}
	logrus.Warnf("rollout %s: rolled back (%s), source %s restored to 100%%", r.ID, reason, r.Config.SourceVersion)
}

func (e *Engine) completeLocked(r *Rollout) {
	e.router.RemoveTarget(r.Config.SourceVersion)
	r.Phase = PhaseCompleted
	r.UpdatedAt = e.nowFn()
	if e.metrics != nil {
		e.metrics.RolloutPercent.WithLabelValues(r.ID).Set(100)
	}
	logrus.Infof("rollout %s: completed, %s retired", r.ID, r.Config.SourceVersion)
}

func (e *Engine) snapshotLocked(r *Rollout) {
	cand, _ := e.router.TargetStats(r.Config.TargetVersion)
	base, _ := e.router.TargetStats(r.Config.SourceVersion)
	r.History = append(r.History, MetricsSnapshot{
		At:        e.nowFn(),
		Percent:   r.Percent,
		Candidate: cand,
		Baseline:  base,
	})
}
