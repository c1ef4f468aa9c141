// Implements the TrafficRouter: per-request selection of a model version
// during staged rollouts, plus per-version health tracking that feeds the
// rollback decision.

package serve

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"
)

// RoutingStrategy selects how Route picks a target version.
type RoutingStrategy string

const (
	// StrategyWeighted draws a target at random proportionally to its weight.
	// Used for canary and default routing.
	StrategyWeighted RoutingStrategy = "weighted"
	// StrategyDeterministic maps (experiment key, request key) to a stable
	// target — the same request key always lands in the same A/B arm.
	StrategyDeterministic RoutingStrategy = "deterministic"
	// StrategyShadow always returns the primary (highest-weight) target; a
	// configured shadow callback is invoked fire-and-forget for the secondary.
	StrategyShadow RoutingStrategy = "shadow"
)

// stickyBucketReplicas fixes the ring density for RouteSticky. Target-set
// changes redistribute only ~1/n of keys.
const stickyBucketReplicas = 128

// RouteTarget is one routable model version. Counters are guarded by the
// router's lock; read them through Stats.
type RouteTarget struct {
	Version string
	Weight  float64 // normalized so all weights sum to 1

	rawWeight    float64 // as passed to SetTarget, before normalization
	requests     int64
	errors       int64
	totalLatency time.Duration
}

// TargetStats is a point-in-time copy of one target's health counters.
type TargetStats struct {
	Version     string
	Weight      float64
	Requests    int64
	Errors      int64
	ErrorRate   float64
	MeanLatency time.Duration
}

// RollbackConfig parameterizes ShouldRollback.
type RollbackConfig struct {
	Baseline  string  // version label of the stable target
	Candidate string  // version label of the target under evaluation
	// LatencyThreshold is the tolerated fractional latency excess: rollback
	// triggers when candidate mean latency > baseline mean × (1 + threshold).
	LatencyThreshold float64
	// MinRequests is the candidate sample size required before any
	// comparison; below it ShouldRollback always returns false (default 10).
	MinRequests int64
}

// errorRateRollbackDelta is the absolute error-rate excess (5 percentage
// points) over baseline that triggers rollback.
const errorRateRollbackDelta = 0.05

// TrafficRouter maintains named targets with normalized weights and selects
// one per request. All mutations renormalize weights so they always sum to 1.
type TrafficRouter struct {
	mu            sync.Mutex
	strategy      RoutingStrategy
	experimentKey string
	targets       map[string]*RouteTarget
	sorted        []string // sorted version labels, kept in sync with targets
	ring          *ConsistentHash
	rng           *rand.Rand

	// shadowFn, when set with StrategyShadow, receives the secondary target
	// and the request key on its own goroutine. Errors there never surface.
	shadowFn func(version, requestKey string)
}

// NewTrafficRouter creates an empty router. experimentKey salts deterministic
// routing (ignored by other strategies). seed fixes the weighted draw sequence;
// 0 seeds from the clock.
func NewTrafficRouter(strategy RoutingStrategy, experimentKey string, seed int64) (*TrafficRouter, error) {
	switch strategy {
	case StrategyWeighted, StrategyDeterministic, StrategyShadow:
	default:
		return nil, fmt.Errorf("unknown routing strategy %q", strategy)
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &TrafficRouter{
		strategy:      strategy,
		experimentKey: experimentKey,
		targets:       make(map[string]*RouteTarget),
		ring:          NewConsistentHash(stickyBucketReplicas),
		rng:           rand.New(rand.NewSource(seed)),
	}, nil
}

// SetShadowFunc installs the fire-and-forget secondary call for shadow mode.
func (r *TrafficRouter) SetShadowFunc(fn func(version, requestKey string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shadowFn = fn
}

// SetTarget adds or updates a target with the given raw weight and
// renormalizes the whole set. Health counters survive weight updates.
func (r *TrafficRouter) SetTarget(version string, weight float64) error {
	if version == "" {
		return fmt.Errorf("target version must not be empty")
	}
	if weight < 0 {
		return fmt.Errorf("target %s: weight must not be negative", version)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.targets[version]
	if !ok {
		t = &RouteTarget{Version: version}
		r.targets[version] = t
		r.ring.Add(version)
	}
	t.rawWeight = weight
	r.rebuildLocked()
	return nil
}

// RemoveTarget retires a version from routing and renormalizes the remainder.
// Removing an absent version is a no-op.
func (r *TrafficRouter) RemoveTarget(version string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.targets[version]; !ok {
		return
	}
	delete(r.targets, version)
	r.ring.Remove(version)
	r.rebuildLocked()
}

// rebuildLocked refreshes the sorted label list and recomputes normalized
// weights from the raw weights so they sum to 1. A set whose raw weights are
// all zero is split evenly.
func (r *TrafficRouter) rebuildLocked() {
	r.sorted = r.sorted[:0]
	total := 0.0
	for v, t := range r.targets {
		r.sorted = append(r.sorted, v)
		total += t.rawWeight
	}
	sort.Strings(r.sorted)
	n := len(r.sorted)
	if n == 0 {
		return
	}
	for _, t := range r.targets {
		if total > 0 {
			t.Weight = t.rawWeight / total
		} else {
			t.Weight = 1.0 / float64(n)
		}
	}
}

// Route selects a target version for requestKey according to the strategy.
// Errors only when no targets exist.
func (r *TrafficRouter) Route(requestKey string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sorted) == 0 {
		return "", fmt.Errorf("no route targets registered")
	}
	switch r.strategy {
	case StrategyDeterministic:
		h := xxhash.Sum64String(r.experimentKey + "/" + requestKey)
		return r.sorted[h%uint64(len(r.sorted))], nil
	case StrategyShadow:
		primary, secondary := r.primaryLocked()
		if secondary != "" && r.shadowFn != nil {
			fn := r.shadowFn
			go fn(secondary, requestKey)
		}
		return primary, nil
	default: // StrategyWeighted
		return r.weightedDrawLocked(), nil
	}
}

// RouteSticky maps key onto a target via consistent hashing: the same key
// always yields the same target while the target set is unchanged, and set
// changes redistribute only ~1/n of keys.
func (r *TrafficRouter) RouteSticky(key string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	target, ok := r.ring.Get(key)
	if !ok {
		return "", fmt.Errorf("no route targets registered")
	}
	return target, nil
}

// weightedDrawLocked walks the cumulative weight distribution in sorted-label
// order. Weights sum to 1, so the final target absorbs rounding residue.
func (r *TrafficRouter) weightedDrawLocked() string {
	draw := r.rng.Float64()
	cumulative := 0.0
	for _, v := range r.sorted {
		cumulative += r.targets[v].Weight
		if draw < cumulative {
			return v
		}
	}
	return r.sorted[len(r.sorted)-1]
}

// primaryLocked returns the highest-weight target (ties broken by sorted
// order) and the highest-weight remaining target as the shadow secondary.
func (r *TrafficRouter) primaryLocked() (primary, secondary string) {
	bestW, secondW := -1.0, -1.0
	for _, v := range r.sorted {
		w := r.targets[v].Weight
		if w > bestW {
			secondary, secondW = primary, bestW
			primary, bestW = v, w
		} else if w > secondW {
			secondary, secondW = v, w
		}
	}
	return primary, secondary
}

// RecordResult feeds one completed request's outcome into the target's health
// counters. Unknown versions are dropped with a warning rather than invented.
func (r *TrafficRouter) RecordResult(version string, latency time.Duration, isError bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.targets[version]
	if !ok {
		logrus.Warnf("traffic router: result for unknown target %q dropped", version)
		return
	}
	t.requests++
	t.totalLatency += latency
	if isError {
		t.errors++
	}
}

// Stats returns a snapshot of every target in sorted-label order.
func (r *TrafficRouter) Stats() []TargetStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TargetStats, 0, len(r.sorted))
	for _, v := range r.sorted {
		out = append(out, r.statsLocked(v))
	}
	return out
}

// TargetStats returns the snapshot for one version.
func (r *TrafficRouter) TargetStats(version string) (TargetStats, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.targets[version]; !ok {
		return TargetStats{}, false
	}
	return r.statsLocked(version), true
}

func (r *TrafficRouter) statsLocked(version string) TargetStats {
	t := r.targets[version]
	s := TargetStats{
		Version:  t.Version,
		Weight:   t.Weight,
		Requests: t.requests,
		Errors:   t.errors,
	}
	if t.requests > 0 {
		s.ErrorRate = float64(t.errors) / float64(t.requests)
		s.MeanLatency = t.totalLatency / time.Duration(t.requests)
	}
	return s
}

// ShouldRollback compares the candidate target against the baseline once the
// candidate has accumulated the minimum sample size. It signals rollback when
// candidate mean latency exceeds baseline by more than the configured
// fraction, or candidate error rate exceeds baseline error rate by more than
// 5 percentage points.
func (r *TrafficRouter) ShouldRollback(cfg RollbackConfig) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.targets[cfg.Candidate]; !ok {
		return false
	}
	if _, ok := r.targets[cfg.Baseline]; !ok {
		return false
	}
	minRequests := cfg.MinRequests
	if minRequests <= 0 {
		minRequests = 10
	}
	cand := r.statsLocked(cfg.Candidate)
	base := r.statsLocked(cfg.Baseline)
	if cand.Requests < minRequests || base.Requests == 0 {
		return false
	}
	if base.MeanLatency > 0 {
		limit := time.Duration(float64(base.MeanLatency) * (1 + cfg.LatencyThreshold))
		if cand.MeanLatency > limit {
			logrus.Warnf("rollback check: candidate %s mean latency %v exceeds baseline %v by more than %.0f%%",
				cfg.Candidate, cand.MeanLatency, base.MeanLatency, cfg.LatencyThreshold*100)
			return true
		}
	}
	if cand.ErrorRate > base.ErrorRate+errorRateRollbackDelta {
		logrus.Warnf("rollback check: candidate %s error rate %.3f exceeds baseline %.3f by more than %.0fpp",
			cfg.Candidate, cand.ErrorRate, base.ErrorRate, errorRateRollbackDelta*100)
		return true
	}
	return false
}
