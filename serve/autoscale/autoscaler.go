// Implements the Autoscaler: turns windowed per-request observations into a
// replica-count decision under a strict signal priority and a cooldown.

package autoscale

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inference-serve/inference-serve/serve"
)

// Observation is one completed request's contribution to the windows.
// Tokens and GPUUtilization are optional; zero means "not reported".
type Observation struct {
	Latency        time.Duration
	Err            bool
	Tokens         int
	GPUUtilization float64 // 0..1
}

// Metrics is an explicit snapshot handed to Evaluate. Non-zero fields win
// over window-derived values; zero fields are filled from the windows.
type Metrics struct {
	Concurrency     float64
	MeanLatency     time.Duration
	TokensPerSecond float64
	GPUUtilization  float64
}

// Decision is the ephemeral output of one Evaluate call. It takes effect
// only when passed to Apply.
type Decision struct {
	CurrentReplicas int
	DesiredReplicas int
	Reason          string
	At              time.Time
}

// windowHorizon and windowBuckets size the trailing observation windows.
// 30s at 1s resolution tracks the source system's metric window.
const (
	windowHorizon = 30 * time.Second
	windowBuckets = 30
)

// Autoscaler ingests a stream of per-request observations and periodically
// proposes a replica count. Signal priority, strongest first: accelerator
// utilization, token throughput (if configured), concurrency, latency,
// scale-down, steady state. Every proposed change is gated by the policy
// cooldown; Apply is the only mutator of the authoritative replica count.
type Autoscaler struct {
	policy ScalingPolicy

	mu         sync.Mutex
	current    int
	lastScaled time.Time

	latency  *serve.SlidingWindow // per-request latency (seconds) + error flags
	arrivals *serve.SlidingWindow // request completions, for rate
	tokens   *serve.SlidingWindow // token counts
	gpu      *serve.SlidingWindow // accelerator utilization samples

	nowFn func() time.Time // test seam
}

// New creates an Autoscaler starting at the policy's minimum replica count.
func New(policy ScalingPolicy) (*Autoscaler, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	policy = policy.withDefaults()
	return &Autoscaler{
		policy:   policy,
		current:  policy.MinReplicas,
		latency:  serve.NewSlidingWindow(windowHorizon, windowBuckets),
		arrivals: serve.NewSlidingWindow(windowHorizon, windowBuckets),
		tokens:   serve.NewSlidingWindow(windowHorizon, windowBuckets),
		gpu:      serve.NewSlidingWindow(windowHorizon, windowBuckets),
		nowFn:    time.Now,
	}, nil
}

// Policy returns the immutable scaling policy.
func (a *Autoscaler) Policy() ScalingPolicy { return a.policy }

// CurrentReplicas returns the authoritative replica count.
func (a *Autoscaler) CurrentReplicas() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// Observe records one completed request into the windows.
func (a *Autoscaler) Observe(o Observation) {
	a.latency.Observe(o.Latency.Seconds(), o.Err)
	a.arrivals.Observe(1, o.Err)
	if o.Tokens > 0 {
		a.tokens.Observe(float64(o.Tokens), false)
	}
	if o.GPUUtilization > 0 {
		a.gpu.Observe(o.GPUUtilization, false)
	}
}

// Evaluate merges explicit metrics with window-derived ones (explicit wins)
// and proposes a replica count. The decision does not take effect until Apply.
func (a *Autoscaler) Evaluate(explicit Metrics) Decision {
	a.mu.Lock()
	defer a.mu.Unlock()

	m := a.mergeLocked(explicit)
	now := a.nowFn()
	current := a.current
	p := a.policy

	desired, reason := a.proposeLocked(m, current)
	desired = p.clamp(desired)

	if desired != current && a.cooldownActiveLocked(now) {
		remaining := p.Cooldown - now.Sub(a.lastScaled)
		logrus.Debugf("autoscaler: holding %d replicas, cooldown active for another %v", current, remaining)
		return Decision{
			CurrentReplicas: current,
			DesiredReplicas: current,
			Reason:          fmt.Sprintf("cooldown active for another %v (wanted %d: %s)", remaining.Round(time.Second), desired, reason),
			At:              now,
		}
	}
	return Decision{
		CurrentReplicas: current,
		DesiredReplicas: desired,
		Reason:          reason,
		At:              now,
	}
}

// Apply commits a decision: it is the only place the authoritative replica
// count changes, and it resets the cooldown clock on any change.
func (a *Autoscaler) Apply(d Decision) {
	a.mu.Lock()
	defer a.mu.Unlock()
	desired := a.policy.clamp(d.DesiredReplicas)
	if desired == a.current {
		return
	}
	logrus.Infof("autoscaler: scaling %d -> %d (%s)", a.current, desired, d.Reason)
	a.current = desired
	a.lastScaled = a.nowFn()
}

// mergeLocked fills zero fields of explicit from the windows.
// Concurrency is estimated from Little's law: arrival rate × mean latency.
func (a *Autoscaler) mergeLocked(explicit Metrics) Metrics {
	m := explicit
	meanLatency := a.latency.Mean() // seconds
	if m.MeanLatency == 0 {
		m.MeanLatency = time.Duration(meanLatency * float64(time.Second))
	}
	if m.Concurrency == 0 {
		m.Concurrency = a.arrivals.Rate() * meanLatency
	}
	if m.TokensPerSecond == 0 {
		m.TokensPerSecond = a.tokens.Sum() / windowHorizon.Seconds()
	}
	if m.GPUUtilization == 0 {
		m.GPUUtilization = a.gpu.Mean()
	}
	return m
}

// proposeLocked walks the priority chain and returns the first triggered
// branch's proposal.
func (a *Autoscaler) proposeLocked(m Metrics, current int) (int, string) {
	p := a.policy

	// 1. Accelerator utilization thresholds.
	if m.GPUUtilization > p.GPUUtilizationUpper {
		return current + 1, fmt.Sprintf("gpu utilization %.2f above %.2f", m.GPUUtilization, p.GPUUtilizationUpper)
	}

	// 2. Token throughput, when configured.
	if p.TargetTokensPerSecond > 0 {
		budget := p.TargetTokensPerSecond * float64(current)
		if m.TokensPerSecond > budget*p.ScaleUpThreshold {
			desired := int(math.Ceil(m.TokensPerSecond / p.TargetTokensPerSecond))
			return desired, fmt.Sprintf("token throughput %.0f/s above budget %.0f/s", m.TokensPerSecond, budget)
		}
	}

	// 3. Concurrency threshold.
	capacity := p.TargetConcurrency * float64(current)
	if m.Concurrency > capacity*p.ScaleUpThreshold {
		desired := int(math.Ceil(m.Concurrency / p.TargetConcurrency))
		return desired, fmt.Sprintf("concurrency %.1f above capacity %.1f", m.Concurrency, capacity)
	}

	// 4. Latency threshold.
	if p.TargetLatency > 0 && m.MeanLatency > p.TargetLatency {
		return current + 1, fmt.Sprintf("mean latency %v above target %v", m.MeanLatency.Round(time.Millisecond), p.TargetLatency)
	}

	// 5. Scale-down: low concurrency and cold accelerators.
	if current > p.MinReplicas &&
		m.Concurrency < capacity*p.ScaleDownThreshold &&
		m.GPUUtilization < p.GPUUtilizationLower {
		desired := int(math.Ceil(m.Concurrency / p.TargetConcurrency))
		if desired >= current {
			desired = current - 1
		}
		return desired, fmt.Sprintf("concurrency %.1f below %.0f%% of capacity", m.Concurrency, p.ScaleDownThreshold*100)
	}

	return current, "steady state"
}

func (a *Autoscaler) cooldownActiveLocked(now time.Time) bool {
	return !a.lastScaled.IsZero() && now.Sub(a.lastScaled) < a.policy.Cooldown
}
