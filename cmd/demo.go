package cmd

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inference-serve/inference-serve/serve"
	"github.com/inference-serve/inference-serve/serve/autoscale"
	"github.com/inference-serve/inference-serve/serve/placement"
	"github.com/inference-serve/inference-serve/serve/rollout"
)

// demoCmd pushes synthetic traffic through the full control plane: facade
// gates and batching, autoscaler evaluation, placement, and one canary
// rollout. It is an exercise surface for the library, not a serving endpoint.
var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run synthetic traffic through the control plane and print its decisions",
	RunE: func(cmd *cobra.Command, args []string) error {
		setupLogging()
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		return runDemo(cfg)
	},
}

// stubRuntime echoes payloads after a small simulated step time and fails a
// configurable fraction of requests.
type stubRuntime struct {
	mu        sync.Mutex
	rng       *rand.Rand
	errorRate float64
}

func (s *stubRuntime) Infer(_ context.Context, batch *serve.Batch) ([]serve.RequestResult, error) {
	time.Sleep(time.Duration(2+batch.Size()) * time.Millisecond)
	results := make([]serve.RequestResult, 0, batch.Size())
	for _, req := range batch.Requests {
		s.mu.Lock()
		failed := s.rng.Float64() < s.errorRate
		s.mu.Unlock()
		if failed {
			results = append(results, serve.RequestResult{RequestID: req.ID, Err: fmt.Errorf("synthetic failure")})
			continue
		}
		results = append(results, serve.RequestResult{RequestID: req.ID, Output: req.Payload})
	}
	return results, nil
}

func runDemo(cfg FileConfig) error {
	registry := prometheus.NewRegistry()
	metrics := serve.NewMetrics(registry)

	// The limiter default (100 tokens/s) would reject token-costed synthetic
	// traffic outright; size it to the demo load unless the config file says
	// otherwise.
	if cfg.ControlPlane.Limiter == (serve.RateLimiterConfig{}) {
		cfg.ControlPlane.Limiter = serve.RateLimiterConfig{
			Capacity: float64(demoRequests * demoTokensMean),
			Rate:     float64(demoConcurrency * demoTokensMean * 10),
		}
	}

	runtime := &stubRuntime{rng: rand.New(rand.NewSource(42)), errorRate: demoErrorRate}
	plane, err := serve.NewServingControlPlane(cfg.ControlPlane, runtime, metrics)
	if err != nil {
		return err
	}
	if err := plane.Start(); err != nil {
		return err
	}
	defer plane.Stop()

	scaler, err := autoscale.New(cfg.Scaling)
	if err != nil {
		return err
	}

	// Synthetic traffic through the facade.
	var wg sync.WaitGroup
	requests := make(chan int)
	for w := 0; w < demoConcurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range requests {
				req := &serve.PendingRequest{
					ID:              fmt.Sprintf("req-%04d", i),
					Payload:         fmt.Sprintf("payload-%04d", i),
					EstimatedTokens: demoTokensMean,
				}
				start := time.Now()
				_, err := plane.Infer(context.Background(), req)
				scaler.Observe(autoscale.Observation{
					Latency: time.Since(start),
					Err:     err != nil,
					Tokens:  req.EstimatedTokens,
				})
			}
		}()
	}
	for i := 0; i < demoRequests; i++ {
		requests <- i
	}
	close(requests)
	wg.Wait()

	decision := scaler.Evaluate(autoscale.Metrics{Concurrency: float64(demoConcurrency)})
	fmt.Printf("scaling: %d -> %d (%s)\n", decision.CurrentReplicas, decision.DesiredReplicas, decision.Reason)
	scaler.Apply(decision)
	metrics.DesiredReplicas.Set(float64(scaler.CurrentReplicas()))

	// Place one replica per desired count on a small synthetic inventory.
	nodes := placement.New(placement.Weights{})
	for i := 0; i < 3; i++ {
		err := nodes.UpdateNode(placement.NodeInfo{
			ID:                   fmt.Sprintf("node-%d", i),
			DeviceClass:          "gpu-l4",
			TotalMemoryMB:        64 * 1024,
			AvailableMemoryMB:    int64(16+16*i) * 1024,
			TotalGPUMemoryMB:     24 * 1024,
			AvailableGPUMemoryMB: int64(8+8*i) * 1024,
			Load:                 0.9 - 0.3*float64(i),
			ComputeCapability:    8.9,
		})
		if err != nil {
			return err
		}
	}
	score, err := nodes.Place(placement.Request{
		ModelName:    "demo-model-v2",
		WorkloadType: "llm",
		RequiresGPU:  true,
		MemoryMB:     8 * 1024,
		GPUMemoryMB:  6 * 1024,
	})
	if err != nil {
		return err
	}
	fmt.Printf("placement: demo-model-v2 -> %s (score %.3f)\n", score.NodeID, score.Score)

	// A short canary rollout with healthy candidate traffic.
	router, err := serve.NewTrafficRouter(serve.StrategyWeighted, "", 42)
	if err != nil {
		return err
	}
	engine := rollout.NewEngine(router, metrics)
	r, err := engine.Start(rollout.Config{SourceVersion: "v1", TargetVersion: "v2", StepPercent: 25})
	if err != nil {
		return err
	}
	for r.Phase == rollout.PhaseInProgress {
		for i := 0; i < 20; i++ {
			version, err := router.Route(fmt.Sprintf("user-%d", i))
			if err != nil {
				return err
			}
			router.RecordResult(version, 20*time.Millisecond, false)
		}
		if r, err = engine.Advance(r.ID, 0); err != nil {
			return err
		}
		fmt.Printf("rollout %s: %.0f%% (%s)\n", r.ID, r.Percent, r.Phase)
	}

	logrus.Info("demo complete")
	return nil
}
