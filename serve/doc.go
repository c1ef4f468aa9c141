// Package serve provides the control plane for a model-serving system.
//
// # Reading Guide
//
// Start with these three files to understand the request path:
//   - request.go: PendingRequest lifecycle and the result handle contract
//   - scheduler.go: the BatchScheduler drain loop and both batching modes
//   - controlplane.go: the facade that gates one inference call
//
// # Architecture
//
// The serve package holds the request-path components and the shared
// primitives; control loops live in sub-packages:
//   - serve/autoscale/: windowed metrics → replica-count decisions
//   - serve/placement/: node filtering/scoring for new replicas
//   - serve/rollout/: staged canary/blue-green rollouts over the TrafficRouter
//
// # Key Interfaces
//
// The extension points are small interfaces and plain config structs:
//   - InferenceRuntime: the narrow "run a batch, return results" contract
//   - BatchSchedulerConfig: fixed-window vs continuous batching selection
//   - RoutingStrategy: weighted, deterministic A/B, or shadow routing
//
// Every stateful primitive (CircuitBreaker, TokenBucketRateLimiter,
// SlidingWindow, ConsistentHash, PendingQueue, TrafficRouter) owns exactly
// one mutex and never acquires another component's lock.
package serve
