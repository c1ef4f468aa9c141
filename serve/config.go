package serve

// ControlPlaneConfig groups the facade's gate and batching parameters.
// Zero-valued fields take the per-component defaults.
type ControlPlaneConfig struct {
	Breaker   CircuitBreakerConfig `yaml:"circuit_breaker"`
	Limiter   RateLimiterConfig    `yaml:"rate_limiter"`
	Scheduler BatchSchedulerConfig `yaml:"batch_scheduler"`
}

// Validate rejects unusable configurations.
func (c ControlPlaneConfig) Validate() error {
	return c.Scheduler.Validate()
}
