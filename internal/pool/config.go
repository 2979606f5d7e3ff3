package pool

import "time"

// RecyclingStrategy selects which scoring function decides recycle
// candidates, per spec.md 4.C.
type RecyclingStrategy string

const (
	RecycleTimeBased     RecyclingStrategy = "time"
	RecycleUsageBased    RecyclingStrategy = "usage"
	RecycleHealthBased   RecyclingStrategy = "health"
	RecycleResourceBased RecyclingStrategy = "resource"
	RecycleHybrid        RecyclingStrategy = "hybrid"
)

// Config holds every tunable named in spec.md 4.C.
type Config struct {
	MinSize int
	MaxSize int

	AcquireTimeout time.Duration

	HealthCheckInterval time.Duration
	MaxMemoryMB         int
	MaxPagesPerBrowser  int

	Strategy            RecyclingStrategy
	MaxLifetime         time.Duration
	MaxIdleTime         time.Duration
	MaxUses             int32
	SoftPageLimit       int32
	HealthScoreFloor    float64
	ErrorRateThreshold  float64
	MemoryThresholdMB   int
	CPUThresholdPercent float64
	RecyclingCooldown   time.Duration
	MaintenanceStart    int // hour 0-23, inclusive
	MaintenanceEnd      int // hour 0-23, exclusive

	HybridWeights HybridWeights

	CircuitBreakerFailureThreshold int
	CircuitBreakerRollingWindow    time.Duration
	CircuitBreakerOpenDuration     time.Duration

	ScalingInterval     time.Duration
	ScaleUpThreshold    float64
	ScaleDownThreshold  float64
	ScaleSustainSamples int

	Headless bool
}

// HybridWeights are the per-dimension weights for RecycleHybrid. Their
// exact values are a tuning choice, not a contract (spec.md 7's open
// question (c)).
type HybridWeights struct {
	Age    float64
	Usage  float64
	Health float64
	Memory float64
}

// DefaultConfig returns the baseline pool configuration.
func DefaultConfig() Config {
	return Config{
		MinSize:                        2,
		MaxSize:                        10,
		AcquireTimeout:                 30 * time.Second,
		HealthCheckInterval:            30 * time.Second,
		MaxMemoryMB:                    512,
		MaxPagesPerBrowser:             20,
		Strategy:                       RecycleHybrid,
		MaxLifetime:                    30 * time.Minute,
		MaxIdleTime:                    5 * time.Minute,
		MaxUses:                        50,
		SoftPageLimit:                  15,
		HealthScoreFloor:               0.5,
		ErrorRateThreshold:             0.25,
		MemoryThresholdMB:              400,
		CPUThresholdPercent:            80,
		RecyclingCooldown:              10 * time.Second,
		MaintenanceStart:               2,
		MaintenanceEnd:                 4,
		HybridWeights:                  HybridWeights{Age: 0.25, Usage: 0.25, Health: 0.35, Memory: 0.15},
		CircuitBreakerFailureThreshold: 5,
		CircuitBreakerRollingWindow:    time.Minute,
		CircuitBreakerOpenDuration:     30 * time.Second,
		ScalingInterval:                15 * time.Second,
		ScaleUpThreshold:               0.8,
		ScaleDownThreshold:             0.3,
		ScaleSustainSamples:            3,
		Headless:                       true,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinSize <= 0 {
		c.MinSize = d.MinSize
	}
	if c.MaxSize <= 0 {
		c.MaxSize = d.MaxSize
	}
	if c.MinSize > c.MaxSize {
		c.MinSize = c.MaxSize
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = d.AcquireTimeout
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = d.HealthCheckInterval
	}
	if c.MaxMemoryMB <= 0 {
		c.MaxMemoryMB = d.MaxMemoryMB
	}
	if c.MaxPagesPerBrowser <= 0 {
		c.MaxPagesPerBrowser = d.MaxPagesPerBrowser
	}
	if c.Strategy == "" {
		c.Strategy = d.Strategy
	}
	if c.MaxLifetime <= 0 {
		c.MaxLifetime = d.MaxLifetime
	}
	if c.MaxIdleTime <= 0 {
		c.MaxIdleTime = d.MaxIdleTime
	}
	if c.MaxUses <= 0 {
		c.MaxUses = d.MaxUses
	}
	if c.SoftPageLimit <= 0 {
		c.SoftPageLimit = d.SoftPageLimit
	}
	if c.HealthScoreFloor <= 0 {
		c.HealthScoreFloor = d.HealthScoreFloor
	}
	if c.ErrorRateThreshold <= 0 {
		c.ErrorRateThreshold = d.ErrorRateThreshold
	}
	if c.RecyclingCooldown <= 0 {
		c.RecyclingCooldown = d.RecyclingCooldown
	}
	if (c.HybridWeights == HybridWeights{}) {
		c.HybridWeights = d.HybridWeights
	}
	if c.CircuitBreakerFailureThreshold <= 0 {
		c.CircuitBreakerFailureThreshold = d.CircuitBreakerFailureThreshold
	}
	if c.CircuitBreakerRollingWindow <= 0 {
		c.CircuitBreakerRollingWindow = d.CircuitBreakerRollingWindow
	}
	if c.CircuitBreakerOpenDuration <= 0 {
		c.CircuitBreakerOpenDuration = d.CircuitBreakerOpenDuration
	}
	if c.ScalingInterval <= 0 {
		c.ScalingInterval = d.ScalingInterval
	}
	if c.ScaleUpThreshold <= 0 {
		c.ScaleUpThreshold = d.ScaleUpThreshold
	}
	if c.ScaleDownThreshold <= 0 {
		c.ScaleDownThreshold = d.ScaleDownThreshold
	}
	if c.ScaleSustainSamples <= 0 {
		c.ScaleSustainSamples = d.ScaleSustainSamples
	}
	return c
}

func (c Config) inMaintenanceWindow(hour int) bool {
	if c.MaintenanceStart == c.MaintenanceEnd {
		return false
	}
	if c.MaintenanceStart < c.MaintenanceEnd {
		return hour >= c.MaintenanceStart && hour < c.MaintenanceEnd
	}
	// wraps past midnight
	return hour >= c.MaintenanceStart || hour < c.MaintenanceEnd
}
