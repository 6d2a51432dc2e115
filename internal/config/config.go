// Package config holds the router's enumerated configuration options
// (spec §6). It follows the teacher's DefaultXConfig() idiom — a plain
// struct tree with sensible zero-value-safe defaults, no config library.
package config

import (
	"os"
	"strconv"
	"time"
)

// PriorityWeights assigns a base score contribution per priority tier.
type PriorityWeights struct {
	Critical float64
	High     float64
	Medium   float64
	Low      float64
}

// RetryConfig configures the retry controller (spec §4.6, §6).
type RetryConfig struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	JitterRange       float64
	AdaptiveFactor    float64
	LearningEnabled   bool
	SuccessThreshold  float64
}

// CapacityConfig configures the capacity manager (spec §4.2, §6).
type CapacityConfig struct {
	WarningUtilization  float64
	CriticalUtilization float64
	OverloadProtection  float64
	QueueLengthLimit    int
	MonitoringInterval  time.Duration
}

// BurstConfig configures the token-bucket burst handler (spec §4.3, §6).
type BurstConfig struct {
	BurstSize         int
	RefillRate        float64
	MaxBurstDuration  time.Duration
	CooldownPeriod    time.Duration
	BurstThreshold    float64
}

// TierLimits bounds a user tier's throughput (spec §6).
type TierLimits struct {
	RequestsPerMinute int
	BurstLimit        int
}

// Config is the complete enumerated option set.
type Config struct {
	PriorityWeights       PriorityWeights
	MaxConcurrent         int
	BatchSize             int
	ProcessingInterval    time.Duration
	Retry                 RetryConfig
	Capacity              CapacityConfig
	Burst                 BurstConfig
	Tiers                 map[string]TierLimits

	RedisAddr    string
	HTTPAddr     string
	AdminGRPCAddr string
	DrainDeadline time.Duration
}

// Default returns the spec-prescribed defaults (spec §4.3, §4.6, §7).
func Default() Config {
	return Config{
		PriorityWeights: PriorityWeights{
			Critical: 1000,
			High:     100,
			Medium:   10,
			Low:      1,
		},
		MaxConcurrent:      50,
		BatchSize:          10,
		ProcessingInterval: 100 * time.Millisecond,
		Retry: RetryConfig{
			MaxAttempts:       5,
			BaseDelay:         1 * time.Second,
			MaxDelay:          32 * time.Second,
			BackoffMultiplier: 2.0,
			JitterRange:       0.1,
			AdaptiveFactor:    0.25,
			LearningEnabled:   true,
			SuccessThreshold:  0.7,
		},
		Capacity: CapacityConfig{
			WarningUtilization:  0.75,
			CriticalUtilization: 0.9,
			OverloadProtection:  0.95,
			QueueLengthLimit:    1000,
			MonitoringInterval:  5 * time.Second,
		},
		Burst: BurstConfig{
			BurstSize:        20,
			RefillRate:       5.0,
			MaxBurstDuration: 30 * time.Second,
			CooldownPeriod:   60 * time.Second,
			BurstThreshold:   0.8,
		},
		Tiers: map[string]TierLimits{
			"basic":      {RequestsPerMinute: 60, BurstLimit: 10},
			"premium":    {RequestsPerMinute: 600, BurstLimit: 50},
			"enterprise": {RequestsPerMinute: 3500, BurstLimit: 200},
		},
		RedisAddr:     "localhost:6379",
		HTTPAddr:      ":8080",
		AdminGRPCAddr: ":9090",
		DrainDeadline: 30 * time.Second,
	}
}

// FromEnv overlays environment variable overrides onto d, matching the
// handful of operationally relevant knobs operators tend to flip without
// a redeploy.
func FromEnv(d Config) Config {
	if v := os.Getenv("ROUTER_REDIS_ADDR"); v != "" {
		d.RedisAddr = v
	}
	if v := os.Getenv("ROUTER_HTTP_ADDR"); v != "" {
		d.HTTPAddr = v
	}
	if v := os.Getenv("ROUTER_ADMIN_GRPC_ADDR"); v != "" {
		d.AdminGRPCAddr = v
	}
	if v := os.Getenv("ROUTER_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			d.MaxConcurrent = n
		}
	}
	if v := os.Getenv("ROUTER_DRAIN_DEADLINE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			d.DrainDeadline = time.Duration(n) * time.Second
		}
	}
	return d
}
