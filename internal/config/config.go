package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

type BucketLimits struct {
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         float64 `yaml:"burst"`
}

type RateLimits struct {
	Global            BucketLimits            `yaml:"global"`
	Endpoints         map[string]BucketLimits `yaml:"endpoints"`
	CriticalEndpoints []string                `yaml:"critical_endpoints"`
	MaxWaitMs         int                     `yaml:"max_wait_ms"` // default wait budget for blocking acquires
}

type Queue struct {
	Capacity int `yaml:"capacity"`
}

type Cache struct {
	DefaultTTLSeconds  int `yaml:"default_ttl_seconds"`
	DegradedTTLSeconds int `yaml:"degraded_ttl_seconds"` // widened TTL while degraded
}

type Degradation struct {
	ServiceName              string  `yaml:"service_name"` // primary broker service for failure attribution
	AutoRecovery             bool    `yaml:"auto_recovery"`
	PartialRecoveryThreshold float64 `yaml:"partial_recovery_threshold"` // healthy fraction for partial recovery

	// Seconds before an automatic recovery attempt per level
	RateLimitedTimeoutSecs int `yaml:"rate_limited_timeout_seconds"`
	CachedDataTimeoutSecs  int `yaml:"cached_data_timeout_seconds"`
	ReadOnlyTimeoutSecs    int `yaml:"read_only_timeout_seconds"`
	EmergencyTimeoutSecs   int `yaml:"emergency_timeout_seconds"`
}

type Sim struct {
	LatencyMsMin      int     `yaml:"latency_ms_min"`
	LatencyMsMax      int     `yaml:"latency_ms_max"`
	RequestsPerSecond float64 `yaml:"requests_per_second"` // upstream self-throttle
}

type Root struct {
	RateLimits  RateLimits  `yaml:"rate_limits"`
	Queue       Queue       `yaml:"queue"`
	Cache       Cache       `yaml:"cache"`
	Degradation Degradation `yaml:"degradation"`
	Sim         Sim         `yaml:"sim"`
	ListenAddr  string      `yaml:"listen_addr"`
}

func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}
	applyDefaults(&c)
	return c, nil
}

// Default returns the configuration used when no file is supplied.
func Default() Root {
	var c Root
	c.Degradation.AutoRecovery = true
	applyDefaults(&c)
	return c
}

func applyDefaults(c *Root) {
	if c.RateLimits.Global.RatePerSecond == 0 {
		c.RateLimits.Global.RatePerSecond = 100
	}
	if c.RateLimits.Global.Burst == 0 {
		c.RateLimits.Global.Burst = 200
	}
	if c.RateLimits.Endpoints == nil {
		c.RateLimits.Endpoints = map[string]BucketLimits{}
	}
	// Per-resource-class defaults mirroring the broker's published limits
	defaults := map[string]BucketLimits{
		"pricing":   {RatePerSecond: 50, Burst: 100},
		"orders":    {RatePerSecond: 20, Burst: 40},
		"accounts":  {RatePerSecond: 10, Burst: 20},
		"streaming": {RatePerSecond: 5, Burst: 10},
	}
	for name, lim := range defaults {
		if _, ok := c.RateLimits.Endpoints[name]; !ok {
			c.RateLimits.Endpoints[name] = lim
		}
	}
	if len(c.RateLimits.CriticalEndpoints) == 0 {
		c.RateLimits.CriticalEndpoints = []string{"emergency_close", "risk_check"}
	}
	if c.RateLimits.MaxWaitMs == 0 {
		c.RateLimits.MaxWaitMs = 5000
	}

	if c.Queue.Capacity == 0 {
		c.Queue.Capacity = 100
	}

	if c.Cache.DefaultTTLSeconds == 0 {
		c.Cache.DefaultTTLSeconds = 60
	}
	if c.Cache.DegradedTTLSeconds == 0 {
		c.Cache.DegradedTTLSeconds = 600
	}

	if c.Degradation.ServiceName == "" {
		c.Degradation.ServiceName = "oanda_api"
	}
	if c.Degradation.PartialRecoveryThreshold == 0 {
		c.Degradation.PartialRecoveryThreshold = 0.5
	}
	if c.Degradation.RateLimitedTimeoutSecs == 0 {
		c.Degradation.RateLimitedTimeoutSecs = 300
	}
	if c.Degradation.CachedDataTimeoutSecs == 0 {
		c.Degradation.CachedDataTimeoutSecs = 900
	}
	if c.Degradation.ReadOnlyTimeoutSecs == 0 {
		c.Degradation.ReadOnlyTimeoutSecs = 1800
	}
	if c.Degradation.EmergencyTimeoutSecs == 0 {
		c.Degradation.EmergencyTimeoutSecs = 3600
	}

	if c.Sim.LatencyMsMin == 0 {
		c.Sim.LatencyMsMin = 5
	}
	if c.Sim.LatencyMsMax == 0 {
		c.Sim.LatencyMsMax = 30
	}
	if c.Sim.RequestsPerSecond == 0 {
		c.Sim.RequestsPerSecond = 100
	}

	if c.ListenAddr == "" {
		c.ListenAddr = ":8092"
	}
}
