// Package guardianconfig loads the configuration surface enumerated in the
// spec: a YAML policy file (grounded on AlexKimmel-GateLite's
// internal/config/config.go defaulting pattern), merged with environment
// overrides via envconfig/godotenv, the way the teacher's
// cmd/exampleweb/main.go does it.
package guardianconfig

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Policy is the YAML-loadable bucket shape and backend selection.
//
// Durations are stored in milliseconds rather than as time.Duration
// directly: yaml.v3 unmarshals a duration-shaped string ("500ms") into an
// int64 field as a type error, not a parsed value (the same reason
// GateLite's config.go stores *TimeoutMS fields and exposes Duration()
// accessors instead of using time.Duration in the YAML struct itself).
type Policy struct {
	Capacity            uint64 `yaml:"capacity"`
	RefillRate          uint64 `yaml:"refill_rate"`
	RefillIntervalMS    int64  `yaml:"refill_interval_ms"`
	FailMode            string `yaml:"fail_mode"` // "open" or "closed"
	Backend             string `yaml:"backend"`    // "local", "remote", "batched"
	CoordinatorAddress  string `yaml:"coordinator_address"`
	BatchSize           uint64 `yaml:"batch_size"`
	ReservationLeaseMS  int64  `yaml:"reservation_lease_ms"`
	IdleEvictionMS      int64  `yaml:"idle_eviction_ms"`
}

// RefillInterval is the sustained-rate interval RefillRate tokens are added
// over. Defaults to one second.
func (p Policy) RefillInterval() time.Duration {
	if p.RefillIntervalMS <= 0 {
		return time.Second
	}
	return time.Duration(p.RefillIntervalMS) * time.Millisecond
}

// ReservationLease is how long a batched reservation remains valid before
// its unconsumed remainder is forfeited. Defaults to one second.
func (p Policy) ReservationLease() time.Duration {
	if p.ReservationLeaseMS <= 0 {
		return time.Second
	}
	return time.Duration(p.ReservationLeaseMS) * time.Millisecond
}

// IdleEviction is the Local backend's idle window: buckets untouched for
// longer than this are swept. Zero means no sweeping.
func (p Policy) IdleEviction() time.Duration {
	if p.IdleEvictionMS <= 0 {
		return 0
	}
	return time.Duration(p.IdleEvictionMS) * time.Millisecond
}

// Server holds the ambient envconfig-sourced process settings: where to
// listen, where the coordinator lives, the log level, and where the policy
// file is.
type Server struct {
	Port       int    `envconfig:"SERVER_PORT" default:"8080"`
	RedisURL   string `envconfig:"REDIS_URL" default:"localhost:6379"`
	LogLevel   string `envconfig:"LOG_LEVEL" default:"info"`
	PolicyPath string `envconfig:"POLICY_PATH" default:"policy.yaml"`
}

// LoadServer reads process settings from the environment, optionally
// preloaded from a .env file in the working directory.
func LoadServer() (Server, error) {
	loadDotEnvIfPresent()

	var cfg Server
	if err := envconfig.Process("", &cfg); err != nil {
		return Server{}, err
	}
	return cfg, nil
}

// LoadPolicy reads and defaults a Policy from a YAML file at path.
func LoadPolicy(path string) (Policy, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, err
	}

	var p Policy
	if err := yaml.Unmarshal(b, &p); err != nil {
		return Policy{}, err
	}

	applyDefaults(&p)
	return p, nil
}

func applyDefaults(p *Policy) {
	if p.FailMode == "" {
		p.FailMode = "closed"
	}
	if p.Backend == "" {
		p.Backend = "local"
	}
	if p.BatchSize == 0 {
		p.BatchSize = 100
	}
}

func loadDotEnvIfPresent() {
	if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load()
	}
}
