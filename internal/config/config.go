package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	PingPeriodSec  int      `yaml:"ping_period_sec"`
	EvictAfterMin  int      `yaml:"evict_after_min"`
}

func defaults() Config {
	return Config{
		Addr:          ":8080",
		PingPeriodSec: 20,
		EvictAfterMin: 15,
	}
}

// Load builds the config from defaults, an optional YAML file named by
// SNOWBRAWL_CONFIG, and finally environment overrides. A .env file is
// read best-effort before anything else.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := defaults()
	if path := os.Getenv("SNOWBRAWL_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	if v := os.Getenv("SNOWBRAWL_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("SNOWBRAWL_PING_PERIOD_SEC"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("SNOWBRAWL_PING_PERIOD_SEC: %w", err)
		}
		cfg.PingPeriodSec = n
	}
	if v := os.Getenv("SNOWBRAWL_EVICT_AFTER_MIN"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("SNOWBRAWL_EVICT_AFTER_MIN: %w", err)
		}
		cfg.EvictAfterMin = n
	}

	if cfg.PingPeriodSec <= 0 {
		return Config{}, fmt.Errorf("ping_period_sec must be positive, got %d", cfg.PingPeriodSec)
	}
	return cfg, nil
}

func (c Config) PingPeriod() time.Duration { return time.Duration(c.PingPeriodSec) * time.Second }

// EvictAfter is how long a disconnected player lingers in a room before
// being purged; zero or negative disables eviction.
func (c Config) EvictAfter() time.Duration { return time.Duration(c.EvictAfterMin) * time.Minute }
