package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models steward.yml.
type Config struct {
	Agent struct {
		ID string `yaml:"id" json:"id"`
	} `yaml:"agent" json:"agent"`
	Budget     BudgetConfig     `yaml:"budget" json:"budget"`
	HoldQueue  HoldQueueConfig  `yaml:"hold_queue" json:"hold_queue"`
	Graduation GraduationConfig `yaml:"graduation" json:"graduation"`
	Breakers   BreakersConfig   `yaml:"breakers" json:"breakers"`
	Executors  ExecutorsConfig  `yaml:"executors" json:"executors"`
	Webhooks   []WebhookConfig  `yaml:"webhooks" json:"webhooks,omitempty"`
}

type BudgetConfig struct {
	// DailyLimitUSD is the daily ceiling at which degradation tier 1 starts.
	DailyLimitUSD       float64 `yaml:"daily_limit_usd" json:"daily_limit_usd"`
	Tier2DailyUSD       float64 `yaml:"tier2_daily_usd" json:"tier2_daily_usd"`
	Tier3DailyUSD       float64 `yaml:"tier3_daily_usd" json:"tier3_daily_usd"`
	HardCeilingDailyUSD float64 `yaml:"hard_ceiling_daily_usd" json:"hard_ceiling_daily_usd"`
	MonthlyLimitUSD     float64 `yaml:"monthly_limit_usd" json:"monthly_limit_usd"`
	Timezone            string  `yaml:"timezone" json:"timezone"`
	// Routing holds the cheap/strong model split for tiers 0..3.
	Routing []RoutingSplit `yaml:"routing" json:"routing"`
}

type RoutingSplit struct {
	Tier               int `yaml:"tier" json:"tier"`
	CheapPercent       int `yaml:"cheap_percent" json:"cheap_percent"`
	StrongPercent      int `yaml:"strong_percent" json:"strong_percent"`
	PollIntervalFactor int `yaml:"poll_interval_factor" json:"poll_interval_factor"`
}

type HoldQueueConfig struct {
	// DefaultMinutes is the hold when graduation.levels is empty.
	DefaultMinutes        int `yaml:"default_minutes" json:"default_minutes"`
	StuckThresholdMinutes int `yaml:"stuck_threshold_minutes" json:"stuck_threshold_minutes"`
	SweepConcurrency      int `yaml:"sweep_concurrency" json:"sweep_concurrency"`
}

type GraduationConfig struct {
	ReversalWindowDays int               `yaml:"reversal_window_days" json:"reversal_window_days"`
	DemotionStep       int               `yaml:"demotion_step" json:"demotion_step"`
	Levels             []GraduationLevel `yaml:"levels" json:"levels"`
}

// GraduationLevel is reached once the clean-approval streak hits MinStreak.
type GraduationLevel struct {
	Tier        int `yaml:"tier" json:"tier"`
	MinStreak   int `yaml:"min_streak" json:"min_streak"`
	HoldMinutes int `yaml:"hold_minutes" json:"hold_minutes"`
}

type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`
	ResetTimeoutMS   int `yaml:"reset_timeout_ms" json:"reset_timeout_ms"`
}

// BreakersConfig holds the default breaker and optional per-service
// overrides. The shipped template carries no overrides, so Default governs
// every service until one is listed.
type BreakersConfig struct {
	Default  BreakerConfig            `yaml:"default" json:"default"`
	Services map[string]BreakerConfig `yaml:"services" json:"services,omitempty"`
}

// For returns the breaker settings of a service. Unset override fields fall
// back to Default.
func (b BreakersConfig) For(service string) BreakerConfig {
	if c, ok := b.Services[service]; ok {
		if c.FailureThreshold == 0 {
			c.FailureThreshold = b.Default.FailureThreshold
		}
		if c.ResetTimeoutMS == 0 {
			c.ResetTimeoutMS = b.Default.ResetTimeoutMS
		}
		return c
	}
	return b.Default
}

func (b BreakerConfig) ResetTimeout() time.Duration {
	return time.Duration(b.ResetTimeoutMS) * time.Millisecond
}

type ExecutorEndpoint struct {
	URL            string `yaml:"url" json:"url"`
	Secret         string `yaml:"secret" json:"-"`
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
}

type ExecutorsConfig struct {
	Email ExecutorEndpoint `yaml:"email" json:"email"`
	Jira  ExecutorEndpoint `yaml:"jira" json:"jira"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Secret         string   `yaml:"secret" json:"-"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with steward config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	b := c.Budget
	if b.DailyLimitUSD <= 0 {
		return fmt.Errorf("config.budget.daily_limit_usd must be positive")
	}
	if b.MonthlyLimitUSD <= 0 {
		return fmt.Errorf("config.budget.monthly_limit_usd must be positive")
	}
	if !(b.DailyLimitUSD < b.Tier2DailyUSD && b.Tier2DailyUSD < b.Tier3DailyUSD && b.Tier3DailyUSD < b.HardCeilingDailyUSD) {
		return fmt.Errorf("config.budget thresholds must ascend: daily_limit < tier2 < tier3 < hard_ceiling")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("config.budget.timezone: %w", err)
	}
	for _, r := range b.Routing {
		if r.Tier < 0 || r.Tier > 3 {
			return fmt.Errorf("routing tier %d out of range 0..3", r.Tier)
		}
		if r.CheapPercent < 0 || r.StrongPercent < 0 || r.CheapPercent+r.StrongPercent != 100 {
			return fmt.Errorf("routing tier %d split must sum to 100", r.Tier)
		}
		if r.PollIntervalFactor < 1 {
			return fmt.Errorf("routing tier %d poll_interval_factor must be >= 1", r.Tier)
		}
	}
	if c.HoldQueue.DefaultMinutes < 0 {
		return fmt.Errorf("config.hold_queue.default_minutes must not be negative")
	}
	if c.HoldQueue.StuckThresholdMinutes <= 0 {
		return fmt.Errorf("config.hold_queue.stuck_threshold_minutes must be positive")
	}
	g := c.Graduation
	for i, lvl := range g.Levels {
		if lvl.Tier != i {
			return fmt.Errorf("graduation level %d has tier %d; tiers must be 0..n in order", i, lvl.Tier)
		}
		if i == 0 && lvl.MinStreak != 0 {
			return fmt.Errorf("graduation tier 0 must have min_streak 0")
		}
		if lvl.HoldMinutes < 0 {
			return fmt.Errorf("graduation tier %d hold_minutes must not be negative", i)
		}
		if i > 0 {
			prev := g.Levels[i-1]
			if lvl.MinStreak <= prev.MinStreak {
				return fmt.Errorf("graduation tier %d min_streak must exceed tier %d", i, i-1)
			}
			if lvl.HoldMinutes > prev.HoldMinutes {
				return fmt.Errorf("graduation tier %d hold_minutes must not exceed tier %d", i, i-1)
			}
		}
	}
	if g.ReversalWindowDays < 0 {
		return fmt.Errorf("config.graduation.reversal_window_days must not be negative")
	}
	if g.DemotionStep < 1 {
		return fmt.Errorf("config.graduation.demotion_step must be >= 1")
	}
	if c.Breakers.Default.FailureThreshold < 1 {
		return fmt.Errorf("config.breakers.default.failure_threshold must be >= 1")
	}
	if c.Breakers.Default.ResetTimeoutMS <= 0 {
		return fmt.Errorf("config.breakers.default.reset_timeout_ms must be positive")
	}
	for name, s := range c.Breakers.Services {
		if s.FailureThreshold < 0 || s.ResetTimeoutMS < 0 {
			return fmt.Errorf("breaker %s settings must not be negative", name)
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d url is required", i)
		}
	}
	return nil
}

// Location resolves the budget calendar timezone; empty means UTC.
func (c *Config) Location() (*time.Location, error) {
	if c.Budget.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Budget.Timezone)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "steward.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(agentID string) string {
	return fmt.Sprintf(defaultTemplate, agentID)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault("steward"))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing sections
// keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `agent:
  id: %s

budget:
  daily_limit_usd: 0.23
  tier2_daily_usd: 0.27
  tier3_daily_usd: 0.30
  hard_ceiling_daily_usd: 0.40
  monthly_limit_usd: 8.00
  timezone: UTC
  routing:
    - {tier: 0, cheap_percent: 70, strong_percent: 30, poll_interval_factor: 1}
    - {tier: 1, cheap_percent: 85, strong_percent: 15, poll_interval_factor: 1}
    - {tier: 2, cheap_percent: 100, strong_percent: 0, poll_interval_factor: 2}
    - {tier: 3, cheap_percent: 100, strong_percent: 0, poll_interval_factor: 4}

hold_queue:
  default_minutes: 30
  stuck_threshold_minutes: 5
  sweep_concurrency: 4

graduation:
  reversal_window_days: 7
  demotion_step: 1
  levels:
    - {tier: 0, min_streak: 0, hold_minutes: 30}
    - {tier: 1, min_streak: 5, hold_minutes: 15}
    - {tier: 2, min_streak: 10, hold_minutes: 5}
    - {tier: 3, min_streak: 20, hold_minutes: 0}

breakers:
  default:
    failure_threshold: 3
    reset_timeout_ms: 30000

executors:
  email:
    url: ""
    timeout_seconds: 10
  jira:
    url: ""
    timeout_seconds: 10
`
