package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Budget.DailyLimitUSD != 0.23 || cfg.Budget.HardCeilingDailyUSD != 0.40 {
		t.Fatalf("unexpected budget defaults: %+v", cfg.Budget)
	}
	if got := len(cfg.Graduation.Levels); got != 4 {
		t.Fatalf("expected 4 graduation levels, got %d", got)
	}
	for _, svc := range []string{"email", "jira", "unknown"} {
		if cfg.Breakers.For(svc) != cfg.Breakers.Default {
			t.Fatalf("%s breaker should use the default settings", svc)
		}
	}
}

func TestBreakerDefaultGovernsServices(t *testing.T) {
	cfg, err := FromYAML([]byte(`
breakers:
  default:
    failure_threshold: 2
  services:
    jira:
      reset_timeout_ms: 5000
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := cfg.Breakers.For("email"); got.FailureThreshold != 2 || got.ResetTimeoutMS != 30000 {
		t.Fatalf("email breaker = %+v", got)
	}
	if got := cfg.Breakers.For("jira"); got.FailureThreshold != 2 || got.ResetTimeoutMS != 5000 {
		t.Fatalf("jira breaker = %+v", got)
	}
}

func TestEmptyGraduationLevelsAllowed(t *testing.T) {
	cfg, err := FromYAML([]byte("graduation:\n  levels: []\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(cfg.Graduation.Levels) != 0 {
		t.Fatalf("levels = %+v", cfg.Graduation.Levels)
	}
}

func TestFromYAMLOverridesAndKeepsDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
budget:
  monthly_limit_usd: 12.5
hold_queue:
  default_minutes: 45
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Budget.MonthlyLimitUSD != 12.5 {
		t.Fatalf("monthly limit = %v", cfg.Budget.MonthlyLimitUSD)
	}
	if cfg.Budget.DailyLimitUSD != 0.23 {
		t.Fatalf("daily limit default lost: %v", cfg.Budget.DailyLimitUSD)
	}
	if cfg.HoldQueue.DefaultMinutes != 45 || cfg.HoldQueue.StuckThresholdMinutes != 5 {
		t.Fatalf("hold queue = %+v", cfg.HoldQueue)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"thresholds out of order": "budget:\n  tier2_daily_usd: 0.50\n",
		"bad timezone":            "budget:\n  timezone: Mars/Olympus\n",
		"routing split":           "budget:\n  routing:\n    - {tier: 0, cheap_percent: 60, strong_percent: 30, poll_interval_factor: 1}\n",
		"streak not ascending":    "graduation:\n  levels:\n    - {tier: 0, min_streak: 0, hold_minutes: 30}\n    - {tier: 1, min_streak: 0, hold_minutes: 10}\n",
		"hold increases":          "graduation:\n  levels:\n    - {tier: 0, min_streak: 0, hold_minutes: 10}\n    - {tier: 1, min_streak: 3, hold_minutes: 20}\n",
		"breaker threshold":       "breakers:\n  default:\n    failure_threshold: 0\n",
		"webhook url":             "webhooks:\n  - events: [action.executed]\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := FromYAML([]byte(doc)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
	cfg, err := LoadOptional(dir)
	if err != nil || cfg == nil {
		t.Fatalf("load optional: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "steward.yml"), []byte(GenerateDefault("pm-agent")), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Agent.ID != "pm-agent" {
		t.Fatalf("agent id = %q", cfg.Agent.ID)
	}
}
