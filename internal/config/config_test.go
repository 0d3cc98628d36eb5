package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mandatehq/mandate/internal/model"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.NotEmpty(t, cfg.DatabaseURL)
	assert.Equal(t, model.DefaultActionTypes, cfg.ActionTypes)
	assert.Equal(t, 0.5, cfg.AlphaEarly)
	assert.Equal(t, 0.2, cfg.AlphaLate)
	assert.Equal(t, 3, cfg.NegativeThreshold)
	assert.Equal(t, 72*time.Hour, cfg.GracePeriod)
	assert.Equal(t, 4, cfg.Shards)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MANDATE_ACTION_TYPES", "send_email, send_proposal")
	t.Setenv("MANDATE_NEGATIVE_THRESHOLD", "5")
	t.Setenv("MANDATE_GRACE_PERIOD", "24h")
	t.Setenv("MANDATE_PROMOTE_FROM_SUGGEST", "0.95")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []model.ActionType{"send_email", "send_proposal"}, cfg.ActionTypes)
	assert.Equal(t, 5, cfg.NegativeThreshold)
	assert.Equal(t, 24*time.Hour, cfg.GracePeriod)
	assert.Equal(t, 0.95, cfg.PromoteFromSuggest)
}

func TestLoadRejectsMalformed(t *testing.T) {
	t.Setenv("MANDATE_NEGATIVE_THRESHOLD", "many")
	_, err := Load()
	assert.Error(t, err)
}

func TestValidateBounds(t *testing.T) {
	base, err := Load()
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty database url", func(c *Config) { c.DatabaseURL = "" }},
		{"no action types", func(c *Config) { c.ActionTypes = nil }},
		{"alpha out of range", func(c *Config) { c.AlphaEarly = 1.5 }},
		{"threshold out of range", func(c *Config) { c.PromoteFromApprove = 0 }},
		{"zero negative threshold", func(c *Config) { c.NegativeThreshold = 0 }},
		{"zero shards", func(c *Config) { c.Shards = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestPolicyAssembly(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	p := cfg.Policy()
	assert.Equal(t, 0.60, p.PromotionThresholds[model.TierDisabled])
	assert.Equal(t, 0.75, p.PromotionThresholds[model.TierApprove])
	assert.Equal(t, 0.90, p.PromotionThresholds[model.TierSuggest])
	assert.Equal(t, cfg.MinCooldown, p.MinCooldown)

	s := cfg.Scoring()
	assert.Equal(t, cfg.AlphaEarly, s.AlphaEarly)
	assert.Equal(t, cfg.EarlySignals, s.EarlySignals)
}
