package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	forgeerr "github.com/randalmurphal/planforge/internal/errors"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 0.85, cfg.Resolver.SimilarityThreshold)
	assert.Equal(t, 0.85, cfg.Mutation.AutoApproveThreshold)
	assert.False(t, cfg.Mutation.AllowDelete)
	assert.NotContains(t, cfg.Mutation.AutoApproveTypes, "delete")
}

func TestLoadFromMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "nope", "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Budget.GlobalCap, cfg.Budget.GlobalCap)
}

func TestLoadFromOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
workers: 4
budget:
  global_cap: 25.0
  phase_caps:
    analyze: 20.0
resolver:
  similarity_threshold: 0.9
analyzers:
  - name: solo
    model: gpt-4o
    weight: 1.0
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 25.0, cfg.Budget.GlobalCap)
	assert.Equal(t, 20.0, cfg.Budget.PhaseCaps["analyze"])
	assert.Equal(t, 0.9, cfg.Resolver.SimilarityThreshold)
	require.Len(t, cfg.Analyzers, 1)
	assert.Equal(t, "solo", cfg.Analyzers[0].Name)

	// Unset sections keep defaults
	assert.Equal(t, 5, cfg.Retry.RateLimitRetries)
	assert.Equal(t, 7*24*time.Hour, cfg.Backups.Retention)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero workers", func(c *Config) { c.Workers = 0 }},
		{"negative cap", func(c *Config) { c.Budget.GlobalCap = -1 }},
		{"zero phase cap", func(c *Config) { c.Budget.PhaseCaps = map[string]float64{"analyze": 0} }},
		{"threshold above one", func(c *Config) { c.Resolver.SimilarityThreshold = 1.5 }},
		{"no analyzers", func(c *Config) { c.Analyzers = nil }},
		{"zero weight", func(c *Config) { c.Analyzers[0].Weight = 0 }},
		{"unnamed analyzer", func(c *Config) { c.Analyzers[0].Name = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			fe := forgeerr.AsForgeError(err)
			require.NotNil(t, fe)
		})
	}
}

func TestAnalyzerWeights(t *testing.T) {
	cfg := Default()
	weights := cfg.AnalyzerWeights()
	assert.Equal(t, 0.5, weights["primary"])
	assert.Equal(t, 0.3, weights["secondary"])
	assert.Equal(t, 0.2, weights["tertiary"])
}
