// Package config provides configuration management for planforge.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	forgeerr "github.com/randalmurphal/planforge/internal/errors"
)

const (
	// ConfigFileName is the default config file name
	ConfigFileName = "config.yaml"
	// ForgeDir is the planforge configuration directory
	ForgeDir = ".planforge"
	// BackupsDir is the backup area under ForgeDir
	BackupsDir = "backups"
	// ItemsDir is the work-item output area under ForgeDir
	ItemsDir = "items"
	// PlanFileName is the plan document file under ForgeDir
	PlanFileName = "plan.yaml"
	// StatusFileName is the status artifact under ForgeDir
	StatusFileName = "status.md"
	// BudgetFileName is the budget artifact under ForgeDir
	BudgetFileName = "budget.md"
	// LedgerFileName is the SQLite ledger database under ForgeDir
	LedgerFileName = "ledger.db"
	// PendingFileName is the pending-operations file under ForgeDir
	PendingFileName = "pending.yaml"
	// PhasesFileName is the persisted phase state under ForgeDir
	PhasesFileName = "phases.yaml"
)

// BudgetConfig defines spend caps for the pipeline.
type BudgetConfig struct {
	// GlobalCap is the hard ceiling for a full run, in USD.
	GlobalCap float64 `yaml:"global_cap"`

	// PhaseCaps optionally caps individual phases, keyed by phase ID.
	PhaseCaps map[string]float64 `yaml:"phase_caps,omitempty"`

	// EstimatePerDocument is the pre-flight cost estimate for one
	// analyzer call against one document, in USD.
	EstimatePerDocument float64 `yaml:"estimate_per_document"`
}

// RetryConfig defines backoff behavior per transient error class.
type RetryConfig struct {
	// RateLimitRetries is the attempt cap for rate-limit errors.
	RateLimitRetries int `yaml:"rate_limit_retries"`
	// RateLimitBackoff is the initial backoff for rate-limit errors.
	RateLimitBackoff time.Duration `yaml:"rate_limit_backoff"`

	// TransientRetries is the attempt cap for timeout/network errors.
	TransientRetries int `yaml:"transient_retries"`
	// TransientBackoff is the initial backoff for timeout/network errors.
	TransientBackoff time.Duration `yaml:"transient_backoff"`

	// BackoffFactor multiplies the backoff after each attempt.
	BackoffFactor float64 `yaml:"backoff_factor"`
	// MaxBackoff caps any single backoff delay.
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// ResolverConfig defines clustering behavior for reconciliation.
type ResolverConfig struct {
	// SimilarityThreshold is the minimum Jaccard similarity for two
	// candidates to be considered the same idea.
	SimilarityThreshold float64 `yaml:"similarity_threshold"`

	// Synthesize merges cluster member texts instead of picking the
	// longest majority-side member.
	Synthesize bool `yaml:"synthesize"`
}

// MutationConfig defines plan mutation behavior.
type MutationConfig struct {
	// AutoApproveThreshold is the minimum confidence for immediate
	// application of an operation.
	AutoApproveThreshold float64 `yaml:"auto_approve_threshold"`

	// DuplicateThreshold is the similarity above which a candidate is
	// considered a duplicate of an existing node.
	DuplicateThreshold float64 `yaml:"duplicate_threshold"`

	// MinContentDelta is the minimum character delta for a Modify to
	// be proposed instead of dropping the candidate as a duplicate.
	MinContentDelta int `yaml:"min_content_delta"`

	// AllowDelete enables Delete proposals. Off by default: deletion is
	// the riskiest operation.
	AllowDelete bool `yaml:"allow_delete"`

	// StalenessFloor is the node confidence below which a superseded
	// node becomes a Delete candidate (when AllowDelete is on).
	StalenessFloor float64 `yaml:"staleness_floor"`

	// AutoApproveTypes lists operation types eligible for auto-approval.
	AutoApproveTypes []string `yaml:"auto_approve_types"`
}

// AnalyzerConfig describes one configured document analyzer.
type AnalyzerConfig struct {
	// Name identifies the analyzer in provenance records.
	Name string `yaml:"name"`
	// Model is the model identifier passed to the service.
	Model string `yaml:"model"`
	// Weight is the analyzer's reliability weight for consensus voting.
	Weight float64 `yaml:"weight"`
	// BaseURL overrides the service endpoint (for OpenAI-compatible
	// local servers). Empty means the provider default.
	BaseURL string `yaml:"base_url,omitempty"`
	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `yaml:"api_key_env,omitempty"`
}

// BackupConfig defines snapshot retention.
type BackupConfig struct {
	// Retention is how long backups are kept before prune removes them.
	Retention time.Duration `yaml:"retention"`
}

// Config represents the planforge configuration.
type Config struct {
	// Version is the config file version
	Version int `yaml:"version"`

	// Workers bounds concurrent phase execution.
	Workers int `yaml:"workers"`

	// Budget caps
	Budget BudgetConfig `yaml:"budget"`

	// Retry behavior for transient failures
	Retry RetryConfig `yaml:"retry"`

	// Resolver thresholds for reconciliation
	Resolver ResolverConfig `yaml:"resolver"`

	// Mutation thresholds and toggles
	Mutation MutationConfig `yaml:"mutation"`

	// Analyzers to consult per document
	Analyzers []AnalyzerConfig `yaml:"analyzers"`

	// Backup retention
	Backups BackupConfig `yaml:"backups"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Version: 1,
		Workers: 2,
		Budget: BudgetConfig{
			GlobalCap:           10.0,
			EstimatePerDocument: 0.05,
		},
		Retry: RetryConfig{
			RateLimitRetries: 5,
			RateLimitBackoff: 2 * time.Second,
			TransientRetries: 3,
			TransientBackoff: 1 * time.Second,
			BackoffFactor:    2.0,
			MaxBackoff:       60 * time.Second,
		},
		Resolver: ResolverConfig{
			SimilarityThreshold: 0.85,
		},
		Mutation: MutationConfig{
			AutoApproveThreshold: 0.85,
			DuplicateThreshold:   0.85,
			MinContentDelta:      40,
			AllowDelete:          false,
			StalenessFloor:       0.3,
			AutoApproveTypes:     []string{"add", "modify", "merge"},
		},
		Analyzers: []AnalyzerConfig{
			{Name: "primary", Model: "gpt-4o", Weight: 0.5, APIKeyEnv: "OPENAI_API_KEY"},
			{Name: "secondary", Model: "gpt-4o-mini", Weight: 0.3, APIKeyEnv: "OPENAI_API_KEY"},
			{Name: "tertiary", Model: "gpt-3.5-turbo", Weight: 0.2, APIKeyEnv: "OPENAI_API_KEY"},
		},
		Backups: BackupConfig{
			Retention: 7 * 24 * time.Hour,
		},
	}
}

// Load reads configuration from .planforge/config.yaml, applying
// defaults for unset fields.
func Load() (*Config, error) {
	return LoadFrom(filepath.Join(ForgeDir, ConfigFileName))
}

// LoadFrom reads configuration from an explicit path.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, forgeerr.ErrConfigInvalid(path, err.Error())
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to .planforge/config.yaml.
func (c *Config) Save() error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	path := filepath.Join(ForgeDir, ConfigFileName)
	if err := os.MkdirAll(ForgeDir, 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return forgeerr.ErrConfigInvalid("workers", "must be at least 1")
	}
	if c.Budget.GlobalCap <= 0 {
		return forgeerr.ErrConfigInvalid("budget.global_cap", "must be positive")
	}
	for phase, cap := range c.Budget.PhaseCaps {
		if cap <= 0 {
			return forgeerr.ErrConfigInvalid(
				fmt.Sprintf("budget.phase_caps.%s", phase), "must be positive")
		}
	}
	if c.Resolver.SimilarityThreshold <= 0 || c.Resolver.SimilarityThreshold > 1 {
		return forgeerr.ErrConfigInvalid("resolver.similarity_threshold", "must be in (0, 1]")
	}
	if c.Mutation.AutoApproveThreshold < 0 || c.Mutation.AutoApproveThreshold > 1 {
		return forgeerr.ErrConfigInvalid("mutation.auto_approve_threshold", "must be in [0, 1]")
	}
	if len(c.Analyzers) == 0 {
		return forgeerr.ErrConfigMissing("analyzers")
	}
	for i, a := range c.Analyzers {
		if a.Name == "" {
			return forgeerr.ErrConfigInvalid(fmt.Sprintf("analyzers[%d].name", i), "must not be empty")
		}
		if a.Weight <= 0 {
			return forgeerr.ErrConfigInvalid(
				fmt.Sprintf("analyzers[%d].weight", i), "must be positive")
		}
	}
	return nil
}

// AnalyzerWeights returns the configured reliability weight per analyzer.
func (c *Config) AnalyzerWeights() map[string]float64 {
	weights := make(map[string]float64, len(c.Analyzers))
	for _, a := range c.Analyzers {
		weights[a.Name] = a.Weight
	}
	return weights
}

// IsInitialized returns true if planforge has been initialized here.
func IsInitialized() bool {
	info, err := os.Stat(ForgeDir)
	return err == nil && info.IsDir()
}

// RequireInit returns an error if planforge is not initialized.
func RequireInit() error {
	if !IsInitialized() {
		return forgeerr.ErrNotInitialized()
	}
	return nil
}
