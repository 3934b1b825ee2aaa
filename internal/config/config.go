// Package config loads the immutable run configuration snapshot: the
// scenario/constitution/model matrix inputs, retry and concurrency policy,
// and storage paths. A run loads its configuration exactly once; nothing
// mutates it afterwards.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Scenario describes one ethical-dilemma scenario presented to models.
// BaselineFacts, when present, replaces the fact-extraction model call.
type Scenario struct {
	ID            string         `yaml:"id" validate:"required"`
	Title         string         `yaml:"title"`
	Description   string         `yaml:"description" validate:"required"`
	DecisionPoint string         `yaml:"decision_point" validate:"required"`
	BaselineFacts *BaselineFacts `yaml:"baseline_facts,omitempty"`
}

// BaselineFacts is a pre-authored stage-1 result for a scenario.
type BaselineFacts struct {
	EstablishedFacts  []string `yaml:"established_facts"`
	AmbiguousElements []string `yaml:"ambiguous_elements"`
	KeyQuestions      []string `yaml:"key_questions"`
}

// Constitution describes one value framework that conditions reasoning.
type Constitution struct {
	ID          string `yaml:"id" validate:"required"`
	Name        string `yaml:"name"`
	Description string `yaml:"description" validate:"required"`
}

// Model binds a model identifier to its provider and output budget.
type Model struct {
	ID        string `yaml:"id" validate:"required"`
	Provider  string `yaml:"provider" validate:"required"`
	MaxTokens int    `yaml:"max_tokens" validate:"min=1"`
}

// SelectionMode controls which combinations the matrix generator emits.
type SelectionMode string

const (
	// SelectAll expands the full cartesian product.
	SelectAll SelectionMode = "all"

	// SelectFailed re-runs only trials that are terminal failed in the
	// ledger, reusing their original IDs.
	SelectFailed SelectionMode = "failed"

	// SelectIDs re-runs an explicit ID subset, reusing original IDs.
	SelectIDs SelectionMode = "ids"
)

// Selection names the subset rule for this run.
type Selection struct {
	Mode SelectionMode `yaml:"mode" validate:"required,oneof=all failed ids"`
	IDs  []int64       `yaml:"ids,omitempty"`
}

// RetryConfig controls transient-failure retry behavior per stage.
// Exponential backoff with full jitter; malformed output is never retried.
type RetryConfig struct {
	MaxRetries      int           `yaml:"max_retries" validate:"min=0"`
	InitialInterval time.Duration `yaml:"initial_interval" validate:"min=0"`
	MaxInterval     time.Duration `yaml:"max_interval" validate:"min=0"`
	Multiplier      float64       `yaml:"multiplier" validate:"min=1"`
	UseJitter       bool          `yaml:"use_jitter"`
}

// ProviderLimit is a local token-bucket rate limit for one provider.
type ProviderLimit struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gt=0"`
	Burst             int     `yaml:"burst" validate:"min=1"`
}

// ConcurrencyConfig sizes the worker pool and provider pacing.
type ConcurrencyConfig struct {
	Workers int `yaml:"workers" validate:"min=1"`

	// ProviderPause is the mandatory pause between dispatched batches that
	// cross provider boundaries.
	ProviderPause time.Duration `yaml:"provider_pause" validate:"min=0"`

	// Limits maps provider name to its local rate limit.
	Limits map[string]ProviderLimit `yaml:"limits"`
}

// LivenessConfig controls claim staleness recovery.
type LivenessConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" validate:"min=0"`
	ClaimTimeout      time.Duration `yaml:"claim_timeout" validate:"min=0"`
}

// Config is the immutable per-run configuration snapshot.
type Config struct {
	RunID string `yaml:"run_id"`

	DataDir string `yaml:"data_dir" validate:"required"`
	DBPath  string `yaml:"db_path" validate:"required"`

	Scenarios     []Scenario     `yaml:"scenarios" validate:"required,min=1,dive"`
	Constitutions []Constitution `yaml:"constitutions" validate:"required,min=1,dive"`
	Models        []Model        `yaml:"models" validate:"required,min=1,dive"`

	// Evaluators lists evaluator model IDs; every listed ID must also
	// appear under models so its provider and budget are known.
	Evaluators []string `yaml:"evaluators" validate:"required,min=1"`

	// Strategies lists rubric strategy IDs registered in the strategy
	// package (likert, binary, ternary).
	Strategies []string `yaml:"strategies" validate:"required,min=1"`

	Selection   Selection         `yaml:"selection"`
	Retry       RetryConfig       `yaml:"retry"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Liveness    LivenessConfig    `yaml:"liveness"`

	// InvokeTimeout bounds every external model call.
	InvokeTimeout time.Duration `yaml:"invoke_timeout" validate:"gt=0"`
}

// Default returns the baseline configuration applied before the YAML
// document overrides it.
func Default() Config {
	return Config{
		DataDir: "runs",
		DBPath:  "runs/trials.db",
		Selection: Selection{
			Mode: SelectAll,
		},
		Retry: RetryConfig{
			MaxRetries:      3,
			InitialInterval: 2 * time.Second,
			MaxInterval:     60 * time.Second,
			Multiplier:      2.0,
			UseJitter:       true,
		},
		Concurrency: ConcurrencyConfig{
			Workers:       4,
			ProviderPause: 500 * time.Millisecond,
		},
		Liveness: LivenessConfig{
			HeartbeatInterval: 30 * time.Second,
			ClaimTimeout:      10 * time.Minute,
		},
		InvokeTimeout: 2 * time.Minute,
	}
}

// Load reads, decodes, and validates a YAML configuration file, layering
// the document over Default(). The returned snapshot is complete: callers
// never consult defaults again.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML configuration document.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.RunID == "" {
		cfg.RunID = time.Now().UTC().Format("run-20060102-150405")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces struct tags plus the cross-field rules the tags cannot
// express.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	models := make(map[string]Model, len(c.Models))
	for _, m := range c.Models {
		if _, dup := models[m.ID]; dup {
			return fmt.Errorf("invalid config: duplicate model id %q", m.ID)
		}
		models[m.ID] = m
	}
	for _, ev := range c.Evaluators {
		if _, ok := models[ev]; !ok {
			return fmt.Errorf("invalid config: evaluator %q is not a configured model", ev)
		}
	}

	seenScenario := make(map[string]struct{}, len(c.Scenarios))
	for _, s := range c.Scenarios {
		if _, dup := seenScenario[s.ID]; dup {
			return fmt.Errorf("invalid config: duplicate scenario id %q", s.ID)
		}
		seenScenario[s.ID] = struct{}{}
	}
	seenConst := make(map[string]struct{}, len(c.Constitutions))
	for _, cn := range c.Constitutions {
		if _, dup := seenConst[cn.ID]; dup {
			return fmt.Errorf("invalid config: duplicate constitution id %q", cn.ID)
		}
		seenConst[cn.ID] = struct{}{}
	}

	if c.Selection.Mode == SelectIDs && len(c.Selection.IDs) == 0 {
		return fmt.Errorf("invalid config: selection mode %q requires ids", SelectIDs)
	}
	return nil
}

// ModelByID returns the model descriptor for an ID.
func (c *Config) ModelByID(id string) (Model, bool) {
	for _, m := range c.Models {
		if m.ID == id {
			return m, true
		}
	}
	return Model{}, false
}

// ScenarioByID returns the scenario descriptor for an ID.
func (c *Config) ScenarioByID(id string) (Scenario, bool) {
	for _, s := range c.Scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return Scenario{}, false
}

// ConstitutionByID returns the constitution descriptor for an ID.
func (c *Config) ConstitutionByID(id string) (Constitution, bool) {
	for _, cn := range c.Constitutions {
		if cn.ID == id {
			return cn, true
		}
	}
	return Constitution{}, false
}
