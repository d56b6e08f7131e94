// Package config loads the controller configuration from YAML with
// environment overrides and converts it into engine, catalog and archive
// settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/danielpatrickdp/reflexcore/internal/logging"
)

// EnvPrefix prefixes environment overrides, e.g. REFLEX_ARBITER_EPSILON.
const EnvPrefix = "REFLEX"

// #region types
// Config is the full controller configuration.
type Config struct {
	Hash          HashConfig          `mapstructure:"hash" yaml:"hash"`
	Reflex        ReflexConfig        `mapstructure:"reflex" yaml:"reflex"`
	Policy        PolicyConfig        `mapstructure:"policy" yaml:"policy"`
	Appraisal     AppraisalConfig     `mapstructure:"appraisal" yaml:"appraisal"`
	Guardian      GuardianConfig      `mapstructure:"guardian" yaml:"guardian"`
	Arbiter       ArbiterConfig       `mapstructure:"arbiter" yaml:"arbiter"`
	EventLog      EventLogConfig      `mapstructure:"event_log" yaml:"event_log"`
	Consolidation ConsolidationConfig `mapstructure:"consolidation" yaml:"consolidation"`
	Archive       ArchiveConfig       `mapstructure:"archive" yaml:"archive"`
	Metrics       MetricsConfig       `mapstructure:"metrics" yaml:"metrics"`
	Logging       logging.Config      `mapstructure:"logging" yaml:"logging"`
	Actions       []ActionConfig      `mapstructure:"actions" yaml:"actions"`
	Executors     []ExecutorConfig    `mapstructure:"executors" yaml:"executors,omitempty"`
	Seeds         []SeedConfig        `mapstructure:"seeds" yaml:"seeds,omitempty"`
}

// HashConfig sets the quantization shift per dimension. Shifts overrides
// Shift for the dimensions it lists.
type HashConfig struct {
	Shift  int   `mapstructure:"shift" yaml:"shift"`
	Shifts []int `mapstructure:"shifts" yaml:"shifts,omitempty"`
}

type ReflexConfig struct {
	Shards              int     `mapstructure:"shards" yaml:"shards"`
	MaxCandidates       int     `mapstructure:"max_candidates" yaml:"max_candidates"`
	SimilarityThreshold float64 `mapstructure:"similarity_threshold" yaml:"similarity_threshold"`
}

// PolicyConfig weights appraisers by name (homeostatic, novelty, cost, valence).
type PolicyConfig struct {
	Weights     map[string]float64 `mapstructure:"weights" yaml:"weights"`
	TieBreak    string             `mapstructure:"tie_break" yaml:"tie_break"` // lowest_id | lowest_cost | random
	Temperature float64            `mapstructure:"temperature" yaml:"temperature"`
	Seed        uint64             `mapstructure:"seed" yaml:"seed"`
}

type AppraisalConfig struct {
	Setpoint             []float64 `mapstructure:"setpoint" yaml:"setpoint,omitempty"`
	HomeostaticScale     float64   `mapstructure:"homeostatic_scale" yaml:"homeostatic_scale"`
	NoveltyWindow        int       `mapstructure:"novelty_window" yaml:"novelty_window"`
	NoveltyMinHistory    int       `mapstructure:"novelty_min_history" yaml:"novelty_min_history"`
	MaxCost              float64   `mapstructure:"max_cost" yaml:"max_cost"`
	ValenceNeighbors     int       `mapstructure:"valence_neighbors" yaml:"valence_neighbors"`
	ValenceMinConfidence int       `mapstructure:"valence_min_confidence" yaml:"valence_min_confidence"`
	GoalBonus            float64   `mapstructure:"goal_bonus" yaml:"goal_bonus"`
}

// GuardianConfig is the constitution.
type GuardianConfig struct {
	ConfidenceFloor        int      `mapstructure:"confidence_floor" yaml:"confidence_floor"`
	ConfidenceCeiling      int      `mapstructure:"confidence_ceiling" yaml:"confidence_ceiling"`
	MaxStep                int      `mapstructure:"max_step" yaml:"max_step"`
	MaxOutDegree           int      `mapstructure:"max_out_degree" yaml:"max_out_degree"`
	MaxConnections         int      `mapstructure:"max_connections" yaml:"max_connections"`
	InitialConfidence      int      `mapstructure:"initial_confidence" yaml:"initial_confidence"`
	PromoteMinActivations  int      `mapstructure:"promote_min_activations" yaml:"promote_min_activations"`
	PromoteMinConfidence   int      `mapstructure:"promote_min_confidence" yaml:"promote_min_confidence"`
	PromotedRigidity       float64  `mapstructure:"promoted_rigidity" yaml:"promoted_rigidity"`
	PruneCeiling           int      `mapstructure:"prune_ceiling" yaml:"prune_ceiling"`
	MinReflexStrength      float64  `mapstructure:"min_reflex_strength" yaml:"min_reflex_strength"`
	ForbiddenReflexActions []uint32 `mapstructure:"forbidden_reflex_actions" yaml:"forbidden_reflex_actions,omitempty"`
	MaxActionCost          float64  `mapstructure:"max_action_cost" yaml:"max_action_cost"`
}

type ArbiterConfig struct {
	Epsilon       float64       `mapstructure:"epsilon" yaml:"epsilon"`
	Seed          uint64        `mapstructure:"seed" yaml:"seed"`
	Failsafe      uint32        `mapstructure:"failsafe" yaml:"failsafe"`
	HistoryWindow int           `mapstructure:"history_window" yaml:"history_window"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type EventLogConfig struct {
	Capacity int `mapstructure:"capacity" yaml:"capacity"`
}

type ConsolidationConfig struct {
	Interval       time.Duration `mapstructure:"interval" yaml:"interval"` // 0 disables the loop
	BatchSize      int           `mapstructure:"batch_size" yaml:"batch_size"`
	Sampler        string        `mapstructure:"sampler" yaml:"sampler"` // uniform | prioritized | recent
	MinSamples     int           `mapstructure:"min_samples" yaml:"min_samples"`
	MaxPValue      float64       `mapstructure:"max_p_value" yaml:"max_p_value"`
	MinEffectSize  float64       `mapstructure:"min_effect_size" yaml:"min_effect_size"`
	ConfidenceStep int           `mapstructure:"confidence_step" yaml:"confidence_step"`
	PruneBelow     int           `mapstructure:"prune_below" yaml:"prune_below"`
	DecayRate      float64       `mapstructure:"decay_rate" yaml:"decay_rate"`
	Seed           uint64        `mapstructure:"seed" yaml:"seed"`
}

// ArchiveConfig selects the export sink. Driver none disables export.
type ArchiveConfig struct {
	Driver     string        `mapstructure:"driver" yaml:"driver"` // none | sqlite | badger
	Path       string        `mapstructure:"path" yaml:"path"`
	Buffer     int           `mapstructure:"buffer" yaml:"buffer"`
	Interval   time.Duration `mapstructure:"interval" yaml:"interval"`
	SyncWrites bool          `mapstructure:"sync_writes" yaml:"sync_writes"`
}

// MetricsConfig exposes /metrics on Addr when set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

type ActionConfig struct {
	ID     uint32             `mapstructure:"id" yaml:"id"`
	Name   string             `mapstructure:"name" yaml:"name"`
	Kind   string             `mapstructure:"kind" yaml:"kind"`
	Cost   float64            `mapstructure:"cost" yaml:"cost"`
	Effect []float64          `mapstructure:"effect" yaml:"effect,omitempty"`
	Goals  []string           `mapstructure:"goals" yaml:"goals,omitempty"`
	Safe   bool               `mapstructure:"safe" yaml:"safe"`
	Params map[string]float64 `mapstructure:"params" yaml:"params,omitempty"`
}

// ExecutorConfig routes an action kind to a remote gRPC executor.
type ExecutorConfig struct {
	Kind    string        `mapstructure:"kind" yaml:"kind"`
	Address string        `mapstructure:"address" yaml:"address"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// SeedConfig is an immutable cell->action connection installed at startup.
type SeedConfig struct {
	Source     uint64 `mapstructure:"source" yaml:"source"`
	Action     uint32 `mapstructure:"action" yaml:"action"`
	Confidence int    `mapstructure:"confidence" yaml:"confidence"`
}

// #endregion types

// #region default
// Default returns a Config with a two-action catalog: a safe hold action used
// as the failsafe and one no-op probe.
func Default() *Config {
	return &Config{
		Hash: HashConfig{Shift: 14},
		Reflex: ReflexConfig{
			Shards:              64,
			MaxCandidates:       8,
			SimilarityThreshold: 0.5,
		},
		Policy: PolicyConfig{
			Weights: map[string]float64{
				"homeostatic": 1,
				"novelty":     0.5,
				"cost":        0.5,
				"valence":     1.5,
			},
			TieBreak:    "lowest_id",
			Temperature: 0.25,
			Seed:        1,
		},
		Appraisal: AppraisalConfig{
			HomeostaticScale:     1,
			NoveltyWindow:        256,
			NoveltyMinHistory:    16,
			MaxCost:              1,
			ValenceNeighbors:     4,
			ValenceMinConfidence: 32,
			GoalBonus:            0.25,
		},
		Guardian: GuardianConfig{
			ConfidenceCeiling:     255,
			MaxStep:               64,
			MaxOutDegree:          64,
			MaxConnections:        1 << 20,
			InitialConfidence:     128,
			PromoteMinActivations: 3,
			PromoteMinConfidence:  160,
			PromotedRigidity:      0.5,
			PruneCeiling:          64,
			MinReflexStrength:     0.05,
		},
		Arbiter: ArbiterConfig{
			Epsilon:       0.05,
			Seed:          1,
			Failsafe:      1,
			HistoryWindow: 256,
			Timeout:       2 * time.Second,
		},
		EventLog: EventLogConfig{Capacity: 1 << 16},
		Consolidation: ConsolidationConfig{
			Interval:       30 * time.Second,
			BatchSize:      2048,
			Sampler:        "recent",
			MinSamples:     8,
			MaxPValue:      0.05,
			MinEffectSize:  0.5,
			ConfidenceStep: 16,
			PruneBelow:     16,
			Seed:           1,
		},
		Archive: ArchiveConfig{
			Driver:   "none",
			Path:     "reflexcore.db",
			Buffer:   16,
			Interval: 5 * time.Second,
		},
		Logging: logging.DefaultConfig(),
		Actions: []ActionConfig{
			{ID: 1, Name: "hold", Kind: "noop", Safe: true},
			{ID: 2, Name: "probe", Kind: "noop", Cost: 0.1},
		},
	}
}

// #endregion default

// #region load
// Load reads path, creating it with defaults when missing, and applies
// REFLEX_ environment overrides.
func Load(path string) (*Config, error) {
	path = expandPath(path)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := Default().SaveToPath(path); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// REFLEX_ARBITER_EPSILON overrides arbiter.epsilon
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Archive.Path = expandPath(cfg.Archive.Path)
	return &cfg, nil
}

// SaveToPath writes c as YAML, creating parent directories.
func (c *Config) SaveToPath(path string) error {
	path = expandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}

// #endregion load
