package config

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/danielpatrickdp/reflexcore/internal/action"
	"github.com/danielpatrickdp/reflexcore/internal/archive"
	"github.com/danielpatrickdp/reflexcore/internal/codec"
	"github.com/danielpatrickdp/reflexcore/internal/engine"
	"github.com/danielpatrickdp/reflexcore/internal/experience"
	"github.com/danielpatrickdp/reflexcore/internal/graph"
	"github.com/danielpatrickdp/reflexcore/internal/logging"
	"github.com/danielpatrickdp/reflexcore/internal/policy"
	"github.com/danielpatrickdp/reflexcore/internal/spatial"
	"github.com/danielpatrickdp/reflexcore/internal/state"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// #region validate
// Validate checks ranges and cross references. It returns the first problem.
func (c *Config) Validate() error {
	bad := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
	}

	if c.Hash.Shift < 0 || c.Hash.Shift > spatial.MaxShift {
		return bad("hash.shift %d must be between 0 and %d", c.Hash.Shift, spatial.MaxShift)
	}
	if len(c.Hash.Shifts) > state.Dims {
		return bad("hash.shifts has %d entries, at most %d allowed", len(c.Hash.Shifts), state.Dims)
	}
	for i, s := range c.Hash.Shifts {
		if s < 0 || s > spatial.MaxShift {
			return bad("hash.shifts[%d] = %d must be between 0 and %d", i, s, spatial.MaxShift)
		}
	}

	if t := c.Reflex.SimilarityThreshold; t < 0 || t > 1 {
		return bad("reflex.similarity_threshold %v must be within [0, 1]", t)
	}

	switch policy.TieBreak(c.Policy.TieBreak) {
	case "", policy.TieLowestID, policy.TieLowestCost, policy.TieRandom:
	default:
		return bad("invalid policy.tie_break '%s', must be one of: lowest_id, lowest_cost, random", c.Policy.TieBreak)
	}
	if len(c.Appraisal.Setpoint) > state.Dims {
		return bad("appraisal.setpoint has %d entries, at most %d allowed", len(c.Appraisal.Setpoint), state.Dims)
	}

	for name, v := range map[string]int{
		"guardian.confidence_floor":        c.Guardian.ConfidenceFloor,
		"guardian.confidence_ceiling":      c.Guardian.ConfidenceCeiling,
		"guardian.initial_confidence":      c.Guardian.InitialConfidence,
		"guardian.promote_min_activations": c.Guardian.PromoteMinActivations,
		"guardian.promote_min_confidence":  c.Guardian.PromoteMinConfidence,
		"guardian.prune_ceiling":           c.Guardian.PruneCeiling,
		"appraisal.valence_min_confidence": c.Appraisal.ValenceMinConfidence,
		"consolidation.prune_below":        c.Consolidation.PruneBelow,
	} {
		if v < 0 || v > 255 {
			return bad("%s %d must be between 0 and 255", name, v)
		}
	}
	if c.Guardian.ConfidenceFloor > c.Guardian.ConfidenceCeiling {
		return bad("guardian.confidence_floor exceeds confidence_ceiling")
	}
	if c.Guardian.MaxStep <= 0 {
		return bad("guardian.max_step must be positive")
	}

	if e := c.Arbiter.Epsilon; e < 0 || e > 1 {
		return bad("arbiter.epsilon %v must be within [0, 1]", e)
	}
	if c.Arbiter.Timeout < 0 {
		return bad("arbiter.timeout cannot be negative")
	}
	if c.EventLog.Capacity < 0 {
		return bad("event_log.capacity cannot be negative")
	}

	switch c.Consolidation.Sampler {
	case "", "uniform", "prioritized", "recent":
	default:
		return bad("invalid consolidation.sampler '%s', must be one of: uniform, prioritized, recent", c.Consolidation.Sampler)
	}
	if p := c.Consolidation.MaxPValue; p <= 0 || p > 1 {
		return bad("consolidation.max_p_value %v must be within (0, 1]", p)
	}
	if c.Consolidation.Interval < 0 {
		return bad("consolidation.interval cannot be negative")
	}

	switch c.Archive.Driver {
	case "", "none":
	case "sqlite", "badger":
		if c.Archive.Path == "" {
			return bad("archive.path is required for driver %s", c.Archive.Driver)
		}
	default:
		return bad("invalid archive.driver '%s', must be one of: none, sqlite, badger", c.Archive.Driver)
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return bad("logging: %v", err)
	}
	if f := c.Logging.Format; f != "" && f != "json" && f != "console" {
		return bad("invalid logging.format '%s', must be 'json' or 'console'", f)
	}

	actions := make(map[uint32]ActionConfig, len(c.Actions))
	for _, a := range c.Actions {
		if a.ID == 0 {
			return bad("action %q has zero id", a.Name)
		}
		if _, dup := actions[a.ID]; dup {
			return bad("duplicate action id %d", a.ID)
		}
		if len(a.Effect) > state.Dims {
			return bad("action %d effect has %d entries, at most %d allowed", a.ID, len(a.Effect), state.Dims)
		}
		actions[a.ID] = a
	}
	fs, ok := actions[c.Arbiter.Failsafe]
	if !ok {
		return bad("arbiter.failsafe %d is not a configured action", c.Arbiter.Failsafe)
	}
	if !fs.Safe {
		return bad("arbiter.failsafe %d must be marked safe", c.Arbiter.Failsafe)
	}

	kinds := make(map[string]bool, len(c.Executors))
	for _, e := range c.Executors {
		if e.Kind == "" || e.Address == "" {
			return bad("executor entries need kind and address")
		}
		if kinds[e.Kind] {
			return bad("duplicate executor kind %q", e.Kind)
		}
		kinds[e.Kind] = true
	}

	for _, s := range c.Seeds {
		if _, ok := actions[s.Action]; !ok {
			return bad("seed %d->%d targets an unknown action", s.Source, s.Action)
		}
		if s.Confidence < 0 || s.Confidence > 255 {
			return bad("seed %d->%d confidence %d must be between 0 and 255", s.Source, s.Action, s.Confidence)
		}
	}
	return nil
}

// #endregion validate

// #region convert
// Shifts expands the hash section into per-dimension shifts.
func (c *Config) Shifts() spatial.Shifts {
	s := spatial.UniformShifts(uint8(c.Hash.Shift))
	for i, v := range c.Hash.Shifts {
		s[i] = uint8(v)
	}
	return s
}

// Engine converts the tunables into an engine configuration.
func (c *Config) Engine() engine.Config {
	cfg := engine.DefaultConfig()
	cfg.Shifts = c.Shifts()

	cfg.Reflex.Shards = c.Reflex.Shards
	cfg.Reflex.MaxCandidates = c.Reflex.MaxCandidates
	cfg.Reflex.SimilarityThreshold = c.Reflex.SimilarityThreshold

	if len(c.Policy.Weights) > 0 {
		cfg.Policy.Weights = c.Policy.Weights
	}
	if c.Policy.TieBreak != "" {
		cfg.Policy.TieBreak = policy.TieBreak(c.Policy.TieBreak)
	}
	cfg.Policy.Temperature = c.Policy.Temperature
	cfg.Policy.Seed = c.Policy.Seed

	a := &cfg.Appraisal
	copy(a.Setpoint[:], c.Appraisal.Setpoint)
	a.HomeostaticScale = c.Appraisal.HomeostaticScale
	a.NoveltyWindow = c.Appraisal.NoveltyWindow
	a.NoveltyMinHistory = c.Appraisal.NoveltyMinHistory
	a.MaxCost = c.Appraisal.MaxCost
	a.ValenceNeighbors = c.Appraisal.ValenceNeighbors
	a.ValenceMinConf = uint8(c.Appraisal.ValenceMinConfidence)
	a.GoalBonus = c.Appraisal.GoalBonus

	g := c.Guardian
	cfg.Constitution.ConfidenceFloor = uint8(g.ConfidenceFloor)
	cfg.Constitution.ConfidenceCeiling = uint8(g.ConfidenceCeiling)
	cfg.Constitution.MaxStep = g.MaxStep
	cfg.Constitution.MaxOutDegree = g.MaxOutDegree
	cfg.Constitution.MaxConnections = g.MaxConnections
	cfg.Constitution.InitialConfidence = uint8(g.InitialConfidence)
	cfg.Constitution.PromoteMinActivations = uint8(g.PromoteMinActivations)
	cfg.Constitution.PromoteMinConfidence = uint8(g.PromoteMinConfidence)
	cfg.Constitution.PromotedRigidity = float32(g.PromotedRigidity)
	cfg.Constitution.PruneCeiling = uint8(g.PruneCeiling)
	cfg.Constitution.MinReflexStrength = g.MinReflexStrength
	cfg.Constitution.MaxActionCost = g.MaxActionCost
	cfg.Constitution.ForbiddenReflexActions = nil
	for _, id := range g.ForbiddenReflexActions {
		cfg.Constitution.ForbiddenReflexActions = append(cfg.Constitution.ForbiddenReflexActions, action.ID(id))
	}

	cfg.Arbiter.Epsilon = c.Arbiter.Epsilon
	cfg.Arbiter.Seed = c.Arbiter.Seed
	cfg.Arbiter.Failsafe = action.ID(c.Arbiter.Failsafe)
	cfg.Arbiter.HistoryWindow = c.Arbiter.HistoryWindow
	cfg.Arbiter.DefaultTimeout = c.Arbiter.Timeout

	cfg.EventLogCapacity = c.EventLog.Capacity

	cc := c.Consolidation
	cfg.ConsolidationInterval = cc.Interval
	cfg.Consolidation.BatchSize = cc.BatchSize
	cfg.Consolidation.Sampler = experience.NewSampler(cc.Sampler)
	cfg.Consolidation.MinSamples = cc.MinSamples
	cfg.Consolidation.MaxPValue = cc.MaxPValue
	cfg.Consolidation.MinEffectSize = cc.MinEffectSize
	cfg.Consolidation.ConfidenceStep = cc.ConfidenceStep
	cfg.Consolidation.PruneBelow = uint8(cc.PruneBelow)
	cfg.Consolidation.DecayRate = cc.DecayRate
	cfg.Consolidation.Seed = cc.Seed

	cfg.Archive.Buffer = c.Archive.Buffer
	cfg.Archive.Interval = c.Archive.Interval
	return cfg
}

// ActionSpecs returns the configured catalog.
func (c *Config) ActionSpecs() []action.Spec {
	out := make([]action.Spec, 0, len(c.Actions))
	for _, a := range c.Actions {
		s := action.Spec{
			ID:     action.ID(a.ID),
			Name:   a.Name,
			Kind:   a.Kind,
			Cost:   a.Cost,
			Goals:  a.Goals,
			Safe:   a.Safe,
			Params: a.Params,
		}
		copy(s.Effect[:], a.Effect)
		out = append(out, s)
	}
	return out
}

// SeedSpecs returns the configured immutable connections.
func (c *Config) SeedSpecs() []engine.Seed {
	out := make([]engine.Seed, 0, len(c.Seeds))
	for _, s := range c.Seeds {
		out = append(out, engine.Seed{
			Source:     graph.NodeID(s.Source),
			Target:     graph.ActionNode(action.ID(s.Action)),
			Confidence: uint8(s.Confidence),
		})
	}
	return out
}

// OpenSink opens the configured archive, or returns nil for driver none.
func (c *Config) OpenSink() (archive.Sink, error) {
	switch c.Archive.Driver {
	case "sqlite":
		s, err := archive.OpenSQLite(c.Archive.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "badger":
		s, err := archive.OpenBadger(archive.BadgerConfig{Path: c.Archive.Path, SyncWrites: c.Archive.SyncWrites})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, nil
	}
}

// RemoteExecutors dials a client per configured kind. On error the clients
// opened so far are closed.
func (c *Config) RemoteExecutors() (map[string]*codec.RemoteExecutor, error) {
	out := make(map[string]*codec.RemoteExecutor, len(c.Executors))
	for _, e := range c.Executors {
		timeout := e.Timeout
		if timeout <= 0 {
			timeout = c.Arbiter.Timeout
		}
		re, err := codec.NewRemoteExecutor(e.Address, timeout)
		if err != nil {
			for _, open := range out {
				open.Close()
			}
			return nil, fmt.Errorf("executor %s at %s: %w", e.Kind, e.Address, err)
		}
		out[e.Kind] = re
	}
	return out, nil
}

// Logger builds the root logger from the logging section.
func (c *Config) Logger() zerolog.Logger {
	return logging.New(c.Logging)
}

// #endregion convert
