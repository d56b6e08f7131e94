// Package engine wires the decision core together: state structures,
// guardian, evaluator, arbiter, consolidation and the optional archive.
package engine

import (
	"time"

	"github.com/danielpatrickdp/reflexcore/internal/appraisal"
	"github.com/danielpatrickdp/reflexcore/internal/arbiter"
	"github.com/danielpatrickdp/reflexcore/internal/consolidation"
	"github.com/danielpatrickdp/reflexcore/internal/guardian"
	"github.com/danielpatrickdp/reflexcore/internal/policy"
	"github.com/danielpatrickdp/reflexcore/internal/reflex"
	"github.com/danielpatrickdp/reflexcore/internal/spatial"
)

// #region config
// AppraisalConfig tunes the built-in appraisers.
type AppraisalConfig = appraisal.Tuning

// ArchiveConfig controls the background exporter.
type ArchiveConfig struct {
	Buffer   int
	Interval time.Duration
}

// Config is everything the builder needs besides the action catalog.
type Config struct {
	Shifts                spatial.Shifts
	GraphShards           int
	Reflex                reflex.Config
	Policy                policy.Config
	Appraisal             AppraisalConfig
	Constitution          guardian.Constitution
	Arbiter               arbiter.Config
	EventLogCapacity      int
	Consolidation         consolidation.Config
	ConsolidationInterval time.Duration // 0 disables the periodic loop
	Archive               ArchiveConfig
}

// DefaultConfig returns the built-in defaults. Arbiter.Failsafe must be set
// to a registered safe action before Build.
func DefaultConfig() Config {
	return Config{
		Shifts:                spatial.DefaultShifts(),
		GraphShards:           16,
		Reflex:                reflex.DefaultConfig(),
		Policy:                policy.DefaultConfig(),
		Appraisal:             appraisal.DefaultTuning(),
		Constitution:          guardian.DefaultConstitution(),
		Arbiter:               arbiter.DefaultConfig(),
		EventLogCapacity:      1 << 16,
		Consolidation:         consolidation.DefaultConfig(),
		ConsolidationInterval: 30 * time.Second,
		Archive:               ArchiveConfig{Buffer: 16, Interval: 5 * time.Second},
	}
}

// #endregion config
