// Package archive exports experiences and connections to external storage.
// Export is best-effort: the in-memory structures stay the source of truth
// and a failing sink never slows the decision path.
package archive

import (
	"context"
	"errors"
	"time"

	"github.com/danielpatrickdp/reflexcore/internal/experience"
	"github.com/danielpatrickdp/reflexcore/internal/graph"
)

// #region batch
// Batch is one unit of export.
type Batch struct {
	ID          string
	CreatedAt   time.Time
	Experiences []experience.Entry
	Connections []graph.Connection
}

// Empty reports whether the batch carries nothing.
func (b Batch) Empty() bool {
	return len(b.Experiences) == 0 && len(b.Connections) == 0
}

// #endregion batch

// #region sink
// Sink stores batches. Connections are upserted by id; experiences by seq.
type Sink interface {
	Write(ctx context.Context, b Batch) error
	Close() error
}

// ErrNotFound is returned by sink readers for missing keys.
var ErrNotFound = errors.New("archive: not found")

// #endregion sink

// #region summary
// Summary describes what a sink holds.
type Summary struct {
	Batches     int
	Experiences int
	Connections int
	ByPath      map[string]int
	ByOutcome   map[string]int
	MeanReward  float64
}

// BatchInfo is one row of export_batches.
type BatchInfo struct {
	ID          string
	CreatedAt   time.Time
	Experiences int
	Connections int
}

// #endregion summary
