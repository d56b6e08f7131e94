package archive

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/danielpatrickdp/reflexcore/internal/experience"
	"github.com/danielpatrickdp/reflexcore/internal/graph"
	"github.com/danielpatrickdp/reflexcore/internal/metrics"
)

// #region exporter
// ExportStats counts exporter activity.
type ExportStats struct {
	Offered uint64
	Dropped uint64
	Written uint64
	Failed  uint64
}

// Exporter hands batches to a sink on its own goroutine.
type Exporter struct {
	sink    Sink
	queue   chan Batch
	log     zerolog.Logger
	metrics *metrics.Metrics

	offered, dropped, written, failed atomic.Uint64
}

// NewExporter buffers up to buffer batches in front of sink. m may be nil.
func NewExporter(sink Sink, buffer int, log zerolog.Logger, m *metrics.Metrics) *Exporter {
	if buffer <= 0 {
		buffer = 16
	}
	return &Exporter{sink: sink, queue: make(chan Batch, buffer), log: log, metrics: m}
}

// Offer queues b without blocking. It returns false and counts a drop when
// the queue is full. An empty ID is filled with a new uuid.
func (x *Exporter) Offer(b Batch) bool {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	x.offered.Add(1)
	select {
	case x.queue <- b:
		return true
	default:
		x.dropped.Add(1)
		x.metrics.ObserveExport(0, len(b.Experiences)+len(b.Connections), 0)
		x.log.Warn().Str("batch", b.ID).Msg("export queue full, batch dropped")
		return false
	}
}

// Run writes queued batches until ctx is done, then flushes what is already
// queued with a short grace period. Sink errors are logged, never returned.
func (x *Exporter) Run(ctx context.Context) error {
	return x.run(ctx, nil)
}

// run drains after ctx is done. A non-nil producer delays the drain until it
// closes, so batches offered during shutdown are still written.
func (x *Exporter) run(ctx context.Context, producer <-chan struct{}) error {
	for {
		select {
		case b := <-x.queue:
			x.write(ctx, b)
		case <-ctx.Done():
			if producer != nil {
				<-producer
			}
			grace, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			for {
				select {
				case b := <-x.queue:
					x.write(grace, b)
				default:
					return nil
				}
			}
		}
	}
}

func (x *Exporter) write(ctx context.Context, b Batch) {
	n := len(b.Experiences) + len(b.Connections)
	if err := x.sink.Write(ctx, b); err != nil {
		x.failed.Add(1)
		x.metrics.ObserveExport(0, 0, n)
		x.log.Warn().Err(err).Str("batch", b.ID).Int("records", n).Msg("export failed")
		return
	}
	x.written.Add(1)
	x.metrics.ObserveExport(n, 0, 0)
	x.log.Debug().Str("batch", b.ID).Int("records", n).Msg("exported")
}

// Stats returns a snapshot of the counters.
func (x *Exporter) Stats() ExportStats {
	return ExportStats{
		Offered: x.offered.Load(),
		Dropped: x.dropped.Load(),
		Written: x.written.Load(),
		Failed:  x.failed.Load(),
	}
}

// #endregion exporter

// #region follow
// Follow offers the experiences appended since the previous tick, plus a
// connection snapshot, every interval until ctx is done. g may be nil.
func (x *Exporter) Follow(ctx context.Context, events *experience.Log, g *graph.Graph, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var last uint64
	for {
		select {
		case <-ctx.Done():
			x.tick(events, g, &last)
			return nil
		case <-ticker.C:
			x.tick(events, g, &last)
		}
	}
}

// Stream runs Follow and Run together until ctx is done. The final Follow
// tick is queued before the queue is drained.
func (x *Exporter) Stream(ctx context.Context, events *experience.Log, g *graph.Graph, interval time.Duration) error {
	followed := make(chan struct{})
	go func() {
		defer close(followed)
		_ = x.Follow(ctx, events, g, interval)
	}()
	return x.run(ctx, followed)
}

func (x *Exporter) tick(events *experience.Log, g *graph.Graph, last *uint64) {
	head := events.Head()
	b := Batch{}
	if head > *last {
		b.Experiences = events.Range(*last+1, head)
		*last = head
	}
	if g != nil {
		b.Connections = g.Snapshot()
	}
	if !b.Empty() {
		x.Offer(b)
	}
}

// #endregion follow
