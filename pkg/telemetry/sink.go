// Package telemetry provides pluggable metric sinks for the
// count_queued_submissions job, mirroring the original's optional New Relic
// custom-metric export without hard-coding one vendor.
package telemetry

import (
	"context"
	"fmt"
	"io"

	"github.com/sogos/xqueue-dispatch/internal/domain/entity"
)

// Sink receives per-queue unretired submission counts.
type Sink interface {
	EmitQueueCounts(ctx context.Context, counts []entity.QueueCount) error
}

// StdoutSink pretty-prints a tabulated queue/count listing. The job always
// runs this one regardless of whether an additional sink is configured.
type StdoutSink struct {
	Out io.Writer
}

// EmitQueueCounts writes a two-column table, one row per queue.
func (s *StdoutSink) EmitQueueCounts(ctx context.Context, counts []entity.QueueCount) error {
	for _, c := range counts {
		if _, err := fmt.Fprintf(s.Out, "%-30s %-10d\n", c.QueueName, c.Count); err != nil {
			return err
		}
	}
	return nil
}

// CounterSink accumulates the most recent counts in memory, the shape a
// metrics-agent-backed sink (statsd, New Relic custom events, etc.) would
// fill in; this module ships only the in-memory variant since no metrics
// agent SDK is part of the dependency set.
type CounterSink struct {
	Latest []entity.QueueCount
}

// EmitQueueCounts records counts for later inspection (e.g. by a /metrics
// handler or a test).
func (s *CounterSink) EmitQueueCounts(ctx context.Context, counts []entity.QueueCount) error {
	s.Latest = counts
	return nil
}

// MultiSink fans a single EmitQueueCounts call out to every configured
// sink, stopping at the first error.
type MultiSink struct {
	Sinks []Sink
}

// EmitQueueCounts emits to every configured sink in order.
func (m *MultiSink) EmitQueueCounts(ctx context.Context, counts []entity.QueueCount) error {
	for _, s := range m.Sinks {
		if err := s.EmitQueueCounts(ctx, counts); err != nil {
			return err
		}
	}
	return nil
}
