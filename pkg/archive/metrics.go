package archive

import (
	"context"
	"time"

	"github.com/marmos91/dittoudp/pkg/metrics"
)

type instrumentedArchiver struct {
	Archiver
	metrics metrics.StoreMetrics
}

// WithMetrics wraps a so archive and fetch calls are reported to m.
// A nil m returns a unchanged.
func WithMetrics(a Archiver, m metrics.StoreMetrics) Archiver {
	if m == nil {
		return a
	}
	return &instrumentedArchiver{Archiver: a, metrics: m}
}

func (a *instrumentedArchiver) Archive(ctx context.Context, r Record) error {
	start := time.Now()
	err := a.Archiver.Archive(ctx, r)
	a.metrics.RecordOperation("archive", time.Since(start), err)
	if err == nil {
		a.metrics.RecordBytes("archive", len(r.Payload))
	}
	return err
}

func (a *instrumentedArchiver) Fetch(ctx context.Context, key string) (Record, error) {
	start := time.Now()
	r, err := a.Archiver.Fetch(ctx, key)
	a.metrics.RecordOperation("fetch", time.Since(start), err)
	if err == nil {
		a.metrics.RecordBytes("fetch", len(r.Payload))
	}
	return r, err
}
