package sampler

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Sample is the resource portion of one recorded row.
type Sample struct {
	Reading
	Rows int64
}

// ResourceSampler combines process and datastore reads. The target process is
// resolved once; afterwards every read degrades to zero instead of failing.
type ResourceSampler struct {
	locator ProcessLocator
	process ProcessSampler
	rows    RowCounter
	logger  *zap.Logger

	once     sync.Once
	pid      int32
	resolved bool
}

// New returns a ResourceSampler. Any collaborator may be nil, in which case the
// fields it would supply stay at zero.
func New(locator ProcessLocator, proc ProcessSampler, rows RowCounter, logger *zap.Logger) *ResourceSampler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResourceSampler{locator: locator, process: proc, rows: rows, logger: logger}
}

// ResolveTarget locates the target process on first call and returns the
// cached result afterwards.
func (s *ResourceSampler) ResolveTarget(ctx context.Context) (int32, bool) {
	s.once.Do(func() {
		if s.locator == nil {
			return
		}
		s.pid, s.resolved = s.locator.Locate(ctx)
		if s.resolved {
			s.logger.Info("monitoring target process", zap.Int32("pid", s.pid))
		} else {
			s.logger.Warn("target process not found; memory and CPU will be recorded as zero")
		}
	})
	return s.pid, s.resolved
}

// Process samples the target process, or returns zeros if it is unresolved.
func (s *ResourceSampler) Process(ctx context.Context) Reading {
	pid, ok := s.ResolveTarget(ctx)
	if !ok || s.process == nil {
		return Reading{}
	}
	return s.process.Sample(ctx, pid)
}

// CountRows returns the entity count, or 0 if it cannot be read.
func (s *ResourceSampler) CountRows(ctx context.Context) int64 {
	if s.rows == nil {
		return 0
	}
	n, err := s.rows.Count(ctx)
	if err != nil {
		s.logger.Debug("row count unavailable", zap.Error(err))
		return 0
	}
	return n
}

// Sample reads process usage and the row count for one tick.
func (s *ResourceSampler) Sample(ctx context.Context) Sample {
	return Sample{Reading: s.Process(ctx), Rows: s.CountRows(ctx)}
}
