package metrics

import (
	"sync/atomic"
	"time"
)

// DefaultRateWindow is the span over which the current request rate is averaged.
const DefaultRateWindow = 10

// rateWindow counts events per wall-clock second in a fixed ring. Each slot
// packs the slot's second (relative to origin, offset by one so zero means
// empty) in the high 32 bits and the event count in the low 32 bits, so a
// slot is claimed and incremented with a single CAS.
type rateWindow struct {
	origin int64 // unix seconds
	size   int64
	slots  []atomic.Uint64
}

const countMask = 1<<32 - 1

func newRateWindow(origin time.Time, seconds int) *rateWindow {
	if seconds < 1 {
		seconds = DefaultRateWindow
	}
	// One extra slot so the second in progress never overwrites the oldest
	// completed second that is still inside the window.
	size := int64(seconds + 2)
	return &rateWindow{
		origin: origin.Unix(),
		size:   size,
		slots:  make([]atomic.Uint64, size),
	}
}

func (w *rateWindow) rel(now time.Time) int64 {
	rel := now.Unix() - w.origin + 1
	if rel < 1 {
		rel = 1
	}
	return rel
}

func (w *rateWindow) add(now time.Time) {
	rel := w.rel(now)
	slot := &w.slots[rel%w.size]
	for {
		old := slot.Load()
		sec := int64(old >> 32)
		var next uint64
		switch {
		case sec == rel:
			if old&countMask == countMask {
				return
			}
			next = old + 1
		case sec < rel:
			next = uint64(rel)<<32 | 1
		default:
			// A later second already claimed the slot.
			return
		}
		if slot.CompareAndSwap(old, next) {
			return
		}
	}
}

// rate averages the completed seconds inside the window, excluding the second
// in progress.
func (w *rateWindow) rate(now time.Time, seconds int) float64 {
	current := w.rel(now)
	span := int64(seconds)
	if completed := current - 1; completed < span {
		span = completed
	}
	if span <= 0 {
		return 0
	}
	var sum uint64
	for i := range w.slots {
		v := w.slots[i].Load()
		sec := int64(v >> 32)
		if sec >= current-span && sec < current {
			sum += v & countMask
		}
	}
	return float64(sum) / float64(span)
}
