package monitor

import (
	"sync"
	"time"
)

// ErrorWindow tracks the failure share of events over a sliding window.
type ErrorWindow struct {
	mu      sync.Mutex
	window  time.Duration
	now     func() time.Time
	samples []sample
}

type sample struct {
	at     time.Time
	failed bool
}

// NewErrorWindow builds a window; now defaults to time.Now.
func NewErrorWindow(window time.Duration, now func() time.Time) *ErrorWindow {
	if window <= 0 {
		window = 5 * time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &ErrorWindow{window: window, now: now}
}

// Record adds one outcome.
func (w *ErrorWindow) Record(failed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	w.pruneLocked(now)
	w.samples = append(w.samples, sample{at: now, failed: failed})
}

// Rate returns failed/total inside the window, 0 when empty.
func (w *ErrorWindow) Rate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(w.now())
	if len(w.samples) == 0 {
		return 0
	}
	failed := 0
	for _, s := range w.samples {
		if s.failed {
			failed++
		}
	}
	return float64(failed) / float64(len(w.samples))
}

// Count returns the number of samples inside the window.
func (w *ErrorWindow) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(w.now())
	return len(w.samples)
}

func (w *ErrorWindow) pruneLocked(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.samples) && !w.samples[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		w.samples = append(w.samples[:0], w.samples[i:]...)
	}
}
