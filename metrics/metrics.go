// Package metrics provides the latency histograms raftlog keeps for
// replication and commit paths. It is ambient observability, not one of
// the specified components, so it stays small and dependency-light.
package metrics

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

const (
	minValue  = 1
	maxValue  = int64(10 * time.Second)
	sigFigures = 3
)

// Recorder tracks a set of named latency histograms, one per tracked
// operation (e.g. "write", "commit", "sync").
type Recorder struct {
	mu   sync.Mutex
	hist map[string]*hdrhistogram.Histogram
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{hist: make(map[string]*hdrhistogram.Histogram)}
}

// Observe records how long op took.
func (r *Recorder) Observe(op string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hist[op]
	if !ok {
		h = hdrhistogram.New(minValue, maxValue, sigFigures)
		r.hist[op] = h
	}
	_ = h.RecordValue(int64(d))
}

// Snapshot returns the mean and 99th percentile latency, in
// nanoseconds, for the named operation. Both are zero if nothing has
// been recorded.
func (r *Recorder) Snapshot(op string) (mean float64, p99 int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hist[op]
	if !ok {
		return 0, 0
	}
	return h.Mean(), h.ValueAtQuantile(99)
}
