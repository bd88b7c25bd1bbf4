// Package perfmon tracks recent frame throughput and latency for the
// quality controller. Bounded history, oldest-out eviction, and a
// minimum-sample guard so startup noise never drives quality decisions.
package perfmon

import "gonum.org/v1/gonum/stat"

// Monitor keeps two parallel FIFO rings of the most recent samples. Not
// thread-safe by design: a single detection-result handler feeds it
// sequentially.
type Monitor struct {
	fps     []float64
	latency []float64

	maxSamples int
	minSamples int
}

// Averages is the windowed summary handed to the quality controller.
type Averages struct {
	FPS       float64
	LatencyMs float64
}

// New returns a monitor holding at most maxSamples entries and refusing to
// report averages before minSamples have been recorded.
func New(maxSamples, minSamples int) *Monitor {
	if maxSamples < 1 {
		maxSamples = 1
	}
	if minSamples < 1 {
		minSamples = 1
	}
	return &Monitor{
		fps:        make([]float64, 0, maxSamples),
		latency:    make([]float64, 0, maxSamples),
		maxSamples: maxSamples,
		minSamples: minSamples,
	}
}

// Record appends one performance sample, evicting the oldest pair once the
// window is full.
func (m *Monitor) Record(fps, latencyMs float64) {
	if len(m.fps) == m.maxSamples {
		m.fps = append(m.fps[:0], m.fps[1:]...)
		m.latency = append(m.latency[:0], m.latency[1:]...)
	}
	m.fps = append(m.fps, fps)
	m.latency = append(m.latency, latencyMs)
}

// Averages returns the windowed means. ok is false until the minimum
// sample count is reached; callers must not act on quality until then.
func (m *Monitor) Averages() (avg Averages, ok bool) {
	if len(m.fps) < m.minSamples {
		return Averages{}, false
	}
	return Averages{
		FPS:       stat.Mean(m.fps, nil),
		LatencyMs: stat.Mean(m.latency, nil),
	}, true
}

// SampleCount reports how many samples are currently held.
func (m *Monitor) SampleCount() int { return len(m.fps) }

// Reset discards all history.
func (m *Monitor) Reset() {
	m.fps = m.fps[:0]
	m.latency = m.latency[:0]
}
