package semaphore

import (
	"sync"
	"time"
)

// defaultMetricsWindow is the number of recent acquisitions the wait-time
// average is computed over.
const defaultMetricsWindow = 256

// waitMetrics is a fixed-size ring buffer of recent acquisition wait
// times. It carries its own lock so telemetry reads never serialize
// against the admission path.
type waitMetrics struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	filled  int
	sum     time.Duration
}

func newWaitMetrics(window int) *waitMetrics {
	if window <= 0 {
		window = defaultMetricsWindow
	}
	return &waitMetrics{samples: make([]time.Duration, window)}
}

// record adds one completed acquisition's wait time, evicting the oldest
// sample once the window is full. O(1): the running sum is maintained
// incrementally.
func (m *waitMetrics) record(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sum -= m.samples[m.next]
	m.samples[m.next] = d
	m.sum += d
	m.next = (m.next + 1) % len(m.samples)
	if m.filled < len(m.samples) {
		m.filled++
	}
}

// average returns the mean of the recorded window, or zero when empty.
func (m *waitMetrics) average() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.filled == 0 {
		return 0
	}
	return m.sum / time.Duration(m.filled)
}
