package download

import "time"

// rateInterval is the width of the throughput sampling window.
const rateInterval = time.Second

// RateMeter measures throughput over successive windows of rateInterval.
// It is not safe for concurrent use; Download guards it with its own mutex.
type RateMeter struct {
	now         func() time.Time
	windowStart time.Time
	acc         int64
	rate        float64
}

// NewRateMeter returns a meter reading time from now, or time.Now when nil.
func NewRateMeter(now func() time.Time) *RateMeter {
	if now == nil {
		now = time.Now
	}

	return &RateMeter{now: now}
}

// Record accounts n bytes. It returns true when the window rolled over and a new
// rate was computed.
func (m *RateMeter) Record(n int) bool {
	now := m.now()
	if m.windowStart.IsZero() {
		m.windowStart = now
	}

	m.acc += int64(n)

	elapsed := now.Sub(m.windowStart)
	if elapsed <= rateInterval {
		return false
	}

	m.rate = float64(m.acc) * float64(time.Second) / float64(elapsed)
	m.windowStart = now
	m.acc = 0

	return true
}

// Rate returns the last computed throughput in bytes per second.
func (m *RateMeter) Rate() float64 {
	return m.rate
}

// Reset zeroes the rate and starts a fresh window on the next Record.
func (m *RateMeter) Reset() {
	m.windowStart = time.Time{}
	m.acc = 0
	m.rate = 0
}
