// Package progress measures upload throughput.
package progress

import (
	"sync"
	"time"
)

// Stats is a point-in-time snapshot of an upload.
type Stats struct {
	BytesDone int64
	Total     int64
	RateBps   float64
	ETA       time.Duration
	Percent   float64
	StartedAt time.Time
	Elapsed   time.Duration
}

// Meter tracks bytes sent for one object and keeps a smoothed rate.
type Meter struct {
	mu        sync.Mutex
	total     int64
	done      int64
	startedAt time.Time
	lastAt    time.Time
	lastDone  int64
	rateBps   float64
	alpha     float64
	now       func() time.Time
}

// NewMeter returns a meter with a default smoothing factor.
func NewMeter() *Meter {
	return NewMeterWithNow(time.Now)
}

// NewMeterWithNow returns a meter with a custom time source (for tests).
func NewMeterWithNow(now func() time.Time) *Meter {
	if now == nil {
		now = time.Now
	}
	return &Meter{alpha: 0.2, now: now}
}

// Start resets the meter for an object of totalBytes.
func (m *Meter) Start(totalBytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total = totalBytes
	m.done = 0
	m.startedAt = m.now()
	m.lastAt = m.startedAt
	m.lastDone = 0
	m.rateBps = 0
}

// Add records n more bytes sent.
func (m *Meter) Add(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.done += int64(n)
	deltaBytes := m.done - m.lastDone
	deltaTime := now.Sub(m.lastAt).Seconds()
	if deltaTime > 0 {
		inst := float64(deltaBytes) / deltaTime
		if m.rateBps == 0 {
			m.rateBps = inst
		} else {
			m.rateBps = m.alpha*inst + (1-m.alpha)*m.rateBps
		}
		m.lastAt = now
		m.lastDone = m.done
	}
}

// Rewind subtracts n bytes when a body is re-read for a retry.
func (m *Meter) Rewind(n int64) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > m.done {
		n = m.done
	}
	m.done -= n
	m.lastDone = m.done
}

// Snapshot returns the current stats.
func (m *Meter) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := Stats{
		BytesDone: m.done,
		Total:     m.total,
		RateBps:   m.rateBps,
		StartedAt: m.startedAt,
	}
	if !m.startedAt.IsZero() {
		stats.Elapsed = m.now().Sub(m.startedAt)
	}
	if m.total > 0 {
		stats.Percent = float64(m.done) / float64(m.total) * 100
	}
	if m.rateBps > 0 && m.total > m.done {
		remaining := float64(m.total - m.done)
		stats.ETA = time.Duration(remaining / m.rateBps * float64(time.Second))
	}
	return stats
}
