package deeplink

import (
	"math"
	"sync"
)

// PendingSeek is a resume position waiting for its stop's audio to become ready.
// It is applied at most once.
type PendingSeek struct {
	mu       sync.Mutex
	stopID   string
	position float64
	set      bool
}

// Set replaces the pending seek.
func (p *PendingSeek) Set(stopID string, position float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopID = stopID
	p.position = position
	p.set = true
}

// Clear drops the pending seek.
func (p *PendingSeek) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopID = ""
	p.position = 0
	p.set = false
}

// Peek returns the pending seek without consuming it.
func (p *PendingSeek) Peek() (stopID string, position float64, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopID, p.position, p.set
}

// Apply calls seek with the pending position if it targets stopID and duration
// is known, then clears it. Returns whether a seek was issued.
func (p *PendingSeek) Apply(stopID string, duration float64, seek func(seconds float64)) bool {
	if duration <= 0 || math.IsNaN(duration) || math.IsInf(duration, 0) {
		return false
	}

	p.mu.Lock()
	if !p.set || p.stopID != stopID {
		p.mu.Unlock()
		return false
	}
	pos := p.position
	p.stopID = ""
	p.position = 0
	p.set = false
	p.mu.Unlock()

	seek(pos)
	return true
}
