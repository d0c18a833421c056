package dashboard

import (
	"math"
	"sync"
	"time"
)

// Countdown counts an ETA down in wall-clock time between backend
// updates, so the displayed minutes keep moving even though the server
// only recomputes the ETA once per snapshot.
type Countdown struct {
	mu       sync.Mutex
	deadline time.Time
	set      bool

	now func() time.Time
}

// NewCountdown creates an empty countdown.
func NewCountdown() *Countdown {
	return &Countdown{now: time.Now}
}

// Set replaces the countdown target with a fresh ETA in minutes. NaN or
// negative values clear it.
func (c *Countdown) Set(etaMinutes float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if math.IsNaN(etaMinutes) || etaMinutes < 0 {
		c.set = false
		return
	}
	c.deadline = c.now().Add(time.Duration(etaMinutes * float64(time.Minute)))
	c.set = true
}

// Clear removes the countdown target.
func (c *Countdown) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.set = false
}

// Remaining returns the time left, clamped at zero. The second return
// is false when no ETA has been set.
func (c *Countdown) Remaining() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.set {
		return 0, false
	}
	left := c.deadline.Sub(c.now())
	if left < 0 {
		left = 0
	}
	return left, true
}

// RemainingMinutes returns the remaining whole minutes, rounded up so
// the display never shows "0 min" while the ambulance is still moving.
func (c *Countdown) RemainingMinutes() (int, bool) {
	left, ok := c.Remaining()
	if !ok {
		return 0, false
	}
	return int(math.Ceil(left.Minutes())), true
}
