// Package animate interpolates a marker's displayed position between
// successive position reports using a frame-scheduled ease-in-out curve.
package animate

import (
	"sync"
	"time"

	"github.com/medispatch/medispatch/internal/geo"
)

// DefaultDuration is how long one position transition takes. Matches the
// dashboard's perceived-smoothness tuning: noticeably longer than the
// poll interval so consecutive reports retarget rather than queue.
const DefaultDuration = 3 * time.Second

// Animator moves a single tracked asset between positions. It keeps at
// most one interpolation in flight: a new target arriving mid-animation
// replaces the destination of the active one (retargeting), which bounds
// work regardless of how fast new positions arrive.
type Animator struct {
	scheduler FrameScheduler

	mu          sync.Mutex
	active      *animation
	cancelFrame func()
	retargets   int64
}

type animation struct {
	from     geo.Position
	to       geo.Position
	start    time.Time
	duration time.Duration
	onTick   func(geo.Position)
}

// NewAnimator creates an animator driven by the given frame scheduler.
func NewAnimator(scheduler FrameScheduler) *Animator {
	return &Animator{scheduler: scheduler}
}

// Animate interpolates from one position to another over the given
// duration, invoking onTick with each intermediate position and finally
// with exactly the target. If an animation is already in flight its
// destination is retargeted and the from/duration/onTick arguments are
// ignored; the active interpolation simply bends toward the new target.
func (a *Animator) Animate(from, to geo.Position, duration time.Duration, onTick func(geo.Position)) {
	if duration <= 0 {
		duration = DefaultDuration
	}

	a.mu.Lock()
	if a.active != nil {
		a.active.to = to
		a.retargets++
		a.mu.Unlock()
		return
	}
	a.active = &animation{
		from:     from,
		to:       to,
		duration: duration,
		onTick:   onTick,
	}
	a.cancelFrame = a.scheduler.RequestFrame(a.step)
	a.mu.Unlock()
}

// step runs one animation frame.
func (a *Animator) step(now time.Time) {
	a.mu.Lock()
	anim := a.active
	if anim == nil {
		a.mu.Unlock()
		return
	}

	if anim.start.IsZero() {
		anim.start = now
	}

	p := float64(now.Sub(anim.start)) / float64(anim.duration)
	if p > 1 {
		p = 1
	}

	var pos geo.Position
	if p >= 1 {
		// Snap exactly to the (possibly retargeted) destination.
		pos = anim.to
		a.active = nil
		a.cancelFrame = nil
	} else {
		e := ease(p)
		pos = geo.Position{
			Lat: anim.from.Lat + (anim.to.Lat-anim.from.Lat)*e,
			Lng: anim.from.Lng + (anim.to.Lng-anim.from.Lng)*e,
		}
		a.cancelFrame = a.scheduler.RequestFrame(a.step)
	}
	onTick := anim.onTick
	a.mu.Unlock()

	onTick(pos)
}

// Cancel stops any in-flight animation without a final tick. Idempotent.
func (a *Animator) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancelFrame != nil {
		a.cancelFrame()
		a.cancelFrame = nil
	}
	a.active = nil
}

// Animating reports whether an interpolation is in flight.
func (a *Animator) Animating() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active != nil
}

// Retargets returns how many mid-flight destination replacements have
// occurred over the animator's lifetime.
func (a *Animator) Retargets() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.retargets
}

// ease is a symmetric ease-in-out curve: 2p^2 below the midpoint,
// 1-(-2p+2)^2/2 above it.
func ease(p float64) float64 {
	if p < 0.5 {
		return 2 * p * p
	}
	q := -2*p + 2
	return 1 - q*q/2
}
