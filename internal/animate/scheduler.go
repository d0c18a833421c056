package animate

import (
	"time"
)

// FrameScheduler schedules a single animation frame callback. The animator
// requests one frame at a time and re-requests from within the callback,
// so suspension between ticks is cooperative and the whole animation can
// be cancelled by cancelling the one pending frame.
type FrameScheduler interface {
	// RequestFrame schedules fn to run once with the frame timestamp.
	// The returned cancel function stops the frame if it has not fired.
	RequestFrame(fn func(now time.Time)) (cancel func())
}

// DefaultFrameInterval approximates a 60fps display callback.
const DefaultFrameInterval = 16 * time.Millisecond

// TimerScheduler drives frames off wall-clock timers.
type TimerScheduler struct {
	interval time.Duration
}

// NewTimerScheduler creates a scheduler firing one frame per interval.
// A zero interval uses DefaultFrameInterval.
func NewTimerScheduler(interval time.Duration) *TimerScheduler {
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	return &TimerScheduler{interval: interval}
}

func (s *TimerScheduler) RequestFrame(fn func(now time.Time)) func() {
	timer := time.AfterFunc(s.interval, func() {
		fn(time.Now())
	})
	return func() { timer.Stop() }
}
