// Package clockwatch notices wall-clock steps (manual changes, NTP
// corrections, suspend and resume) on hosts that offer no notification for
// them.
package clockwatch

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	appLog "shamsical/internal/log"
)

const (
	DefaultSchedule  = "@every 10s"
	DefaultThreshold = 2 * time.Second
)

// Watcher compares how far the wall clock moved with how far the monotonic
// clock moved since the previous check. A gap larger than the threshold is
// reported as a time change.
type Watcher struct {
	mu        sync.Mutex
	read      func() reading
	threshold time.Duration
	onChange  func()
	last      reading
	primed    bool
}

// reading pairs a wall-clock time with monotonic elapsed time.
type reading struct {
	wall time.Time
	mono time.Duration
}

func systemReader() func() reading {
	start := time.Now()
	return func() reading {
		now := time.Now()
		return reading{wall: now.Round(0), mono: now.Sub(start)}
	}
}

// New returns a watcher calling onChange on every detected step. A zero
// threshold uses DefaultThreshold.
func New(threshold time.Duration, onChange func()) *Watcher {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Watcher{read: systemReader(), threshold: threshold, onChange: onChange}
}

// Register schedules Check on c and takes the first reading.
func (w *Watcher) Register(c *cron.Cron, spec string) (cron.EntryID, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	id, err := c.AddFunc(spec, func() { w.Check() })
	if err != nil {
		return 0, err
	}
	w.Check()
	appLog.Info("clock watch registered", "schedule", spec, "threshold", w.threshold.String())
	return id, nil
}

// Check takes a reading and reports whether a step was detected since the
// previous one. The first call only records a baseline.
func (w *Watcher) Check() bool {
	w.mu.Lock()
	now := w.read()
	last, primed := w.last, w.primed
	w.last, w.primed = now, true
	w.mu.Unlock()

	if !primed {
		return false
	}
	wall := now.wall.Sub(last.wall)
	mono := now.mono - last.mono
	drift := wall - mono
	if drift < 0 {
		drift = -drift
	}
	if drift <= w.threshold {
		return false
	}
	appLog.Warn("wall clock stepped", "drift", drift.String(), "wall", wall.String(), "elapsed", mono.String())
	if w.onChange != nil {
		w.onChange()
	}
	return true
}
