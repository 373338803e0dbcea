// Package scheduler decides when the visible "today" must be recomputed: a
// coarse cron tick, a precise one-shot timer just after local midnight, and
// forced refreshes when the wall clock is stepped.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"shamsical/internal/jalali"
	appLog "shamsical/internal/log"
	"shamsical/internal/model"
)

const (
	DefaultTick           = "@every 1m"
	DefaultMidnightBuffer = 500 * time.Millisecond
)

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("scheduler already started")

// Timer is a pending one-shot callback.
type Timer interface {
	Stop() bool
}

// Clock abstracts wall time and one-shot timers.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// SystemClock is the real clock.
var SystemClock Clock = systemClock{}

// Resolver produces the state broadcast on every refresh.
type Resolver interface {
	Resolve(date, today, selected jalali.Date) model.DayState
}

// Cleaner drops events that expired before today.
type Cleaner interface {
	CleanupExpired(today jalali.Date) (int, error)
}

// Option customises New.
type Option func(*Scheduler)

// WithClock replaces the system clock.
func WithClock(c Clock) Option { return func(s *Scheduler) { s.clock = c } }

// WithLocation sets the zone whose midnight counts; default time.Local.
func WithLocation(loc *time.Location) Option { return func(s *Scheduler) { s.loc = loc } }

// WithMidnightBuffer sets the delay added after midnight.
func WithMidnightBuffer(d time.Duration) Option { return func(s *Scheduler) { s.buffer = d } }

// WithTick sets the cron spec of the coarse day check.
func WithTick(spec string) Option { return func(s *Scheduler) { s.tickSpec = spec } }

// WithCron registers the tick on a shared cron instead of a private one.
// The caller owns starting and stopping a shared cron.
func WithCron(c *cron.Cron) Option {
	return func(s *Scheduler) {
		s.cron = c
		s.ownCron = false
	}
}

// Scheduler is a small state machine. Every transition runs to completion
// under one mutex, so ticks, timer fires and time-change signals may arrive
// from any goroutine in any order. Listeners are called inside the
// transition and must not call back into the Scheduler.
type Scheduler struct {
	mu sync.Mutex

	cal      *jalali.Calendar
	resolver Resolver
	cleaner  Cleaner
	clock    Clock
	loc      *time.Location
	buffer   time.Duration
	tickSpec string

	cron    *cron.Cron
	ownCron bool
	tickID  cron.EntryID

	running      bool
	lastRendered jalali.Date
	current      model.DayState
	// pending is the only outstanding midnight timer; generation tags it so
	// a fire that raced with a reschedule is recognised and dropped.
	pending    Timer
	generation uint64

	listeners []func(model.DayState)
}

// New builds a stopped scheduler. cleaner may be nil.
func New(cal *jalali.Calendar, resolver Resolver, cleaner Cleaner, opts ...Option) *Scheduler {
	if cal == nil {
		cal = jalali.Default
	}
	s := &Scheduler{
		cal:      cal,
		resolver: resolver,
		cleaner:  cleaner,
		clock:    SystemClock,
		loc:      time.Local,
		buffer:   DefaultMidnightBuffer,
		tickSpec: DefaultTick,
		ownCron:  true,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.loc == nil {
		s.loc = time.Local
	}
	if s.tickSpec == "" {
		s.tickSpec = DefaultTick
	}
	if s.cron == nil {
		s.cron = cron.New()
		s.ownCron = true
	}
	return s
}

// OnDayChanged registers a consumer of refreshed day states.
func (s *Scheduler) OnDayChanged(fn func(model.DayState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Start performs the initial refresh, arms the midnight timer and registers
// the tick.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyStarted
	}
	id, err := s.cron.AddFunc(s.tickSpec, s.Tick)
	if err != nil {
		return err
	}
	s.tickID = id
	s.running = true

	s.refreshLocked("start")
	s.rescheduleLocked()
	if s.ownCron {
		s.cron.Start()
	}
	appLog.Info("scheduler started", "tick", s.tickSpec, "today", s.lastRendered.String())
	return nil
}

// Stop cancels the pending timer and the tick. It waits for a private cron
// to finish running jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancelLocked()
	s.cron.Remove(s.tickID)
	var done context.Context
	if s.ownCron {
		done = s.cron.Stop()
	}
	s.mu.Unlock()

	// A tick blocked on mu has now seen running == false.
	if done != nil {
		<-done.Done()
	}
	appLog.Info("scheduler stopped")
}

// Tick is the coarse check: it refreshes only when the date moved since the
// last render.
func (s *Scheduler) Tick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	today, ok := s.todayLocked()
	if !ok || today == s.lastRendered {
		return
	}
	s.refreshLocked("tick")
	s.rescheduleLocked()
}

// OnTimeChange handles a wall-clock step. It always refreshes and re-arms
// the midnight timer because the old countdown is no longer meaningful.
func (s *Scheduler) OnTimeChange() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.refreshLocked("time change")
	s.rescheduleLocked()
}

// Refresh recomputes and broadcasts today's state, for example after an
// event was edited. The midnight timer is re-armed only if the day moved.
func (s *Scheduler) Refresh() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	before := s.lastRendered
	s.refreshLocked("refresh")
	if s.lastRendered != before {
		s.rescheduleLocked()
	}
}

// LastRendered returns the date of the latest broadcast.
func (s *Scheduler) LastRendered() jalali.Date {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRendered
}

// Current returns the latest broadcast state.
func (s *Scheduler) Current() model.DayState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Pending reports whether a midnight timer is armed.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || gen != s.generation {
		appLog.Debug("scheduler: dropping stale midnight fire", "gen", gen, "current", s.generation)
		return
	}
	s.pending = nil
	s.refreshLocked("midnight")
	s.rescheduleLocked()
}

func (s *Scheduler) todayLocked() (jalali.Date, bool) {
	today, err := s.cal.FromTime(s.clock.Now().In(s.loc))
	if err != nil {
		appLog.Error("scheduler: cannot compute today", err)
		return jalali.Date{}, false
	}
	return today, true
}

// refreshLocked runs cleanup, records today and notifies listeners.
func (s *Scheduler) refreshLocked(reason string) {
	today, ok := s.todayLocked()
	if !ok {
		return
	}
	if s.cleaner != nil {
		if n, err := s.cleaner.CleanupExpired(today); err != nil {
			appLog.Error("scheduler: cleanup failed", err, "today", today.String())
		} else if n > 0 {
			appLog.Debug("scheduler: cleanup removed events", "count", n)
		}
	}

	changed := today != s.lastRendered
	s.lastRendered = today
	// A refresh navigates back to today, so today is also the selection.
	if s.resolver != nil {
		s.current = s.resolver.Resolve(today, today, today)
	}
	if changed {
		appLog.Info("day changed", "reason", reason, "today", today.String())
	} else {
		appLog.Debug("refresh", "reason", reason, "today", today.String())
	}
	for _, fn := range s.listeners {
		fn(s.current)
	}
}

// rescheduleLocked cancels any pending timer before arming a new one.
func (s *Scheduler) rescheduleLocked() {
	s.cancelLocked()
	now := s.clock.Now().In(s.loc)
	delay := nextMidnight(now).Sub(now) + s.buffer
	gen := s.generation
	s.pending = s.clock.AfterFunc(delay, func() { s.fire(gen) })
	appLog.Debug("midnight timer armed", "in", delay.Round(time.Second).String(), "gen", gen)
}

func (s *Scheduler) cancelLocked() {
	if s.pending != nil {
		s.pending.Stop()
		s.pending = nil
	}
	s.generation++
}

func nextMidnight(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, now.Location())
}
