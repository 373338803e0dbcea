package scheduler

import (
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shamsical/internal/daystate"
	"shamsical/internal/jalali"
	"shamsical/internal/model"
)

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock(now time.Time) *fakeClock { return &fakeClock{now: now} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and runs every due timer.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.f()
	}
}

// Set steps the wall clock without firing anything.
func (c *fakeClock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *fakeClock) Active() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

type countingCleaner struct {
	mu    sync.Mutex
	calls []jalali.Date
	err   error
}

func (c *countingCleaner) CleanupExpired(today jalali.Date) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, today)
	return 0, c.err
}

type recorder struct {
	mu     sync.Mutex
	states []model.DayState
}

func (r *recorder) record(st model.DayState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, st)
}

func (r *recorder) last() model.DayState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[len(r.states)-1]
}

func (r *recorder) dates() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.states))
	for i, st := range r.states {
		out[i] = st.Date.String()
	}
	return out
}

// 2024-03-19 23:00 UTC is 1402-12-29, one hour before Nowruz 1403.
var eveOfNowruz = time.Date(2024, 3, 19, 23, 0, 0, 0, time.UTC)

func newTestScheduler(t *testing.T, now time.Time) (*Scheduler, *fakeClock, *countingCleaner, *recorder) {
	t.Helper()
	clock := newFakeClock(now)
	cleaner := &countingCleaner{}
	rec := &recorder{}
	s := New(jalali.Default, daystate.New(jalali.Default, nil, nil), cleaner,
		WithClock(clock),
		WithLocation(time.UTC),
		WithCron(cron.New()),
	)
	s.OnDayChanged(rec.record)
	t.Cleanup(s.Stop)
	return s, clock, cleaner, rec
}

func TestStart_RefreshesAndArmsTimer(t *testing.T) {
	s, clock, cleaner, rec := newTestScheduler(t, eveOfNowruz)
	require.NoError(t, s.Start())

	assert.Equal(t, []string{"1402-12-29"}, rec.dates())
	assert.Equal(t, jalali.Default.MustDate(1402, 12, 29), s.LastRendered())
	assert.Equal(t, s.LastRendered(), s.Current().Date)
	assert.True(t, s.Current().IsToday)
	assert.True(t, s.Current().IsSelected)
	assert.Len(t, cleaner.calls, 1)

	active := clock.Active()
	require.Len(t, active, 1)
	assert.Equal(t, time.Date(2024, 3, 20, 0, 0, 0, int(DefaultMidnightBuffer), time.UTC), active[0].at)
	assert.True(t, s.Pending())

	assert.ErrorIs(t, s.Start(), ErrAlreadyStarted)
}

func TestMidnightFire_RefreshesAndReschedules(t *testing.T) {
	s, clock, cleaner, rec := newTestScheduler(t, eveOfNowruz)
	require.NoError(t, s.Start())

	clock.Advance(59 * time.Minute)
	assert.Len(t, rec.dates(), 1, "nothing fires before midnight")

	clock.Advance(time.Minute + DefaultMidnightBuffer)
	assert.Equal(t, []string{"1402-12-29", "1403-01-01"}, rec.dates())
	assert.Equal(t, jalali.Default.MustDate(1403, 1, 1), cleaner.calls[len(cleaner.calls)-1])
	last := rec.last()
	assert.True(t, last.IsToday)
	assert.True(t, last.IsSelected)
	assert.Equal(t, last.Date, s.Current().Date)

	active := clock.Active()
	require.Len(t, active, 1)
	assert.Equal(t, time.Date(2024, 3, 21, 0, 0, 0, int(DefaultMidnightBuffer), time.UTC), active[0].at)
}

func TestTick_OnlyRefreshesOnNewDay(t *testing.T) {
	s, clock, _, rec := newTestScheduler(t, eveOfNowruz)
	require.NoError(t, s.Start())

	s.Tick()
	s.Tick()
	assert.Len(t, rec.dates(), 1)

	// Clock stepped past midnight without the timer firing.
	clock.Set(eveOfNowruz.Add(3 * time.Hour))
	s.Tick()
	assert.Equal(t, []string{"1402-12-29", "1403-01-01"}, rec.dates())
	assert.Len(t, clock.Active(), 1)
}

func TestOnTimeChange_AlwaysRefreshesAndCancelsOldTimer(t *testing.T) {
	s, clock, cleaner, rec := newTestScheduler(t, eveOfNowruz)
	require.NoError(t, s.Start())
	first := clock.Active()[0]

	s.OnTimeChange()
	assert.Len(t, rec.dates(), 2, "same day still notifies")
	assert.Len(t, cleaner.calls, 2)
	assert.True(t, first.stopped)
	assert.Len(t, clock.Active(), 1)

	clock.Set(time.Date(2024, 3, 25, 10, 0, 0, 0, time.UTC))
	s.OnTimeChange()
	assert.Equal(t, "1403-01-06", rec.dates()[2])
	active := clock.Active()
	require.Len(t, active, 1)
	assert.Equal(t, time.Date(2024, 3, 26, 0, 0, 0, int(DefaultMidnightBuffer), time.UTC), active[0].at)
}

func TestStaleFireIsIgnored(t *testing.T) {
	s, clock, _, rec := newTestScheduler(t, eveOfNowruz)
	require.NoError(t, s.Start())
	stale := clock.Active()[0]

	s.OnTimeChange()
	require.Len(t, rec.dates(), 2)

	// The old callback runs anyway, as if it raced with Stop.
	stale.f()
	assert.Len(t, rec.dates(), 2)
	assert.Len(t, clock.Active(), 1)
}

func TestRefresh(t *testing.T) {
	s, clock, _, rec := newTestScheduler(t, eveOfNowruz)
	require.NoError(t, s.Start())
	armed := clock.Active()[0]

	s.Refresh()
	assert.Len(t, rec.dates(), 2)
	assert.False(t, armed.stopped, "same day keeps the timer")

	clock.Set(eveOfNowruz.Add(2 * time.Hour))
	s.Refresh()
	assert.True(t, armed.stopped)
	assert.Len(t, clock.Active(), 1)
}

func TestCleanupErrorStillNotifies(t *testing.T) {
	s, _, cleaner, rec := newTestScheduler(t, eveOfNowruz)
	cleaner.err = errors.New("disk full")
	require.NoError(t, s.Start())
	assert.Len(t, rec.dates(), 1)
}

func TestStop(t *testing.T) {
	s, clock, _, rec := newTestScheduler(t, eveOfNowruz)
	require.NoError(t, s.Start())
	s.Stop()

	assert.Empty(t, clock.Active())
	assert.False(t, s.Pending())

	clock.Set(eveOfNowruz.Add(3 * time.Hour))
	s.Tick()
	s.OnTimeChange()
	s.Refresh()
	assert.Len(t, rec.dates(), 1)

	s.Stop()
}

func TestAtMostOnePendingTimer(t *testing.T) {
	s, clock, _, _ := newTestScheduler(t, eveOfNowruz)
	require.NoError(t, s.Start())

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		switch rng.Intn(5) {
		case 0:
			s.Tick()
		case 1:
			s.OnTimeChange()
		case 2:
			clock.Advance(time.Duration(rng.Intn(6)) * time.Hour)
		case 3:
			// Steps backwards as well as forwards.
			clock.Set(clock.Now().Add(time.Duration(rng.Intn(48)-24) * time.Hour))
		case 4:
			s.Refresh()
		}
		require.LessOrEqual(t, len(clock.Active()), 1, "step %d", i)
		require.True(t, s.Pending())
	}
}

func TestInvalidTick(t *testing.T) {
	s := New(nil, nil, nil, WithClock(newFakeClock(eveOfNowruz)), WithCron(cron.New()), WithTick("not a spec"))
	assert.Error(t, s.Start())
	assert.False(t, s.Pending())
}
