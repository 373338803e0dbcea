// Package daystate merges calendar math, holidays and user events into
// one presentation-agnostic record per date.
package daystate

import (
	"fmt"
	"strings"

	"shamsical/internal/events"
	"shamsical/internal/holiday"
	"shamsical/internal/jalali"
	"shamsical/internal/model"
)

// EventLookup is the read side of the event store.
type EventLookup interface {
	Lookup(d jalali.Date) (events.Entry, bool)
}

// HolidayLookup is the read side of the holiday index.
type HolidayLookup interface {
	ReasonsFor(year, month, day int) []string
}

// Resolver computes DayState values. It keeps no state of its own; the
// holiday index is immutable and the event store does its own locking.
type Resolver struct {
	cal      *jalali.Calendar
	holidays HolidayLookup
	events   EventLookup
}

// New wires a resolver. A nil holidays or events source behaves as empty.
func New(cal *jalali.Calendar, holidays HolidayLookup, evs EventLookup) *Resolver {
	if cal == nil {
		cal = jalali.Default
	}
	if holidays == nil {
		holidays = holiday.Empty()
	}
	return &Resolver{cal: cal, holidays: holidays, events: evs}
}

// Calendar returns the calendar the resolver computes with.
func (r *Resolver) Calendar() *jalali.Calendar {
	return r.cal
}

// Resolve returns the state of date relative to today and the selected day.
func (r *Resolver) Resolve(date, today, selected jalali.Date) model.DayState {
	st := model.DayState{
		Date:           date,
		Gregorian:      r.cal.ToGregorian(date),
		Weekday:        r.cal.Weekday(date),
		HolidayReasons: []string{},
	}

	if r.events != nil {
		if e, ok := r.events.Lookup(date); ok && e.Text != "" {
			st.HasUserEvent = true
			st.UserEventText = e.Text
			st.UserEventYearly = e.Yearly
		}
	}

	st.IsWeekend = st.Weekday == jalali.Friday

	if reasons := r.holidays.ReasonsFor(date.Year, date.Month, date.Day); len(reasons) > 0 {
		st.HolidayReasons = reasons
	}
	st.IsHoliday = st.IsWeekend || len(st.HolidayReasons) > 0

	st.IsToday = date == today
	st.IsSelected = date == selected
	return st
}

// Cell is one slot of a month grid.
type Cell struct {
	model.DayState
	// InMonth is false for leading and trailing days of adjacent months.
	InMonth bool `json:"in_month"`
}

// MonthView is a Saturday-first 6x7 grid for one Jalali month.
type MonthView struct {
	Year      int      `json:"year"`
	Month     int      `json:"month"`
	MonthName string   `json:"month_name"`
	Weekdays  []string `json:"weekdays"`
	Cells     []Cell   `json:"cells"`
}

const (
	gridRows = 6
	gridCols = 7
)

// Month resolves every cell of the grid for year/month.
func (r *Resolver) Month(year, month int, today, selected jalali.Date) (MonthView, error) {
	start, err := r.cal.MonthGridStart(year, month)
	if err != nil {
		return MonthView{}, err
	}
	name, err := jalali.MonthName(month)
	if err != nil {
		return MonthView{}, err
	}

	view := MonthView{
		Year:      year,
		Month:     month,
		MonthName: name,
		Weekdays:  jalali.WeekdayShortNames(),
		Cells:     make([]Cell, 0, gridRows*gridCols),
	}

	startJDN := r.cal.JDN(start)
	for i := 0; i < gridRows*gridCols; i++ {
		d, err := r.cal.FromJDN(startJDN + i)
		if err != nil {
			return MonthView{}, err
		}
		view.Cells = append(view.Cells, Cell{
			DayState: r.Resolve(d, today, selected),
			InMonth:  d.Year == year && d.Month == month,
		})
	}
	return view, nil
}

// Summary returns the plain-text lines a tray tooltip shows for a day:
// weekday, numeric date, written date, then holiday reasons and event text
// under their own headers.
func Summary(st model.DayState) []string {
	weekday, _ := jalali.WeekdayName(st.Weekday)
	month, _ := jalali.MonthName(st.Date.Month)

	lines := []string{
		weekday,
		fmt.Sprintf("%d/%02d/%02d", st.Date.Year, st.Date.Month, st.Date.Day),
		fmt.Sprintf("%02d %s %d", st.Date.Day, month, st.Date.Year),
	}
	if st.IsHoliday && len(st.HolidayReasons) > 0 {
		lines = append(lines, "تعطیلی:")
		lines = append(lines, st.HolidayReasons...)
	}
	if st.HasUserEvent {
		lines = append(lines, "رویداد:")
		lines = append(lines, strings.Split(st.UserEventText, "\n")...)
	}
	return lines
}
