// Package jalali implements the Jalali (solar Hijri) calendar: validated
// dates, leap years, conversion to and from the Gregorian calendar and the
// Saturday-first week used in Iran.
package jalali

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidDate is returned for a year/month/day combination that does
	// not exist. Dates are never clamped silently.
	ErrInvalidDate = errors.New("invalid date")

	// ErrYearOutOfRange is returned when a year falls outside Bounds or
	// outside what the leap rule can place.
	ErrYearOutOfRange = errors.New("year out of range")
)

// Weekday indices, Saturday first.
const (
	Saturday = iota
	Sunday
	Monday
	Tuesday
	Wednesday
	Thursday
	Friday
)

// Date is a Jalali calendar date. The zero value means "no date"; valid
// dates come from Calendar.NewDate or conversions.
type Date struct {
	Year  int
	Month int
	Day   int
}

// IsZero reports whether d is the zero value.
func (d Date) IsZero() bool {
	return d == Date{}
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

// Compare returns -1, 0 or +1 ordering d relative to o.
func (d Date) Compare(o Date) int {
	switch {
	case d.Year != o.Year:
		return sign(d.Year - o.Year)
	case d.Month != o.Month:
		return sign(d.Month - o.Month)
	default:
		return sign(d.Day - o.Day)
	}
}

func (d Date) Before(o Date) bool { return d.Compare(o) < 0 }
func (d Date) After(o Date) bool  { return d.Compare(o) > 0 }

func sign(v int) int {
	switch {
	case v < 0:
		return -1
	case v > 0:
		return 1
	default:
		return 0
	}
}

// Calendar performs Jalali arithmetic under one LeapRule. It holds no
// mutable state and is safe for concurrent use.
type Calendar struct {
	rule LeapRule
}

// NewCalendar returns a Calendar using rule, or Borkowski when rule is nil.
func NewCalendar(rule LeapRule) *Calendar {
	if rule == nil {
		rule = Borkowski
	}
	return &Calendar{rule: rule}
}

// Default uses the Borkowski rule.
var Default = NewCalendar(Borkowski)

// Rule returns the leap rule in use.
func (c *Calendar) Rule() LeapRule {
	return c.rule
}

// NewDate validates and returns a Jalali date.
func (c *Calendar) NewDate(year, month, day int) (Date, error) {
	if !c.rule.Supports(year) {
		return Date{}, fmt.Errorf("%w: %d not supported by %s rule", ErrYearOutOfRange, year, c.rule.Name())
	}
	if month < 1 || month > 12 {
		return Date{}, fmt.Errorf("%w: month %d", ErrInvalidDate, month)
	}
	if day < 1 || day > c.monthLength(year, month) {
		return Date{}, fmt.Errorf("%w: %04d-%02d-%02d", ErrInvalidDate, year, month, day)
	}
	return Date{Year: year, Month: month, Day: day}, nil
}

// MustDate is NewDate for literals known to be valid; it panics otherwise.
func (c *Calendar) MustDate(year, month, day int) Date {
	d, err := c.NewDate(year, month, day)
	if err != nil {
		panic(err)
	}
	return d
}

// IsLeap reports whether Esfand 30 exists in year.
func (c *Calendar) IsLeap(year int) bool {
	_, err := c.NewDate(year, 12, 30)
	return err == nil
}

// DaysInMonth returns the number of days in a Jalali month, or 0 for a
// month outside 1..12 or an unsupported year.
func (c *Calendar) DaysInMonth(year, month int) int {
	if month < 1 || month > 12 || !c.rule.Supports(year) {
		return 0
	}
	return c.monthLength(year, month)
}

func (c *Calendar) monthLength(year, month int) int {
	switch {
	case month <= 6:
		return 31
	case month <= 11:
		return 30
	default:
		if c.yearLength(year) == 366 {
			return 30
		}
		return 29
	}
}

func (c *Calendar) yearLength(year int) int {
	if !c.rule.Supports(year + 1) {
		// Last supported year; derive from the previous start instead.
		return c.rule.Farvardin1(year) - c.rule.Farvardin1(year-1)
	}
	return c.rule.Farvardin1(year+1) - c.rule.Farvardin1(year)
}

// dayOfYear is zero-based.
func dayOfYear(month, day int) int {
	if month <= 7 {
		return (month-1)*31 + day - 1
	}
	return 6*31 + (month-7)*30 + day - 1
}

// JDN returns the Julian day number of d.
func (c *Calendar) JDN(d Date) int {
	return c.rule.Farvardin1(d.Year) + dayOfYear(d.Month, d.Day)
}

// FromJDN converts a Julian day number to a Jalali date.
func (c *Calendar) FromJDN(jdn int) (Date, error) {
	g := jdnToGregorian(jdn)
	jy := g.Year - 621
	if !c.rule.Supports(jy) && !c.rule.Supports(jy-1) {
		return Date{}, fmt.Errorf("%w: %d not supported by %s rule", ErrYearOutOfRange, jy, c.rule.Name())
	}
	if !c.rule.Supports(jy) || jdn < c.rule.Farvardin1(jy) {
		jy--
	}
	if !c.rule.Supports(jy) {
		return Date{}, fmt.Errorf("%w: %d not supported by %s rule", ErrYearOutOfRange, jy, c.rule.Name())
	}
	k := jdn - c.rule.Farvardin1(jy)
	if k < 186 {
		return Date{Year: jy, Month: 1 + k/31, Day: 1 + k%31}, nil
	}
	k -= 186
	if k >= 6*30 {
		return Date{}, fmt.Errorf("%w: day %d beyond %d", ErrYearOutOfRange, jdn, jy)
	}
	return Date{Year: jy, Month: 7 + k/30, Day: 1 + k%30}, nil
}

// ToGregorian converts a valid Jalali date to its Gregorian equivalent.
func (c *Calendar) ToGregorian(d Date) GregorianDate {
	return jdnToGregorian(c.JDN(d))
}

// FromGregorian converts a Gregorian date. The input is validated first.
func (c *Calendar) FromGregorian(g GregorianDate) (Date, error) {
	if _, err := NewGregorianDate(g.Year, g.Month, g.Day); err != nil {
		return Date{}, err
	}
	return c.FromJDN(g.jdn())
}

// FromTime returns the Jalali date of t in t's own location.
func (c *Calendar) FromTime(t time.Time) (Date, error) {
	return c.FromGregorian(GregorianFromTime(t))
}

// Today returns the Jalali date of now in now's location. The error is
// ErrYearOutOfRange when now lies outside the leap rule's range.
func (c *Calendar) Today(now time.Time) (Date, error) {
	d, err := c.FromTime(now)
	if err != nil {
		return Date{}, fmt.Errorf("today %s: %w", now.Format(time.RFC3339), err)
	}
	return d, nil
}

// Weekday returns 0 for Saturday through 6 for Friday.
func (c *Calendar) Weekday(d Date) int {
	// JDN mod 7 is 0 on Monday.
	return (c.JDN(d)%7 + 2) % 7
}

// AddDays moves d by n days (n may be negative).
func (c *Calendar) AddDays(d Date, n int) (Date, error) {
	return c.FromJDN(c.JDN(d) + n)
}

// AddMonths moves d by n months, clamping the day to the length of the
// target month (Esfand 30 + 12 months is Esfand 29 in a common year).
func (c *Calendar) AddMonths(d Date, n int) (Date, error) {
	total := d.Year*12 + (d.Month - 1) + n
	year := floorDiv(total, 12)
	month := total - year*12 + 1
	if !c.rule.Supports(year) {
		return Date{}, fmt.Errorf("%w: %d not supported by %s rule", ErrYearOutOfRange, year, c.rule.Name())
	}
	day := d.Day
	if last := c.monthLength(year, month); day > last {
		day = last
	}
	return c.NewDate(year, month, day)
}

// DaysBetween returns the signed number of days from a to b.
func (c *Calendar) DaysBetween(a, b Date) int {
	return c.JDN(b) - c.JDN(a)
}

// MonthGridStart returns the Saturday on or before the first day of the
// month, the first cell of a Saturday-first month grid.
func (c *Calendar) MonthGridStart(year, month int) (Date, error) {
	first, err := c.NewDate(year, month, 1)
	if err != nil {
		return Date{}, err
	}
	return c.AddDays(first, -c.Weekday(first))
}

// Span is an elapsed time in whole years, months and days.
type Span struct {
	Years  int
	Months int
	Days   int
	// Future is true when the later date is the target.
	Future bool
}

// IsZero reports an empty span (same day).
func (s Span) IsZero() bool {
	return s.Years == 0 && s.Months == 0 && s.Days == 0
}

// Between returns the calendar distance from "from" to "to", borrowing days
// from the month before to's month when needed.
func (c *Calendar) Between(from, to Date) Span {
	span := Span{Future: to.After(from)}
	a, b := from, to
	if a.After(b) {
		a, b = b, a
	}
	years := b.Year - a.Year
	months := b.Month - a.Month
	days := b.Day - a.Day
	if days < 0 {
		months--
		py, pm := b.Year, b.Month-1
		if pm == 0 {
			py, pm = py-1, 12
		}
		days += c.monthLength(py, pm)
	}
	if months < 0 {
		years--
		months += 12
	}
	span.Years, span.Months, span.Days = years, months, days
	return span
}
