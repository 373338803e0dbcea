package jalali

import (
	"fmt"
	"time"
)

// GregorianDate is a proleptic Gregorian calendar date.
type GregorianDate struct {
	Year  int
	Month int
	Day   int
}

// NewGregorianDate validates month and day against the Gregorian month
// lengths and returns ErrInvalidDate when they do not fit.
func NewGregorianDate(year, month, day int) (GregorianDate, error) {
	if month < 1 || month > 12 {
		return GregorianDate{}, fmt.Errorf("%w: gregorian month %d", ErrInvalidDate, month)
	}
	if day < 1 || day > GregorianDaysInMonth(year, month) {
		return GregorianDate{}, fmt.Errorf("%w: gregorian %04d-%02d-%02d", ErrInvalidDate, year, month, day)
	}
	return GregorianDate{Year: year, Month: month, Day: day}, nil
}

// GregorianFromTime returns the calendar date of t in t's location.
func GregorianFromTime(t time.Time) GregorianDate {
	y, m, d := t.Date()
	return GregorianDate{Year: y, Month: int(m), Day: d}
}

// Time returns midnight of the date in loc (time.Local when nil).
func (g GregorianDate) Time(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	return time.Date(g.Year, time.Month(g.Month), g.Day, 0, 0, 0, 0, loc)
}

func (g GregorianDate) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", g.Year, g.Month, g.Day)
}

// Weekday returns the day of week with Sunday = 0, like time.Weekday.
func (g GregorianDate) Weekday() time.Weekday {
	return time.Weekday((g.jdn() + 1) % 7)
}

func (g GregorianDate) jdn() int {
	return gregorianToJDN(g.Year, g.Month, g.Day)
}

// IsGregorianLeap applies the 4/100/400 rule.
func IsGregorianLeap(year int) bool {
	return (year%4 == 0 && year%100 != 0) || year%400 == 0
}

// GregorianDaysInMonth returns the length of a Gregorian month, or 0 for
// a month outside 1..12.
func GregorianDaysInMonth(year, month int) int {
	switch month {
	case 1, 3, 5, 7, 8, 10, 12:
		return 31
	case 4, 6, 9, 11:
		return 30
	case 2:
		if IsGregorianLeap(year) {
			return 29
		}
		return 28
	default:
		return 0
	}
}

// gregorianToJDN converts a proleptic Gregorian date to a Julian day number.
func gregorianToJDN(gy, gm, gd int) int {
	d := (gy+(gm-8)/6+100100)*1461/4 +
		(153*((gm+9)%12)+2)/5 +
		gd - 34840408
	d = d - (gy+100100+(gm-8)/6)/100*3/4 + 752
	return d
}

// jdnToGregorian is the inverse of gregorianToJDN.
func jdnToGregorian(jdn int) GregorianDate {
	j := 4*jdn + 139361631
	j = j + (4*jdn+183187720)/146097*3/4*4 - 3908
	i := (j%1461)/4*5 + 308
	gd := (i%153)/5 + 1
	gm := (i/153)%12 + 1
	gy := j/1461 - 100100 + (8-gm)/6
	return GregorianDate{Year: gy, Month: gm, Day: gd}
}
