package jalali

import (
	"fmt"
	"strconv"
	"strings"
)

// SplitDate splits "YYYY-MM-DD" (or "YYYY/MM/DD", Persian digits allowed)
// into its integer parts without checking calendar validity.
func SplitDate(s string) (year, month, day int, err error) {
	s = FromPersianDigits(strings.TrimSpace(s))
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == '-' || r == '/' })
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("%w: %q is not YYYY-MM-DD", ErrInvalidDate, s)
	}
	vals := make([]int, 3)
	for i, p := range parts {
		n, convErr := strconv.Atoi(p)
		if convErr != nil {
			return 0, 0, 0, fmt.Errorf("%w: %q: %v", ErrInvalidDate, s, convErr)
		}
		vals[i] = n
	}
	return vals[0], vals[1], vals[2], nil
}

// ParseDate parses and validates a Jalali date string.
func (c *Calendar) ParseDate(s string) (Date, error) {
	y, m, d, err := SplitDate(s)
	if err != nil {
		return Date{}, err
	}
	return c.NewDate(y, m, d)
}

// ParseGregorian parses and validates a Gregorian "YYYY-MM-DD" string.
func ParseGregorian(s string) (GregorianDate, error) {
	y, m, d, err := SplitDate(s)
	if err != nil {
		return GregorianDate{}, err
	}
	return NewGregorianDate(y, m, d)
}

// Bounds are the year ranges accepted from user input. CalendarMath itself
// does not enforce them.
type Bounds struct {
	MinJalali    int
	MaxJalali    int
	MinGregorian int
	MaxGregorian int
}

// DefaultBounds matches the date converter limits.
var DefaultBounds = Bounds{MinJalali: 1, MaxJalali: 1600, MinGregorian: 622, MaxGregorian: 2200}

func (b Bounds) CheckJalali(year int) error {
	if year < b.MinJalali || year > b.MaxJalali {
		return fmt.Errorf("%w: jalali year %d not in [%d, %d]", ErrYearOutOfRange, year, b.MinJalali, b.MaxJalali)
	}
	return nil
}

func (b Bounds) CheckGregorian(year int) error {
	if year < b.MinGregorian || year > b.MaxGregorian {
		return fmt.Errorf("%w: gregorian year %d not in [%d, %d]", ErrYearOutOfRange, year, b.MinGregorian, b.MaxGregorian)
	}
	return nil
}

// MarshalText renders the date as YYYY-MM-DD.
func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText splits YYYY-MM-DD; calendar validity is left to the caller.
func (d *Date) UnmarshalText(b []byte) error {
	y, m, day, err := SplitDate(string(b))
	if err != nil {
		return err
	}
	*d = Date{Year: y, Month: m, Day: day}
	return nil
}

// MarshalText renders the date as YYYY-MM-DD.
func (g GregorianDate) MarshalText() ([]byte, error) {
	return []byte(g.String()), nil
}

// UnmarshalText parses and validates a Gregorian YYYY-MM-DD date.
func (g *GregorianDate) UnmarshalText(b []byte) error {
	v, err := ParseGregorian(string(b))
	if err != nil {
		return err
	}
	*g = v
	return nil
}
