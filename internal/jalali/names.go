package jalali

import (
	"fmt"
	"strings"
)

var monthNames = [12]string{
	"فروردین", "اردیبهشت", "خرداد", "تیر", "مرداد", "شهریور",
	"مهر", "آبان", "آذر", "دی", "بهمن", "اسفند",
}

var gregorianMonthNames = [12]string{
	"January", "February", "March", "April", "May", "June",
	"July", "August", "September", "October", "November", "December",
}

var weekdayNames = [7]string{"شنبه", "یکشنبه", "دوشنبه", "سه‌شنبه", "چهارشنبه", "پنج‌شنبه", "جمعه"}

var weekdayShortNames = [7]string{"ش", "ی", "د", "س", "چ", "پ", "ج"}

var persianDigits = [10]rune{'۰', '۱', '۲', '۳', '۴', '۵', '۶', '۷', '۸', '۹'}

// MonthName returns the Persian name of a Jalali month (1-based).
func MonthName(month int) (string, error) {
	if month < 1 || month > 12 {
		return "", fmt.Errorf("month %d out of range 1-12", month)
	}
	return monthNames[month-1], nil
}

// GregorianMonthName returns the English name of a Gregorian month (1-based).
func GregorianMonthName(month int) (string, error) {
	if month < 1 || month > 12 {
		return "", fmt.Errorf("month %d out of range 1-12", month)
	}
	return gregorianMonthNames[month-1], nil
}

// WeekdayName returns the Persian weekday name, 0 = Saturday.
func WeekdayName(weekday int) (string, error) {
	if weekday < 0 || weekday > 6 {
		return "", fmt.Errorf("weekday %d out of range 0-6", weekday)
	}
	return weekdayNames[weekday], nil
}

// WeekdayShortNames returns the one-letter grid header, Saturday first.
func WeekdayShortNames() []string {
	return append([]string(nil), weekdayShortNames[:]...)
}

// ToPersianDigits replaces ASCII digits with Persian digits.
func ToPersianDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s) * 2)
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(persianDigits[r-'0'])
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// FromPersianDigits replaces Persian (and Arabic-Indic) digits with ASCII.
func FromPersianDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= '۰' && r <= '۹':
			b.WriteRune('0' + (r - '۰'))
		case r >= '٠' && r <= '٩':
			b.WriteRune('0' + (r - '٠'))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
