package model

import (
	"time"

	"shamsical/internal/jalali"
)

// Highlight is the single-colour decision a renderer makes for a day.
// Ordering is fixed: a user event wins over a holiday, which wins over a
// plain day.
type Highlight string

const (
	HighlightNone      Highlight = "none"
	HighlightHoliday   Highlight = "holiday"
	HighlightUserEvent Highlight = "user_event"
)

// DayState is everything a consumer needs to present one date. It is
// computed on demand and never persisted.
type DayState struct {
	Date      jalali.Date          `json:"date"`
	Gregorian jalali.GregorianDate `json:"gregorian"`
	// Weekday is 0 for Saturday through 6 for Friday.
	Weekday int `json:"weekday"`

	IsToday    bool `json:"is_today"`
	IsSelected bool `json:"is_selected"`
	// IsWeekend is true on Friday, the weekly holiday.
	IsWeekend bool `json:"is_weekend"`
	// IsHoliday covers both Fridays and listed holidays.
	IsHoliday      bool     `json:"is_holiday"`
	HolidayReasons []string `json:"holiday_reasons"`

	HasUserEvent    bool   `json:"has_user_event"`
	UserEventText   string `json:"user_event_text,omitempty"`
	UserEventYearly bool   `json:"user_event_yearly,omitempty"`
}

// Highlight applies the fixed precedence to the state's separate flags.
func (s DayState) Highlight() Highlight {
	switch {
	case s.HasUserEvent:
		return HighlightUserEvent
	case s.IsHoliday:
		return HighlightHoliday
	default:
		return HighlightNone
	}
}

// Occurrence is a single concrete instance of a feed event after
// recurrence expansion, normalised to the display timezone.
type Occurrence struct {
	SourceID string // feed ID from config
	UID      string // iCalendar UID

	// InstanceKey uniquely identifies one occurrence of a recurring event.
	InstanceKey string

	Summary string
	AllDay  bool

	Start time.Time
	End   time.Time
}
