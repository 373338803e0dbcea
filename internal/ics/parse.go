package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "shamsical/internal/log"
)

// Event is one VEVENT reduced to what holiday extraction needs. Recurrence
// is kept raw and expanded later.
type Event struct {
	Feed Feed

	UID     string
	Summary string

	Start  time.Time
	End    time.Time
	AllDay bool

	RRule   string
	ExDates []time.Time
	// RecurrenceID is set on a VEVENT that overrides one instance of a
	// recurring event.
	RecurrenceID *time.Time
}

// Parse decodes an iCalendar body. Floating and date-only values are read
// in loc. A VEVENT that cannot be read is logged and skipped.
func Parse(feed Feed, body []byte, loc *time.Location) ([]Event, error) {
	if len(body) == 0 {
		return nil, errors.New("empty ics body")
	}
	if loc == nil {
		loc = time.Local
	}
	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse ics %s: %w", feed.ID, err)
	}

	var out []Event
	for _, ve := range cal.Events() {
		ev, err := parseEvent(feed, ve, loc)
		if err != nil {
			appLog.Warn("ics: skipping vevent", "id", feed.ID, "err", err)
			continue
		}
		out = append(out, ev)
	}
	appLog.Debug("ics parse completed", "id", feed.ID, "events", len(out))
	return out, nil
}

func parseEvent(feed Feed, ve *ical.VEvent, loc *time.Location) (Event, error) {
	ev := Event{Feed: feed}

	uid := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uid == nil || uid.Value == "" {
		return ev, errors.New("missing UID")
	}
	ev.UID = uid.Value
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		ev.Summary = strings.TrimSpace(p.Value)
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return ev, errors.New("missing DTSTART")
	}
	start, allDay, err := propTime(dtStart, loc)
	if err != nil {
		return ev, fmt.Errorf("DTSTART: %w", err)
	}
	ev.Start, ev.AllDay = start, allDay

	switch dtEnd := ve.GetProperty(ical.ComponentPropertyDtEnd); {
	case dtEnd != nil:
		end, _, err := propTime(dtEnd, loc)
		if err != nil {
			return ev, fmt.Errorf("DTEND: %w", err)
		}
		ev.End = end
	case allDay:
		// RFC 5545: a date-only DTSTART without DTEND lasts one day.
		ev.End = start.AddDate(0, 0, 1)
	default:
		ev.End = start
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		ev.RRule = p.Value
	}
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			if t, _, err := parseValue(strings.TrimSpace(part), tzidOf(p.ICalParameters), loc); err == nil {
				ev.ExDates = append(ev.ExDates, t)
			}
		}
	}
	if p := ve.GetProperty(ical.ComponentPropertyRecurrenceId); p != nil {
		if t, _, err := parseValue(p.Value, tzidOf(p.ICalParameters), loc); err == nil {
			ev.RecurrenceID = &t
		}
	}
	return ev, nil
}

func propTime(p *ical.IANAProperty, loc *time.Location) (time.Time, bool, error) {
	t, allDay, err := parseValue(p.Value, tzidOf(p.ICalParameters), loc)
	if err != nil {
		return t, false, err
	}
	if vs := p.ICalParameters["VALUE"]; len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		allDay = true
	}
	return t, allDay, nil
}

func tzidOf(params map[string][]string) string {
	if vs := params["TZID"]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// parseValue reads DATE, floating DATE-TIME, UTC DATE-TIME and DATE-TIME
// with a TZID the host knows. An unknown TZID falls back to loc.
func parseValue(v, tzid string, loc *time.Location) (time.Time, bool, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false, errors.New("empty time value")
	}
	if tzid != "" {
		if l, err := time.LoadLocation(tzid); err == nil {
			loc = l
		}
	}
	switch {
	case strings.HasSuffix(v, "Z"):
		t, err := time.Parse("20060102T150405Z", v)
		return t, false, err
	case strings.Contains(v, "T"):
		t, err := time.ParseInLocation("20060102T150405", v, loc)
		return t, false, err
	default:
		t, err := time.ParseInLocation("20060102", v, loc)
		return t, true, err
	}
}
