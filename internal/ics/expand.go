package ics

import (
	"errors"
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	appLog "shamsical/internal/log"
	"shamsical/internal/model"
)

const defaultMaxOccurrences = 5000

// ExpandOptions bound recurrence expansion.
type ExpandOptions struct {
	// Location is the display timezone; nil means time.Local.
	Location *time.Location
	// From and To form an inclusive window.
	From time.Time
	To   time.Time
	// MaxPerEvent caps the instances of one recurring event.
	MaxPerEvent int
}

// Expand turns parsed events into concrete occurrences inside the window.
// RRULE, EXDATE and RECURRENCE-ID overrides are honoured. Occurrences are
// sorted by start time.
func Expand(events []Event, opts ExpandOptions) ([]model.Occurrence, error) {
	if opts.To.Before(opts.From) {
		return nil, errors.New("expand: window ends before it starts")
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.MaxPerEvent <= 0 {
		opts.MaxPerEvent = defaultMaxOccurrences
	}

	bases := make(map[string][]Event)
	overrides := make(map[string][]Event)
	for _, ev := range events {
		if ev.RecurrenceID != nil {
			overrides[ev.UID] = append(overrides[ev.UID], ev)
			continue
		}
		bases[ev.UID] = append(bases[ev.UID], ev)
	}

	var out []model.Occurrence
	for uid, list := range bases {
		for _, ev := range list {
			if ev.RRule == "" {
				if overlaps(ev.Start, ev.End, opts.From, opts.To) {
					out = append(out, occurrence(applyOverride(ev, overrides[uid], ev.Start), opts.Location))
				}
				continue
			}
			occs, capped := expandRecurring(ev, overrides[uid], opts)
			if capped {
				appLog.Warn("ics: recurrence truncated", "uid", uid, "cap", opts.MaxPerEvent)
			}
			out = append(out, occs...)
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func expandRecurring(ev Event, overrides []Event, opts ExpandOptions) ([]model.Occurrence, bool) {
	r, err := rrule.StrToRRule(ev.RRule)
	if err != nil {
		appLog.Error("ics: bad RRULE", err, "uid", ev.UID, "rrule", ev.RRule)
		return nil, false
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	loc := ev.Start.Location()
	starts := set.Between(opts.From.In(loc), opts.To.In(loc), true)
	capped := false
	if len(starts) > opts.MaxPerEvent {
		starts = starts[:opts.MaxPerEvent]
		capped = true
	}

	dur := ev.End.Sub(ev.Start)
	out := make([]model.Occurrence, 0, len(starts))
	for _, start := range starts {
		inst := ev
		inst.Start = start
		if ev.AllDay {
			inst.End = start.AddDate(0, 0, 1)
		} else {
			inst.End = start.Add(dur)
		}
		out = append(out, occurrence(applyOverride(inst, overrides, start), opts.Location))
	}
	return out, capped
}

// applyOverride swaps in the override whose RECURRENCE-ID equals start.
func applyOverride(ev Event, overrides []Event, start time.Time) Event {
	for _, ov := range overrides {
		if ov.RecurrenceID != nil && ov.RecurrenceID.Equal(start) {
			return ov
		}
	}
	return ev
}

// occurrence moves ev into loc. All-day events keep their calendar dates
// instead of shifting with the offset.
func occurrence(ev Event, loc *time.Location) model.Occurrence {
	start, end := ev.Start.In(loc), ev.End.In(loc)
	if ev.AllDay {
		start = sameDate(ev.Start, loc)
		end = sameDate(ev.End, loc)
	}
	return model.Occurrence{
		SourceID:    ev.Feed.ID,
		UID:         ev.UID,
		InstanceKey: start.Format(time.RFC3339),
		Summary:     ev.Summary,
		AllDay:      ev.AllDay,
		Start:       start,
		End:         end,
	}
}

func sameDate(t time.Time, loc *time.Location) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

func overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return !aEnd.Before(bStart) && !bEnd.Before(aStart)
}
