package ics

import (
	"context"
	"time"

	"shamsical/internal/holiday"
	"shamsical/internal/jalali"
	appLog "shamsical/internal/log"
	"shamsical/internal/model"
)

// maxHolidaySpanDays bounds how many days one all-day occurrence may mark.
const maxHolidaySpanDays = 31

// HolidaysFromOccurrences adds every date covered by an all-day occurrence
// to b, with the summary as reason. Timed occurrences are ignored. It
// returns the number of dates added.
func HolidaysFromOccurrences(cal *jalali.Calendar, occs []model.Occurrence, b *holiday.Builder) int {
	if cal == nil {
		cal = jalali.Default
	}
	added := 0
	for _, occ := range occs {
		if !occ.AllDay || occ.Summary == "" {
			continue
		}
		end := occ.End
		if !end.After(occ.Start) {
			end = occ.Start.AddDate(0, 0, 1)
		}
		for day, n := occ.Start, 0; day.Before(end) && n < maxHolidaySpanDays; day, n = day.AddDate(0, 0, 1), n+1 {
			d, err := cal.FromGregorian(jalali.GregorianFromTime(day))
			if err != nil {
				appLog.Warn("ics: holiday outside calendar range", "uid", occ.UID, "date", day.Format(time.DateOnly), "err", err)
				break
			}
			b.Add(d.Year, d.Month, d.Day, occ.Summary)
			added++
		}
	}
	return added
}

// FeedOptions describe which feeds to load and for which Jalali years.
type FeedOptions struct {
	Feeds    []Feed
	FromYear int
	ToYear   int
	Location *time.Location
}

// AddFeedHolidays fetches, parses and expands every feed and merges the
// all-day occurrences falling in [FromYear, ToYear] into b. Broken feeds are
// logged and skipped; the number of dates added is returned.
func AddFeedHolidays(ctx context.Context, f *Fetcher, cal *jalali.Calendar, opts FeedOptions, b *holiday.Builder) int {
	if len(opts.Feeds) == 0 {
		return 0
	}
	if cal == nil {
		cal = jalali.Default
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	from, err := cal.NewDate(opts.FromYear, 1, 1)
	if err != nil {
		appLog.Error("ics: bad feed year range", err, "from", opts.FromYear)
		return 0
	}
	to, err := cal.NewDate(opts.ToYear, 12, cal.DaysInMonth(opts.ToYear, 12))
	if err != nil {
		appLog.Error("ics: bad feed year range", err, "to", opts.ToYear)
		return 0
	}
	window := ExpandOptions{
		Location: loc,
		From:     cal.ToGregorian(from).Time(loc),
		To:       cal.ToGregorian(to).Time(loc).AddDate(0, 0, 1).Add(-time.Nanosecond),
	}

	results, _ := f.FetchAll(ctx, opts.Feeds)
	total := 0
	for _, res := range results {
		evs, err := Parse(res.Feed, res.Body, loc)
		if err != nil {
			appLog.Error("ics: feed skipped", err, "id", res.Feed.ID)
			continue
		}
		occs, err := Expand(evs, window)
		if err != nil {
			appLog.Error("ics: feed skipped", err, "id", res.Feed.ID)
			continue
		}
		n := HolidaysFromOccurrences(cal, occs, b)
		appLog.Info("ics holidays merged", "id", res.Feed.ID, "from_cache", res.FromCache, "dates", n)
		total += n
	}
	return total
}
