package ics

import (
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"shamsical/internal/events"
	"shamsical/internal/jalali"
	appLog "shamsical/internal/log"
)

const productID = "-//shamsical//Jalali calendar//FA"

// ExportEvents renders user events as an iCalendar document of all-day
// VEVENTs. One-off events inside [fromYear, toYear] appear once. Yearly
// events appear once per Jalali year in range; Esfand 30 only in leap years.
func ExportEvents(cal *jalali.Calendar, entries []events.Entry, fromYear, toYear int, now time.Time) (string, error) {
	if cal == nil {
		cal = jalali.Default
	}
	if toYear < fromYear {
		return "", fmt.Errorf("%w: export range %d..%d", jalali.ErrYearOutOfRange, fromYear, toYear)
	}

	doc := ical.NewCalendar()
	doc.SetMethod(ical.MethodPublish)
	doc.SetProductId(productID)

	for _, e := range entries {
		_, month, day, err := jalali.SplitDate(e.Key)
		if err != nil {
			appLog.Warn("ics export: skipping event with bad key", "key", e.Key, "err", err)
			continue
		}
		if !e.Yearly && !events.IsWildcardKey(e.Key) {
			d, err := cal.ParseDate(e.Key)
			if err != nil {
				appLog.Warn("ics export: skipping event with bad date", "key", e.Key, "err", err)
				continue
			}
			if d.Year >= fromYear && d.Year <= toYear {
				addDayEvent(doc, cal, d, e, now)
			}
			continue
		}
		for y := fromYear; y <= toYear; y++ {
			d, err := cal.NewDate(y, month, day)
			if err != nil {
				// 12-30 in a common year.
				continue
			}
			addDayEvent(doc, cal, d, e, now)
		}
	}
	return doc.Serialize(ical.WithNewLineWindows), nil
}

func addDayEvent(doc *ical.Calendar, cal *jalali.Calendar, d jalali.Date, e events.Entry, now time.Time) {
	g := cal.ToGregorian(d).Time(time.UTC)
	uid := d.String() + "@shamsical"
	if e.Yearly || events.IsWildcardKey(e.Key) {
		uid = "yearly-" + uid
	}
	ev := doc.AddEvent(uid)
	ev.SetDtStampTime(now.UTC())
	ev.SetAllDayStartAt(g)
	ev.SetAllDayEndAt(g.AddDate(0, 0, 1))
	ev.SetSummary(firstLine(e.Text))
	ev.SetDescription(fmt.Sprintf("%s\n%s", e.Text, d.String()))
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
