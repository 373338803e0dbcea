package ics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shamsical/internal/events"
	"shamsical/internal/holiday"
	"shamsical/internal/jalali"
)

var sampleFeed = strings.ReplaceAll(`BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//test//holidays//EN
BEGIN:VEVENT
UID:nowruz@test
DTSTAMP:20240101T000000Z
DTSTART;VALUE=DATE:20240320
DTEND;VALUE=DATE:20240324
SUMMARY:Nowruz
END:VEVENT
BEGIN:VEVENT
UID:nature@test
DTSTAMP:20240101T000000Z
DTSTART;VALUE=DATE:20240401
RRULE:FREQ=YEARLY;COUNT=3
SUMMARY:Nature Day
END:VEVENT
BEGIN:VEVENT
UID:meeting@test
DTSTAMP:20240101T000000Z
DTSTART:20240325T090000Z
DTEND:20240325T100000Z
SUMMARY:Meeting
END:VEVENT
BEGIN:VEVENT
DTSTAMP:20240101T000000Z
DTSTART;VALUE=DATE:20240402
SUMMARY:No UID
END:VEVENT
END:VCALENDAR
`, "\n", "\r\n")

func TestParse(t *testing.T) {
	evs, err := Parse(Feed{ID: "ir"}, []byte(sampleFeed), time.UTC)
	require.NoError(t, err)
	require.Len(t, evs, 3)

	nowruz := evs[0]
	assert.Equal(t, "nowruz@test", nowruz.UID)
	assert.Equal(t, "Nowruz", nowruz.Summary)
	assert.True(t, nowruz.AllDay)
	assert.Equal(t, time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC), nowruz.Start)
	assert.Equal(t, time.Date(2024, 3, 24, 0, 0, 0, 0, time.UTC), nowruz.End)

	nature := evs[1]
	assert.Equal(t, "FREQ=YEARLY;COUNT=3", nature.RRule)
	assert.Equal(t, nature.Start.AddDate(0, 0, 1), nature.End)

	assert.False(t, evs[2].AllDay)
}

func TestParse_Errors(t *testing.T) {
	_, err := Parse(Feed{ID: "x"}, nil, nil)
	assert.Error(t, err)
}

func TestExpand_RecurrenceExdateOverride(t *testing.T) {
	start := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	moved := time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC)
	evs := []Event{
		{
			UID:     "weekly",
			Summary: "Class",
			Start:   start,
			End:     start.Add(time.Hour),
			RRule:   "FREQ=WEEKLY;COUNT=4",
			ExDates: []time.Time{start.AddDate(0, 0, 14)},
		},
		{
			UID:          "weekly",
			Summary:      "Class (moved)",
			Start:        moved.Add(2 * time.Hour),
			End:          moved.Add(3 * time.Hour),
			RecurrenceID: &moved,
		},
	}

	occs, err := Expand(evs, ExpandOptions{
		Location: time.UTC,
		From:     start,
		To:       start.AddDate(0, 2, 0),
	})
	require.NoError(t, err)
	require.Len(t, occs, 3)
	assert.Equal(t, "Class", occs[0].Summary)
	assert.Equal(t, "Class (moved)", occs[1].Summary)
	assert.Equal(t, 11, occs[1].Start.Hour())
	assert.Equal(t, start.AddDate(0, 0, 21), occs[2].Start)
}

func TestExpand_BadWindow(t *testing.T) {
	now := time.Now()
	_, err := Expand(nil, ExpandOptions{From: now, To: now.Add(-time.Hour)})
	assert.Error(t, err)
}

func TestExpand_AllDayKeepsDate(t *testing.T) {
	tehran := time.FixedZone("IRST", 3*3600+1800)
	evs := []Event{{
		UID:    "d",
		Start:  time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC),
		End:    time.Date(2024, 3, 21, 0, 0, 0, 0, time.UTC),
		AllDay: true,
	}}
	occs, err := Expand(evs, ExpandOptions{
		Location: tehran,
		From:     time.Date(2024, 3, 1, 0, 0, 0, 0, tehran),
		To:       time.Date(2024, 4, 1, 0, 0, 0, 0, tehran),
	})
	require.NoError(t, err)
	require.Len(t, occs, 1)
	assert.Equal(t, 20, occs[0].Start.Day())
	assert.Equal(t, tehran, occs[0].Start.Location())
}

func TestHolidaysFromOccurrences(t *testing.T) {
	evs, err := Parse(Feed{ID: "ir"}, []byte(sampleFeed), time.UTC)
	require.NoError(t, err)

	cal := jalali.Default
	from := cal.ToGregorian(cal.MustDate(1403, 1, 1)).Time(time.UTC)
	to := cal.ToGregorian(cal.MustDate(1404, 12, 29)).Time(time.UTC)
	occs, err := Expand(evs, ExpandOptions{Location: time.UTC, From: from, To: to})
	require.NoError(t, err)

	b := holiday.NewBuilder()
	assert.Equal(t, 6, HolidaysFromOccurrences(cal, occs, b))
	ix := b.Build()

	for day := 1; day <= 4; day++ {
		assert.Equal(t, []string{"Nowruz"}, ix.ReasonsFor(1403, 1, day), "day %d", day)
	}
	assert.Empty(t, ix.ReasonsFor(1403, 1, 5))
	assert.Equal(t, []string{"Nature Day"}, ix.ReasonsFor(1403, 1, 13))
	assert.Equal(t, []string{"Nature Day"}, ix.ReasonsFor(1404, 1, 12))
	assert.Empty(t, ix.ReasonsFor(1403, 1, 6), "timed events are not holidays")
}

func TestFetcher_CachesAndRevalidates(t *testing.T) {
	var hits, notModified atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			notModified.Add(1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(sampleFeed))
	}))

	f := NewFetcher(t.TempDir(), srv.Client())
	feed := Feed{ID: "ir", URL: srv.URL + "/holidays.ics?token=secret"}

	res, err := f.Fetch(context.Background(), feed)
	require.NoError(t, err)
	assert.False(t, res.FromCache)
	assert.Equal(t, sampleFeed, string(res.Body))

	res, err = f.Fetch(context.Background(), feed)
	require.NoError(t, err)
	assert.True(t, res.FromCache)
	assert.Equal(t, int32(1), notModified.Load())

	srv.Close()
	res, err = f.Fetch(context.Background(), feed)
	require.NoError(t, err, "offline fetch should fall back to the cache")
	assert.True(t, res.FromCache)
	assert.Equal(t, sampleFeed, string(res.Body))
	assert.Equal(t, int32(2), hits.Load())
}

func TestFetcher_ErrorsWithoutCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir(), srv.Client())
	results, errs := f.FetchAll(context.Background(), []Feed{
		{ID: "broken", URL: srv.URL},
		{ID: "empty"},
	})
	assert.Empty(t, results)
	assert.Len(t, errs, 2)
}

func TestAddFeedHolidays(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(sampleFeed))
	}))
	defer srv.Close()

	b := holiday.NewBuilder()
	n := AddFeedHolidays(context.Background(), NewFetcher(t.TempDir(), srv.Client()), nil, FeedOptions{
		Feeds:    []Feed{{ID: "ir", URL: srv.URL}},
		FromYear: 1403,
		ToYear:   1403,
		Location: time.UTC,
	}, b)
	assert.Equal(t, 5, n)
	assert.Equal(t, []string{"Nature Day"}, b.Build().ReasonsFor(1403, 1, 13))
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "https://example.com/...(redacted)", redactURL("https://example.com/cal.ics?token=abc"))
	assert.Equal(t, "ics://...(redacted)", redactURL("not a url"))
}

func TestExportEvents(t *testing.T) {
	entries := []events.Entry{
		{Key: "1403-05-10", Text: "Dentist"},
		{Key: "1399-01-01", Text: "Out of range"},
		{Key: "0000-12-30", Text: "Leap day", Yearly: true},
		{Key: "0000-01-01", Text: "Nowruz\nvisit family", Yearly: true},
		{Key: "garbage", Text: "skipped"},
	}
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	out, err := ExportEvents(jalali.Default, entries, 1403, 1404, now)
	require.NoError(t, err)

	assert.Equal(t, 4, strings.Count(out, "BEGIN:VEVENT"))
	assert.Contains(t, out, "PRODID:"+productID)
	assert.Contains(t, out, "UID:1403-05-10@shamsical")
	assert.Contains(t, out, "20240731")
	assert.Contains(t, out, "UID:yearly-1403-12-30@shamsical")
	assert.Contains(t, out, "20250320")
	assert.NotContains(t, out, "UID:yearly-1404-12-30@shamsical")
	assert.Contains(t, out, "UID:yearly-1404-01-01@shamsical")
	assert.Contains(t, out, "SUMMARY:Nowruz\r\n")
	assert.Equal(t, strings.Count(out, "\n"), strings.Count(out, "\r\n"), "every line ends in CRLF")
	assert.NotContains(t, out, "Out of range")

	_, err = ExportEvents(nil, entries, 1404, 1403, now)
	assert.ErrorIs(t, err, jalali.ErrYearOutOfRange)
}
