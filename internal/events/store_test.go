package events

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shamsical/internal/jalali"
	"shamsical/internal/settings"
)

var cal = jalali.NewCalendar(jalali.Borkowski)

func d(y, m, day int) jalali.Date {
	return cal.MustDate(y, m, day)
}

func newStore(t *testing.T, initial string) (*Store, *settings.Memory) {
	t.Helper()
	kv := settings.NewMemory()
	if initial != "" {
		require.NoError(t, kv.Set(settings.KeyUserEvents, []byte(initial)))
	}
	s, err := Load(kv, cal)
	require.NoError(t, err)
	return s, kv
}

func persisted(t *testing.T, kv settings.Store) map[string]json.RawMessage {
	t.Helper()
	raw, err := kv.Get(settings.KeyUserEvents, []byte(`{}`))
	require.NoError(t, err)
	var out map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "1403-01-05", SpecificKey(d(1403, 1, 5)))
	assert.Equal(t, "0000-01-05", WildcardKey(d(1403, 1, 5)))
	assert.True(t, IsWildcardKey("0000-01-05"))
	assert.False(t, IsWildcardKey("1403-01-05"))
	assert.False(t, IsWildcardKey("0000"))
}

func TestLoad_MigratesLegacyShapes(t *testing.T) {
	s, kv := newStore(t, `{
		"1403-01-02": "bare string",
		"1403-01-03": {"text": "old dict", "yearly": false},
		"0000-01-04": {"text": "current", "yearly": true, "remove_after_finish": false}
	}`)
	writesAfterSeed := 1

	assert.Equal(t, 3, s.Len())
	assert.Equal(t, writesAfterSeed+1, kv.WriteCount(), "migration must persist once")

	e, ok := s.Lookup(d(1403, 1, 2))
	require.True(t, ok)
	assert.Equal(t, Entry{Key: "1403-01-02", Text: "bare string"}, e)

	e, ok = s.Lookup(d(1403, 1, 3))
	require.True(t, ok)
	assert.False(t, e.RemoveAfterFinish)

	stored := persisted(t, kv)
	assert.JSONEq(t, `{"text":"bare string","yearly":false,"remove_after_finish":false}`, string(stored["1403-01-02"]))
	assert.JSONEq(t, `{"text":"old dict","yearly":false,"remove_after_finish":false}`, string(stored["1403-01-03"]))
}

func TestLoad_CurrentShapeDoesNotPersist(t *testing.T) {
	_, kv := newStore(t, `{"1403-01-02": {"text": "a", "yearly": false, "remove_after_finish": true}}`)
	assert.Equal(t, 1, kv.WriteCount())
}

func TestLoad_EmptyStore(t *testing.T) {
	s, kv := newStore(t, "")
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, 0, kv.WriteCount())
}

func TestLoad_MalformedEntryIsKept(t *testing.T) {
	s, kv := newStore(t, `{"1403-01-02": 42, "1403-01-03": "ok"}`)

	_, ok := s.Lookup(d(1403, 1, 2))
	assert.False(t, ok)

	stored := persisted(t, kv)
	assert.Equal(t, "42", string(stored["1403-01-02"]))

	require.NoError(t, s.Add(d(1403, 2, 1), "new", false, false))
	stored = persisted(t, kv)
	assert.Equal(t, "42", string(stored["1403-01-02"]), "unreadable entry survives later saves")
}

func TestLoad_MalformedMapIsBackedUp(t *testing.T) {
	s, kv := newStore(t, `["not", "a", "map"]`)
	assert.Equal(t, 0, s.Len())

	backup, err := kv.Get(settings.KeyUserEvents+corruptSuffix, nil)
	require.NoError(t, err)
	var text string
	require.NoError(t, json.Unmarshal(backup, &text))
	assert.Equal(t, `["not", "a", "map"]`, text)
}

func TestAdd_PrecedenceOfOneOffOverYearly(t *testing.T) {
	s, _ := newStore(t, "")

	require.NoError(t, s.Add(d(1403, 5, 10), "A", false, false))
	require.NoError(t, s.Add(d(1400, 5, 10), "B", true, false))

	e, ok := s.Lookup(d(1403, 5, 10))
	require.True(t, ok)
	assert.Equal(t, "A", e.Text)
	assert.False(t, e.Yearly)

	e, ok = s.Lookup(d(1410, 5, 10))
	require.True(t, ok)
	assert.Equal(t, "B", e.Text)
	assert.True(t, e.Yearly)
}

func TestAdd_YearlyNeverRemovesAfterFinish(t *testing.T) {
	s, kv := newStore(t, "")

	require.NoError(t, s.Add(d(1403, 1, 1), "x", true, true))

	e, ok := s.Lookup(d(1403, 1, 1))
	require.True(t, ok)
	assert.False(t, e.RemoveAfterFinish)
	assert.Equal(t, "0000-01-01", e.Key)

	assert.JSONEq(t, `{"text":"x","yearly":true,"remove_after_finish":false}`, string(persisted(t, kv)["0000-01-01"]))
}

func TestAdd_AtMostOneRecordPerDate(t *testing.T) {
	s, kv := newStore(t, "")
	date := d(1403, 3, 3)

	require.NoError(t, s.Add(date, "first", true, false))
	require.NoError(t, s.Add(date, "second", false, true))

	stored := persisted(t, kv)
	_, hasWildcard := stored[WildcardKey(date)]
	_, hasSpecific := stored[SpecificKey(date)]
	assert.False(t, hasWildcard)
	assert.True(t, hasSpecific)
	assert.Equal(t, 1, s.Len())

	require.NoError(t, s.Add(date, "third", true, false))
	assert.Equal(t, 1, s.Len())
	e, _ := s.Lookup(date)
	assert.Equal(t, "third", e.Text)
}

func TestAdd_ZeroDateIsNoop(t *testing.T) {
	s, kv := newStore(t, "")
	require.NoError(t, s.Add(jalali.Date{}, "x", false, false))
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, 0, kv.WriteCount())
}

func TestAdd_InvalidDate(t *testing.T) {
	s, _ := newStore(t, "")
	err := s.Add(jalali.Date{Year: 1402, Month: 12, Day: 30}, "x", false, false)
	assert.ErrorIs(t, err, jalali.ErrInvalidDate)
}

func TestRemove(t *testing.T) {
	s, kv := newStore(t, "")
	date := d(1403, 4, 4)

	removed, err := s.Remove(date)
	require.NoError(t, err)
	assert.False(t, removed)
	assert.Equal(t, 0, kv.WriteCount(), "nothing removed, nothing persisted")

	require.NoError(t, s.Add(date, "x", true, false))
	writes := kv.WriteCount()

	removed, err = s.Remove(d(1399, 4, 4))
	require.NoError(t, err)
	assert.True(t, removed, "removing any year's date clears the yearly key")
	assert.Equal(t, writes+1, kv.WriteCount())

	_, ok := s.Lookup(date)
	assert.False(t, ok)
}

func TestCleanupExpired(t *testing.T) {
	s, kv := newStore(t, `{
		"1403-01-05": {"text": "past, auto-remove", "yearly": false, "remove_after_finish": true},
		"1403-01-06": {"text": "past, keep", "yearly": false, "remove_after_finish": false},
		"1403-01-10": {"text": "today", "yearly": false, "remove_after_finish": true},
		"1403-01-20": {"text": "future", "yearly": false, "remove_after_finish": true},
		"0000-01-05": {"text": "yearly", "yearly": true, "remove_after_finish": false},
		"garbage-key": {"text": "bad", "yearly": false, "remove_after_finish": true}
	}`)
	writes := kv.WriteCount()

	removed, err := s.CleanupExpired(d(1403, 1, 10))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, writes+1, kv.WriteCount())

	_, ok := s.Lookup(d(1403, 1, 6))
	assert.True(t, ok)
	_, ok = s.Lookup(d(1403, 1, 10))
	assert.True(t, ok)

	e, ok := s.Lookup(d(1403, 1, 5))
	require.True(t, ok, "yearly record still answers for the date")
	assert.Equal(t, "yearly", e.Text)

	stored := persisted(t, kv)
	assert.Contains(t, stored, "garbage-key")
	assert.NotContains(t, stored, "1403-01-05")

	removed, err = s.CleanupExpired(d(1403, 1, 10))
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
	assert.Equal(t, writes+1, kv.WriteCount(), "second pass has nothing to persist")
}

func TestOnChange(t *testing.T) {
	s, _ := newStore(t, "")
	calls := 0
	s.OnChange(func() { calls++ })

	require.NoError(t, s.Add(d(1403, 1, 1), "x", false, false))
	_, err := s.Remove(d(1403, 1, 1))
	require.NoError(t, err)
	_, err = s.Remove(d(1403, 1, 1))
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
}

func TestEntries_Sorted(t *testing.T) {
	s, _ := newStore(t, "")
	require.NoError(t, s.Add(d(1403, 2, 1), "b", false, false))
	require.NoError(t, s.Add(d(1403, 1, 1), "a", true, false))

	entries := s.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "0000-01-01", entries[0].Key)
	assert.True(t, entries[0].Yearly)
	assert.Equal(t, "1403-02-01", entries[1].Key)
}

type failingKV struct{ settings.Store }

func (failingKV) Set(string, []byte) error { return errors.New("disk full") }

func TestAdd_PersistError(t *testing.T) {
	s, err := Load(failingKV{settings.NewMemory()}, cal)
	require.NoError(t, err)

	err = s.Add(d(1403, 1, 1), "x", false, false)
	assert.Error(t, err)
	_, ok := s.Lookup(d(1403, 1, 1))
	assert.False(t, ok)
	assert.Zero(t, s.Len())
}

// switchKV fails writes while broken is set.
type switchKV struct {
	*settings.Memory
	broken bool
}

func (k *switchKV) Set(key string, value []byte) error {
	if k.broken {
		return errors.New("disk full")
	}
	return k.Memory.Set(key, value)
}

func TestPersistError_LeavesStoreUnchanged(t *testing.T) {
	kv := &switchKV{Memory: settings.NewMemory()}
	require.NoError(t, kv.Set(settings.KeyUserEvents, []byte(`{
		"1403-01-05": {"text": "past", "yearly": false, "remove_after_finish": true},
		"1403-02-01": {"text": "one-off", "yearly": false, "remove_after_finish": false},
		"0000-02-01": {"text": "yearly", "yearly": true, "remove_after_finish": false}
	}`)))
	s, err := Load(kv, cal)
	require.NoError(t, err)
	kv.broken = true

	assert.Error(t, s.Add(d(1403, 2, 1), "replacement", true, false))
	e, ok := s.Lookup(d(1403, 2, 1))
	require.True(t, ok)
	assert.Equal(t, "one-off", e.Text)
	e, ok = s.Lookup(d(1404, 2, 1))
	require.True(t, ok)
	assert.Equal(t, "yearly", e.Text)

	removed, err := s.Remove(d(1403, 2, 1))
	assert.Error(t, err)
	assert.False(t, removed)
	e, ok = s.Lookup(d(1403, 2, 1))
	require.True(t, ok)
	assert.Equal(t, "one-off", e.Text)

	n, err := s.CleanupExpired(d(1403, 1, 10))
	assert.Error(t, err)
	assert.Zero(t, n)
	_, ok = s.Lookup(d(1403, 1, 5))
	assert.True(t, ok)
	assert.Equal(t, 3, s.Len())

	kv.broken = false
	n, err = s.CleanupExpired(d(1403, 1, 10))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
