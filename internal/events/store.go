// Package events keeps the user's calendar notes: one-off events keyed by
// full date and yearly events keyed by month/day under a wildcard year.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"shamsical/internal/jalali"
	appLog "shamsical/internal/log"
	"shamsical/internal/settings"
)

// corruptSuffix is appended to the settings key to back up an event map
// that could not be decoded at all.
const corruptSuffix = ".corrupt"

// Store is the mutable event map. Every mutation is persisted synchronously
// through the injected settings.Store. All methods are safe for concurrent
// use; a single mutex serialises them.
type Store struct {
	mu  sync.Mutex
	kv  settings.Store
	key string
	cal *jalali.Calendar

	records map[string]Record
	// malformed holds entries that could not be decoded, written back
	// verbatim on every save so they are never lost.
	malformed map[string]json.RawMessage

	listeners []func()
}

// Option customises Load.
type Option func(*Store)

// WithKey overrides the settings key the event map lives under.
func WithKey(key string) Option {
	return func(s *Store) { s.key = key }
}

// Load reads the persisted event map, migrating legacy shapes. If anything
// was migrated the normalised map is written back before Load returns.
func Load(kv settings.Store, cal *jalali.Calendar, opts ...Option) (*Store, error) {
	if kv == nil {
		return nil, errors.New("events: settings store is nil")
	}
	if cal == nil {
		cal = jalali.Default
	}
	s := &Store{
		kv:        kv,
		key:       settings.KeyUserEvents,
		cal:       cal,
		records:   make(map[string]Record),
		malformed: make(map[string]json.RawMessage),
	}
	for _, opt := range opts {
		opt(s)
	}

	raw, err := kv.Get(s.key, []byte(`{}`))
	if err != nil {
		return nil, fmt.Errorf("events: read %s: %w", s.key, err)
	}

	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		// Keep the undecodable map aside rather than overwrite it later.
		appLog.Error("events: stored event map is malformed; starting empty", fmt.Errorf("%w: %v", ErrMalformedEvent, err),
			"key", s.key, "backup_key", s.key+corruptSuffix)
		if backupErr := kv.Set(s.key+corruptSuffix, jsonString(raw)); backupErr != nil {
			return nil, fmt.Errorf("events: back up malformed map: %w", backupErr)
		}
		return s, nil
	}

	migrated := 0
	for key, value := range entries {
		rec, wasMigrated, err := decodeRecord(value)
		if err != nil {
			appLog.Warn("events: skipping malformed entry", "key", key, "err", err)
			s.malformed[key] = value
			continue
		}
		if rec.Yearly && rec.RemoveAfterFinish {
			rec.RemoveAfterFinish = false
			wasMigrated = true
		}
		if wasMigrated {
			migrated++
		}
		s.records[key] = rec
	}

	if migrated > 0 {
		appLog.Info("events: migrated legacy event format", "migrated", migrated)
		if err := s.persistLocked(); err != nil {
			return nil, err
		}
	}

	appLog.Info("events: loaded user events", "count", len(s.records), "malformed", len(s.malformed))
	return s, nil
}

// jsonString wraps arbitrary bytes as a JSON string so any settings
// backend accepts them.
func jsonString(b []byte) []byte {
	out, _ := json.Marshal(string(b))
	return out
}

// OnChange registers fn to run after every persisted mutation.
func (s *Store) OnChange(fn func()) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Add stores an event for d, replacing any one-off or yearly event on the
// same date. Yearly events never auto-remove. A zero d is a no-op.
func (s *Store) Add(d jalali.Date, text string, yearly, removeAfterFinish bool) error {
	if d.IsZero() {
		return nil
	}
	if _, err := s.cal.NewDate(d.Year, d.Month, d.Day); err != nil {
		return err
	}

	s.mu.Lock()
	restore := s.snapshotLocked(SpecificKey(d), WildcardKey(d))
	s.removeLocked(d)

	key := SpecificKey(d)
	if yearly {
		removeAfterFinish = false
		key = WildcardKey(d)
	}
	s.records[key] = Record{Text: text, Yearly: yearly, RemoveAfterFinish: removeAfterFinish}

	err := s.persistLocked()
	if err != nil {
		restore()
	}
	listeners := s.listenersLocked()
	s.mu.Unlock()

	if err != nil {
		return err
	}
	appLog.Debug("events: added", "key", key, "yearly", yearly, "remove_after_finish", removeAfterFinish)
	notify(listeners)
	return nil
}

// Remove deletes both the one-off and the yearly event for d. It persists
// only when something was removed and reports whether it did. A failed save
// leaves the store unchanged.
func (s *Store) Remove(d jalali.Date) (bool, error) {
	if d.IsZero() {
		return false, nil
	}

	s.mu.Lock()
	restore := s.snapshotLocked(SpecificKey(d), WildcardKey(d))
	if !s.removeLocked(d) {
		s.mu.Unlock()
		return false, nil
	}
	err := s.persistLocked()
	if err != nil {
		restore()
	}
	listeners := s.listenersLocked()
	s.mu.Unlock()

	if err != nil {
		return false, err
	}
	appLog.Debug("events: removed", "date", d.String())
	notify(listeners)
	return true, nil
}

// snapshotLocked records the current state of keys and returns a func that
// puts them back, used when a mutation could not be persisted.
func (s *Store) snapshotLocked(keys ...string) func() {
	recs := make(map[string]Record, len(keys))
	bad := make(map[string]json.RawMessage)
	for _, key := range keys {
		if rec, ok := s.records[key]; ok {
			recs[key] = rec
		}
		if raw, ok := s.malformed[key]; ok {
			bad[key] = raw
		}
	}
	return func() {
		for _, key := range keys {
			delete(s.records, key)
			delete(s.malformed, key)
			if rec, ok := recs[key]; ok {
				s.records[key] = rec
			}
			if raw, ok := bad[key]; ok {
				s.malformed[key] = raw
			}
		}
	}
}

func (s *Store) removeLocked(d jalali.Date) bool {
	removed := false
	for _, key := range []string{SpecificKey(d), WildcardKey(d)} {
		if _, ok := s.records[key]; ok {
			delete(s.records, key)
			removed = true
		}
		// An explicit edit of the date replaces whatever was unreadable there.
		if _, ok := s.malformed[key]; ok {
			delete(s.malformed, key)
			removed = true
		}
	}
	return removed
}

// Lookup returns the event shown on d. A one-off event on the exact date
// wins over a yearly event on the same month/day.
func (s *Store) Lookup(d jalali.Date) (Entry, bool) {
	if d.IsZero() {
		return Entry{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := SpecificKey(d)
	if rec, ok := s.records[key]; ok {
		return Entry{Key: key, Text: rec.Text, Yearly: rec.Yearly, RemoveAfterFinish: rec.RemoveAfterFinish}, true
	}
	key = WildcardKey(d)
	if rec, ok := s.records[key]; ok {
		return Entry{Key: key, Text: rec.Text, Yearly: true, RemoveAfterFinish: rec.RemoveAfterFinish}, true
	}
	return Entry{}, false
}

// CleanupExpired removes one-off events flagged remove-after-finish whose
// date is before today. Keys that do not parse as a date are logged and
// kept. It returns how many events were removed.
func (s *Store) CleanupExpired(today jalali.Date) (int, error) {
	s.mu.Lock()

	var expired []string
	for key, rec := range s.records {
		if rec.Yearly || !rec.RemoveAfterFinish {
			continue
		}
		if IsWildcardKey(key) {
			appLog.Warn("events: wildcard key flagged for removal; leaving in place", "key", key, "err", ErrMalformedEvent)
			continue
		}
		d, err := s.cal.ParseDate(key)
		if err != nil {
			appLog.Warn("events: could not parse event date for removal", "key", key, "err", err)
			continue
		}
		if d.Before(today) {
			expired = append(expired, key)
		}
	}

	if len(expired) == 0 {
		s.mu.Unlock()
		return 0, nil
	}

	restore := s.snapshotLocked(expired...)
	for _, key := range expired {
		delete(s.records, key)
	}
	err := s.persistLocked()
	if err != nil {
		restore()
	}
	listeners := s.listenersLocked()
	s.mu.Unlock()

	if err != nil {
		return 0, err
	}
	appLog.Info("events: removed expired events", "count", len(expired), "today", today.String())
	notify(listeners)
	return len(expired), nil
}

// Entries returns a key-sorted snapshot of all decodable events.
func (s *Store) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.records))
	for key, rec := range s.records {
		out = append(out, Entry{Key: key, Text: rec.Text, Yearly: rec.Yearly || IsWildcardKey(key), RemoveAfterFinish: rec.RemoveAfterFinish})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Len returns the number of decodable events.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *Store) persistLocked() error {
	out := make(map[string]json.RawMessage, len(s.records)+len(s.malformed))
	for key, raw := range s.malformed {
		out[key] = raw
	}
	for key, rec := range s.records {
		b, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("events: encode %s: %w", key, err)
		}
		out[key] = b
	}

	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("events: encode event map: %w", err)
	}
	if err := s.kv.Set(s.key, data); err != nil {
		appLog.Error("events: failed to save user events", err, "key", s.key)
		return fmt.Errorf("events: save: %w", err)
	}
	appLog.Debug("events: saved user events", "count", len(s.records))
	return nil
}

func (s *Store) listenersLocked() []func() {
	return append([]func(){}, s.listeners...)
}

func notify(listeners []func()) {
	for _, fn := range listeners {
		fn()
	}
}
