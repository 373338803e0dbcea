// Package settings provides the key-value store the calendar core persists
// through. Values are opaque JSON documents; the store never interprets them.
package settings

import (
	"errors"
	"fmt"
	"sync"
)

// Well-known keys.
const (
	KeyUserEvents  = "UserData/Events"
	KeyThemeChoice = "Appearance/ThemeChoice"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("settings store closed")

// Store is the injected persistence contract: get with a default, set, close.
type Store interface {
	// Get returns the stored value for key, or def when the key is absent.
	Get(key string, def []byte) ([]byte, error)
	// Set stores value under key, replacing any previous value.
	Set(key string, value []byte) error
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	// Backend is one of "memory", "file", "sqlite".
	Backend string `yaml:"backend" json:"backend"`
	// Path is the JSON file or SQLite database path.
	Path string `yaml:"path" json:"path"`
}

// Open returns the backend named by cfg.Backend.
func Open(cfg Config) (Store, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemory(), nil
	case "", "file":
		f, err := OpenFile(cfg.Path)
		if err != nil {
			return nil, err
		}
		return f, nil
	case "sqlite":
		s, err := OpenSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("settings: unknown backend %q", cfg.Backend)
	}
}

// Memory is an in-process Store, used in tests and for -once runs.
type Memory struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
	writes int
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Get(key string, def []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	v, ok := m.data[key]
	if !ok {
		return def, nil
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.data[key] = append([]byte(nil), value...)
	m.writes++
	return nil
}

// WriteCount returns the number of successful Set calls so far.
func (m *Memory) WriteCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
