// Package holiday builds the read-only holiday lookup used by the day
// resolver. Holidays are an enhancement: a missing or broken source yields
// an empty index and a log line, never an error for the caller.
package holiday

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	appLog "shamsical/internal/log"
)

// ErrSourceUnavailable is logged when a holiday source cannot be read or
// decoded as a whole.
var ErrSourceUnavailable = errors.New("holiday source unavailable")

// MonthDay is a (month, day) pair within a year.
type MonthDay struct {
	Month int
	Day   int
}

// Index maps year -> (month, day) -> reasons. It is never mutated after
// Build and is safe for concurrent reads.
type Index struct {
	byYear map[int]map[MonthDay][]string
}

// Empty returns an index with no holidays.
func Empty() *Index {
	return &Index{byYear: map[int]map[MonthDay][]string{}}
}

// ReasonsFor returns a copy of the reasons for a date, or nil.
func (ix *Index) ReasonsFor(year, month, day int) []string {
	if ix == nil {
		return nil
	}
	reasons := ix.byYear[year][MonthDay{month, day}]
	if len(reasons) == 0 {
		return nil
	}
	return append([]string(nil), reasons...)
}

// Years returns the covered years in ascending order.
func (ix *Index) Years() []int {
	if ix == nil {
		return nil
	}
	years := make([]int, 0, len(ix.byYear))
	for y := range ix.byYear {
		years = append(years, y)
	}
	sort.Ints(years)
	return years
}

// Len returns the number of dates that carry at least one reason.
func (ix *Index) Len() int {
	if ix == nil {
		return 0
	}
	n := 0
	for _, days := range ix.byYear {
		n += len(days)
	}
	return n
}

// Builder accumulates holidays from several sources before freezing them
// into an Index.
type Builder struct {
	byYear map[int]map[MonthDay][]string
}

func NewBuilder() *Builder {
	return &Builder{byYear: map[int]map[MonthDay][]string{}}
}

// Add appends reasons for a date, skipping blanks and duplicates.
func (b *Builder) Add(year, month, day int, reasons ...string) {
	days, ok := b.byYear[year]
	if !ok {
		days = map[MonthDay][]string{}
		b.byYear[year] = days
	}
	key := MonthDay{month, day}
	existing := days[key]
	for _, r := range reasons {
		r = strings.TrimSpace(r)
		if r == "" || contains(existing, r) {
			continue
		}
		existing = append(existing, r)
	}
	if len(existing) > 0 {
		days[key] = existing
	}
}

// Build returns the frozen index. The builder must not be used afterwards.
func (b *Builder) Build() *Index {
	ix := &Index{byYear: b.byYear}
	b.byYear = nil
	return ix
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Format selects the decoder for a holiday source.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatForPath picks YAML for .yaml/.yml files and JSON otherwise.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// LoadFile reads a holiday source from disk. Any failure is logged and an
// empty index returned.
func LoadFile(path string) *Index {
	b := NewBuilder()
	if err := AddFile(b, path); err != nil {
		appLog.Error("failed to load holidays; continuing without them", err, "path", path)
	}
	return b.Build()
}

// AddFile merges a holiday file into b. The returned error wraps
// ErrSourceUnavailable; entries already added stay in b.
func AddFile(b *Builder, path string) error {
	if path == "" {
		return fmt.Errorf("%w: no path configured", ErrSourceUnavailable)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	added, err := AddSource(b, data, FormatForPath(path))
	if err != nil {
		return err
	}
	appLog.Info("holidays loaded", "path", path, "entries", added)
	return nil
}

// Parse decodes a source into a fresh Index, returning an empty index on
// failure.
func Parse(data []byte, format Format) *Index {
	b := NewBuilder()
	if _, err := AddSource(b, data, format); err != nil {
		appLog.Error("failed to parse holidays; continuing without them", err)
	}
	return b.Build()
}

// AddSource decodes a holiday document and adds its entries to b. The
// document is either {"holidays": {year: {"MM-DD": reason|[reasons]}}} or
// the inner year mapping on its own. Malformed entries are skipped with a
// warning; only an undecodable document is an error.
func AddSource(b *Builder, data []byte, format Format) (int, error) {
	var (
		years map[string]map[string]rawReasons
		err   error
	)
	switch format {
	case FormatYAML:
		years, err = decodeYAML(data)
	default:
		years, err = decodeJSON(data)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	added := 0
	for yearStr, days := range years {
		year, err := strconv.Atoi(strings.TrimSpace(yearStr))
		if err != nil {
			appLog.Warn("holidays: skipping non-integer year", "year", yearStr)
			continue
		}
		for mdStr, raw := range days {
			month, day, err := splitMonthDay(mdStr)
			if err != nil {
				appLog.Warn("holidays: skipping malformed date", "year", year, "date", mdStr, "err", err)
				continue
			}
			reasons, err := raw.decode()
			if err != nil {
				appLog.Warn("holidays: skipping malformed reasons", "year", year, "date", mdStr, "err", err)
				continue
			}
			b.Add(year, month, day, reasons...)
			added++
		}
	}
	return added, nil
}

func splitMonthDay(s string) (int, int, error) {
	parts := strings.Split(strings.TrimSpace(s), "-")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%q is not MM-DD", s)
	}
	month, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, err
	}
	day, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, err
	}
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return 0, 0, fmt.Errorf("%q out of range", s)
	}
	return month, day, nil
}

// rawReasons defers decoding of a single entry so that one bad entry does
// not fail the whole document.
type rawReasons struct {
	json json.RawMessage
	yaml *yaml.Node
}

// decode accepts a single string or a list of strings.
func (r rawReasons) decode() ([]string, error) {
	if r.yaml != nil {
		switch r.yaml.Kind {
		case yaml.ScalarNode:
			var s string
			if err := r.yaml.Decode(&s); err != nil {
				return nil, err
			}
			return []string{s}, nil
		case yaml.SequenceNode:
			var list []string
			if err := r.yaml.Decode(&list); err != nil {
				return nil, err
			}
			return list, nil
		default:
			return nil, fmt.Errorf("expected string or list at line %d", r.yaml.Line)
		}
	}

	trimmed := bytes.TrimSpace(r.json)
	if len(trimmed) == 0 {
		return nil, errors.New("empty value")
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil, err
		}
		return []string{s}, nil
	case '[':
		var list []string
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, err
		}
		return list, nil
	default:
		return nil, fmt.Errorf("expected string or list, got %s", string(trimmed))
	}
}

func decodeJSON(data []byte) (map[string]map[string]rawReasons, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, err
	}
	if inner, ok := top["holidays"]; ok {
		top = nil
		if err := json.Unmarshal(inner, &top); err != nil {
			return nil, err
		}
	}

	out := make(map[string]map[string]rawReasons, len(top))
	for year, rawDays := range top {
		var days map[string]json.RawMessage
		if err := json.Unmarshal(rawDays, &days); err != nil {
			appLog.Warn("holidays: skipping malformed year", "year", year, "err", err)
			continue
		}
		entries := make(map[string]rawReasons, len(days))
		for md, v := range days {
			entries[md] = rawReasons{json: v}
		}
		out[year] = entries
	}
	return out, nil
}

func decodeYAML(data []byte) (map[string]map[string]rawReasons, error) {
	var top map[string]yaml.Node
	if err := yaml.Unmarshal(data, &top); err != nil {
		return nil, err
	}
	if inner, ok := top["holidays"]; ok {
		top = nil
		if err := inner.Decode(&top); err != nil {
			return nil, err
		}
	}

	out := make(map[string]map[string]rawReasons, len(top))
	for year, node := range top {
		var days map[string]yaml.Node
		if err := node.Decode(&days); err != nil {
			appLog.Warn("holidays: skipping malformed year", "year", year, "err", err)
			continue
		}
		entries := make(map[string]rawReasons, len(days))
		for md := range days {
			n := days[md]
			entries[md] = rawReasons{yaml: &n}
		}
		out[year] = entries
	}
	return out, nil
}
