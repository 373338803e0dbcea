package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"shamsical/internal/jalali"
)

// ErrMalformedEvent marks a persisted entry that could not be decoded or
// whose key is not a date. Such entries are logged and left untouched.
var ErrMalformedEvent = errors.New("malformed persisted event")

// wildcardYear is the year used in keys of yearly events.
const wildcardYear = "0000"

// Record is the current persisted shape of a user event.
type Record struct {
	Text              string `json:"text"`
	Yearly            bool   `json:"yearly"`
	RemoveAfterFinish bool   `json:"remove_after_finish"`
}

// Entry is what Lookup reports for a date.
type Entry struct {
	Key               string `json:"key"`
	Text              string `json:"text"`
	Yearly            bool   `json:"yearly"`
	RemoveAfterFinish bool   `json:"remove_after_finish"`
}

// SpecificKey returns the "YYYY-MM-DD" key of a one-off event on d.
func SpecificKey(d jalali.Date) string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

// WildcardKey returns the "0000-MM-DD" key of a yearly event on d's month/day.
func WildcardKey(d jalali.Date) string {
	return fmt.Sprintf("%s-%02d-%02d", wildcardYear, d.Month, d.Day)
}

// IsWildcardKey reports whether key uses the yearly wildcard year.
func IsWildcardKey(key string) bool {
	return len(key) > len(wildcardYear) && key[:len(wildcardYear)] == wildcardYear && key[len(wildcardYear)] == '-'
}

// decodeRecord normalises every historical persisted shape into a Record.
// Shapes seen in the wild:
//   - a bare string: the event text, not yearly, kept after it passes
//   - an object without "remove_after_finish": that flag defaults to false
//   - the current object shape
//
// migrated is true when the input was not already in the current shape.
func decodeRecord(raw json.RawMessage) (rec Record, migrated bool, err error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Record{}, false, fmt.Errorf("%w: empty value", ErrMalformedEvent)
	}

	switch trimmed[0] {
	case '"':
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return Record{}, false, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		return Record{Text: text}, true, nil

	case '{':
		var obj struct {
			Text              *string `json:"text"`
			Yearly            *bool   `json:"yearly"`
			RemoveAfterFinish *bool   `json:"remove_after_finish"`
		}
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return Record{}, false, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		if obj.Text != nil {
			rec.Text = *obj.Text
		}
		if obj.Yearly != nil {
			rec.Yearly = *obj.Yearly
		}
		if obj.RemoveAfterFinish != nil {
			rec.RemoveAfterFinish = *obj.RemoveAfterFinish
		} else {
			migrated = true
		}
		return rec, migrated, nil

	default:
		return Record{}, false, fmt.Errorf("%w: unsupported value %s", ErrMalformedEvent, truncate(trimmed, 40))
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
