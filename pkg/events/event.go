// Package events defines the record shapes that flow through the collector.
//
// A Raw event is one audit record exactly as decoded from an upstream API
// response: string keys, arbitrarily nested maps and slices. A Flat event is
// the storage shape: a single-level mapping from an underscore-joined field
// path to a scalar value. The flatten package converts between the two.
package events

import (
	"strconv"
	"time"
)

// Raw is one event as returned by a source, an arbitrarily nested mapping.
type Raw map[string]interface{}

// Flat is a flattened event. Invariant: no value is a map or a slice.
type Flat map[string]interface{}

// SourceField is the discriminator field injected into every stored record.
const SourceField = "source"

// timeLayouts are tried in order when parsing event timestamps. Upstream
// formats differ in fractional-second precision and zone notation.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999", // no zone, treated as UTC
}

// String returns the value at key rendered in its canonical string form.
// Numeric identity keys are rendered without an exponent so the same
// upstream id always produces the same key.
func (f Flat) String(key string) (string, bool) {
	v, ok := f[key]
	if !ok || v == nil {
		return "", false
	}

	switch t := v.(type) {
	case string:
		return t, t != ""
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return "", false
	}
}

// Time parses the value at key as an event timestamp.
func (f Flat) Time(key string) (time.Time, bool) {
	s, ok := f.String(key)
	if !ok {
		return time.Time{}, false
	}

	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}
