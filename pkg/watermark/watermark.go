// Package watermark persists, per source, the point up to which events are
// known to be durably collected. A watermark is read once at cycle start,
// advanced in memory as pages arrive, and written back only after the cycle's
// events have been appended to the destination store. Crashing between append
// and save therefore re-delivers events but never loses them.
package watermark

import "time"

// Mark is the resume point for one source. Single-stream sources use Time;
// sources with independent sub-streams carry one timestamp per stream key,
// loaded and saved as a unit.
type Mark struct {
	Time    time.Time            `json:"time,omitempty"`
	Streams map[string]time.Time `json:"streams,omitempty"`
}

// For returns the watermark for the given stream key. The empty key reads
// the single-stream timestamp.
func (m Mark) For(stream string) (time.Time, bool) {
	if stream == "" {
		return m.Time, !m.Time.IsZero()
	}
	ts, ok := m.Streams[stream]
	return ts, ok && !ts.IsZero()
}

// Advance moves the stream's watermark forward to ts. Watermarks are
// monotonic: a timestamp at or behind the current mark is ignored.
// Reports whether the mark moved.
func (m *Mark) Advance(stream string, ts time.Time) bool {
	if ts.IsZero() {
		return false
	}

	if stream == "" {
		if !ts.After(m.Time) {
			return false
		}
		m.Time = ts
		return true
	}

	if m.Streams == nil {
		m.Streams = make(map[string]time.Time)
	}
	if cur, ok := m.Streams[stream]; ok && !ts.After(cur) {
		return false
	}
	m.Streams[stream] = ts
	return true
}

// IsZero reports whether the mark carries no resume point at all.
func (m Mark) IsZero() bool {
	return m.Time.IsZero() && len(m.Streams) == 0
}
