// Package sink appends flattened events to newline-delimited JSON files,
// skipping events whose identity key is already present in the file.
package sink

import (
	"bufio"
	"context"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/saaslog/collector/pkg/errors"
	"github.com/saaslog/collector/pkg/events"
	"github.com/saaslog/collector/pkg/logger"
	"github.com/saaslog/collector/pkg/metrics"
)

// Lines in the destination file can carry large flattened payloads, well past
// bufio.Scanner's 64 KiB default.
const maxLineSize = 16 * 1024 * 1024

// KeyFunc extracts the identity key from a flattened event. The second
// return value is false when the event carries no usable key.
type KeyFunc func(events.Flat) (string, bool)

// Writer appends events to a single NDJSON destination file. Before each
// append it scans the file for identity keys already written, so re-running
// a cycle over an overlapping time window never produces duplicate lines.
type Writer struct {
	path   string
	logger *zap.Logger
}

// NewWriter creates a writer for the given destination file. The file and
// its parent directory are created on first append.
func NewWriter(path string) *Writer {
	return &Writer{
		path:   path,
		logger: logger.With(zap.String("destination", path)),
	}
}

// Path returns the destination file path.
func (w *Writer) Path() string {
	return w.path
}

// Append writes the events from one collection cycle to the destination
// file, tagging each with the source name and dropping events already
// present. Returns the number of lines written. The file is synced before
// return, so a successful Append means the events are durable.
func (w *Writer) Append(ctx context.Context, source string, batch []events.Flat, key KeyFunc) (int, error) {
	known, err := w.scanKeys(source, key)
	if err != nil {
		return 0, err
	}

	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeFile, "failed to create destination directory")
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeFile, "failed to open destination file")
	}
	defer f.Close()

	buf := bufio.NewWriter(f)
	written := 0
	for _, ev := range batch {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		k, ok := key(ev)
		if ok {
			if _, dup := known[k]; dup {
				metrics.DuplicatesSkipped.WithLabelValues(source).Inc()
				continue
			}
		} else {
			// No identity key means no dedup, but the event is still worth
			// keeping. Re-runs may write it again.
			w.logger.Warn("event has no identity key, writing without dedup",
				zap.String("source", source))
		}

		ev[events.SourceField] = source
		line, err := json.Marshal(ev)
		if err != nil {
			w.logger.Error("failed to serialize event, skipping",
				zap.String("source", source), zap.Error(err))
			metrics.MalformedSkipped.WithLabelValues(source).Inc()
			continue
		}

		if _, err := buf.Write(line); err != nil {
			return written, errors.Wrap(err, errors.ErrorTypeFile, "failed to append event")
		}
		if err := buf.WriteByte('\n'); err != nil {
			return written, errors.Wrap(err, errors.ErrorTypeFile, "failed to append event")
		}
		if ok {
			known[k] = struct{}{}
		}
		written++
	}

	if err := buf.Flush(); err != nil {
		return written, errors.Wrap(err, errors.ErrorTypeFile, "failed to flush destination file")
	}
	if err := f.Sync(); err != nil {
		return written, errors.Wrap(err, errors.ErrorTypeFile, "failed to sync destination file")
	}

	metrics.EventsWritten.WithLabelValues(source).Add(float64(written))
	return written, nil
}

// scanKeys reads the destination file and collects the identity keys of
// records previously written for this source. Lines that fail to decode are
// counted and skipped; a corrupt line must not block new appends.
func (w *Writer) scanKeys(source string, key KeyFunc) (map[string]struct{}, error) {
	known := make(map[string]struct{})

	f, err := os.Open(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return known, nil
		}
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to open destination file")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	malformed := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var ev events.Flat
		if err := json.Unmarshal(line, &ev); err != nil {
			malformed++
			continue
		}
		if src, _ := ev.String(events.SourceField); src != "" && src != source {
			continue
		}
		if k, ok := key(ev); ok {
			known[k] = struct{}{}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to scan destination file")
	}

	if malformed > 0 {
		w.logger.Warn("skipped malformed lines during dedup scan",
			zap.String("source", source), zap.Int("lines", malformed))
		metrics.MalformedSkipped.WithLabelValues(source).Add(float64(malformed))
	}
	return known, nil
}
