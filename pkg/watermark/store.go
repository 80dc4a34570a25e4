package watermark

import (
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"

	"github.com/saaslog/collector/pkg/errors"
)

// Store keeps one watermark file per source under a state directory.
// Saves are atomic with respect to process crash: the record is written to a
// temporary file, fsync'd, and renamed into place, so a torn watermark file
// is never read back as valid.
type Store struct {
	dir string
}

// NewStore creates a watermark store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to create state directory")
	}
	return &Store{dir: dir}, nil
}

// path returns the watermark file for a source.
func (s *Store) path(source string) string {
	return filepath.Join(s.dir, source+".json")
}

// Load reads the persisted watermark for a source. The second return value
// is false when no watermark exists yet; first-run defaults are the
// caller's concern.
func (s *Store) Load(source string) (Mark, bool, error) {
	data, err := os.ReadFile(s.path(source))
	if err != nil {
		if os.IsNotExist(err) {
			return Mark{}, false, nil
		}
		return Mark{}, false, errors.Wrap(err, errors.ErrorTypeFile, "failed to read watermark")
	}

	var m Mark
	if err := json.Unmarshal(data, &m); err != nil {
		return Mark{}, false, errors.Wrap(err, errors.ErrorTypeData, "failed to decode watermark")
	}
	return m, true, nil
}

// Save durably persists the watermark for a source.
func (s *Store) Save(source string, m Mark) error {
	data, err := json.Marshal(m)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "failed to encode watermark")
	}

	tmp, err := os.CreateTemp(s.dir, source+".*.tmp")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to create watermark temp file")
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to write watermark")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to sync watermark")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to close watermark temp file")
	}

	if err := os.Rename(tmpName, s.path(source)); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to replace watermark")
	}
	return nil
}
