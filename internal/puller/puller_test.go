package puller

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saaslog/collector/pkg/config"
	"github.com/saaslog/collector/pkg/connector/core"
	"github.com/saaslog/collector/pkg/connector/registry"
	"github.com/saaslog/collector/pkg/errors"
	"github.com/saaslog/collector/pkg/events"
	"github.com/saaslog/collector/pkg/flatten"
)

// fakes holds the behavior for each configured fake source instance, keyed
// by source name. The registered factory hands out blank sources that copy
// their behavior from this map during Initialize.
var fakes = map[string]*fakeSource{}

func init() {
	registry.RegisterSource("fake", func() core.Source {
		return &fakeSource{}
	})
}

type fakeSource struct {
	name     string
	streams  []string
	lookback time.Duration
	pages    map[string][][]events.Raw
	initErr  error
	fetchErr error
	failAt   int // fail on the nth FetchPage call, 0 disables

	calls    int
	gotSince map[string]time.Time
}

func (f *fakeSource) Name() string                   { return f.name }
func (f *fakeSource) Streams() []string              { return f.streams }
func (f *fakeSource) DefaultLookback() time.Duration { return f.lookback }

func (f *fakeSource) Initialize(ctx context.Context, cfg *config.SourceConfig) error {
	src, ok := fakes[cfg.Name]
	if !ok {
		return errors.New(errors.ErrorTypeConfig, "no fake registered for "+cfg.Name)
	}
	*f = *src
	f.name = cfg.Name
	if f.gotSince == nil {
		f.gotSince = make(map[string]time.Time)
	}
	src.gotSince = f.gotSince
	return f.initErr
}

func (f *fakeSource) FetchPage(ctx context.Context, req core.PageRequest) (*core.Page, error) {
	f.calls++
	fakes[f.name].calls = f.calls
	f.gotSince[req.Stream] = req.Since

	if f.failAt > 0 && f.calls >= f.failAt {
		return nil, f.fetchErr
	}

	idx := 0
	if req.Cursor != "" {
		idx, _ = strconv.Atoi(req.Cursor)
	}

	pages := f.pages[req.Stream]
	if idx >= len(pages) {
		return &core.Page{}, nil
	}
	return &core.Page{
		Events:     pages[idx],
		NextCursor: strconv.Itoa(idx + 1),
		HasMore:    idx+1 < len(pages),
	}, nil
}

func (f *fakeSource) Flatten(raw events.Raw) events.Flat { return flatten.Flatten(raw) }

func (f *fakeSource) IdentityKey(flat events.Flat) (string, bool) { return flat.String("id") }

func (f *fakeSource) EventTime(flat events.Flat) (time.Time, bool) { return flat.Time("ts") }

func (f *fakeSource) Close(ctx context.Context) error { return nil }

func ev(id string, ts time.Time) events.Raw {
	return events.Raw{"id": id, "ts": ts.UTC().Format(time.RFC3339)}
}

func testConfig(t *testing.T, names ...string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	sources := make(map[string]*config.SourceConfig, len(names))
	for _, name := range names {
		sources[name] = &config.SourceConfig{
			Name:        name,
			Type:        "fake",
			Enabled:     true,
			Destination: filepath.Join(dir, name+"-events.log"),
			PageSize:    100,
			MaxPages:    5,
			PageDelay:   time.Millisecond,
		}
	}
	return &config.Config{
		StateDir: filepath.Join(dir, "state"),
		Sources:  sources,
	}
}

func readLines(t *testing.T, path string) []events.Flat {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []events.Flat
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e events.Flat
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		lines = append(lines, e)
	}
	require.NoError(t, scanner.Err())
	return lines
}

func TestRun_CollectsAndAdvancesWatermark(t *testing.T) {
	t1 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	fakes["a"] = &fakeSource{
		streams:  []string{""},
		lookback: time.Hour,
		pages: map[string][][]events.Raw{
			"": {
				{ev("1", t1), ev("2", t2)},
				{ev("3", t1.Add(30 * time.Minute))},
			},
		},
	}

	cfg := testConfig(t, "a")
	p, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()))

	lines := readLines(t, cfg.Sources["a"].Destination)
	require.Len(t, lines, 3)
	for _, l := range lines {
		assert.Equal(t, "a", l[events.SourceField])
	}

	mark, found, err := p.store.Load("a")
	require.NoError(t, err)
	require.True(t, found)
	ts, ok := mark.For("")
	require.True(t, ok)
	assert.True(t, t2.Equal(ts), "watermark is the max event time, not the last page's")
}

func TestRun_SecondRunIsIncremental(t *testing.T) {
	t1 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	fakes["a"] = &fakeSource{
		streams:  []string{""},
		lookback: time.Hour,
		pages:    map[string][][]events.Raw{"": {{ev("1", t1)}}},
	}

	cfg := testConfig(t, "a")
	p, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()))

	// Next cycle: overlapping window returns the old event plus a new one.
	fakes["a"].pages = map[string][][]events.Raw{"": {{ev("1", t1), ev("2", t2)}}}
	require.NoError(t, p.Run(context.Background()))

	assert.True(t, t1.Equal(fakes["a"].gotSince[""]),
		"second cycle resumes from the saved watermark")

	lines := readLines(t, cfg.Sources["a"].Destination)
	assert.Len(t, lines, 2, "overlap is deduplicated")

	mark, _, err := p.store.Load("a")
	require.NoError(t, err)
	ts, _ := mark.For("")
	assert.True(t, t2.Equal(ts))
}

func TestRun_RerunAfterLostWatermarkWritesNoDuplicates(t *testing.T) {
	t1 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	fakes["a"] = &fakeSource{
		streams:  []string{""},
		lookback: time.Hour,
		pages:    map[string][][]events.Raw{"": {{ev("1", t1)}}},
	}

	cfg := testConfig(t, "a")
	p, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()))

	// Crash between append and watermark save: state is gone, events are not.
	require.NoError(t, os.Remove(filepath.Join(cfg.StateDir, "a.json")))
	require.NoError(t, p.Run(context.Background()))

	lines := readLines(t, cfg.Sources["a"].Destination)
	assert.Len(t, lines, 1)
}

func TestRun_PerStreamWatermarks(t *testing.T) {
	tAdmin := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	tLogin := tAdmin.Add(2 * time.Hour)

	fakes["a"] = &fakeSource{
		streams:  []string{"admin", "login"},
		lookback: time.Hour,
		pages: map[string][][]events.Raw{
			"admin": {{ev("a1", tAdmin)}},
			"login": {{ev("l1", tLogin)}},
		},
	}

	cfg := testConfig(t, "a")
	p, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()))

	mark, found, err := p.store.Load("a")
	require.NoError(t, err)
	require.True(t, found)

	ts, ok := mark.For("admin")
	require.True(t, ok)
	assert.True(t, tAdmin.Equal(ts))

	ts, ok = mark.For("login")
	require.True(t, ok)
	assert.True(t, tLogin.Equal(ts))
}

func TestRun_FailedSourceDoesNotBlockOthers(t *testing.T) {
	t1 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	fakes["a"] = &fakeSource{
		streams:  []string{""},
		lookback: time.Hour,
		fetchErr: errors.New(errors.ErrorTypeTransport, "upstream down"),
		failAt:   1,
	}
	fakes["b"] = &fakeSource{
		streams:  []string{""},
		lookback: time.Hour,
		pages:    map[string][][]events.Raw{"": {{ev("1", t1)}}},
	}

	cfg := testConfig(t, "a", "b")
	p, err := New(cfg)
	require.NoError(t, err)

	err = p.Run(context.Background())
	var partial *PartialFailure
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, 1, partial.Failed)
	assert.Equal(t, 2, partial.Total)
	assert.True(t, errors.IsType(err, errors.ErrorTypeTransport))

	// The healthy source still collected and saved state.
	lines := readLines(t, cfg.Sources["b"].Destination)
	assert.Len(t, lines, 1)
	_, found, err := p.store.Load("b")
	require.NoError(t, err)
	assert.True(t, found)

	// The failed source left nothing behind.
	_, statErr := os.Stat(cfg.Sources["a"].Destination)
	assert.True(t, os.IsNotExist(statErr))
	_, found, err = p.store.Load("a")
	require.NoError(t, err)
	assert.False(t, found, "no watermark for an aborted cycle")
}

func TestRun_MaxPagesGuardAborts(t *testing.T) {
	t1 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	// More pages than the guard allows.
	pages := make([][]events.Raw, 10)
	for i := range pages {
		pages[i] = []events.Raw{ev(strconv.Itoa(i), t1.Add(time.Duration(i)*time.Minute))}
	}
	fakes["a"] = &fakeSource{
		streams:  []string{""},
		lookback: time.Hour,
		pages:    map[string][][]events.Raw{"": pages},
	}

	cfg := testConfig(t, "a")
	cfg.Sources["a"].MaxPages = 3

	p, err := New(cfg)
	require.NoError(t, err)

	err = p.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypePagination))

	// Nothing written: the cycle aborted before finalize.
	_, statErr := os.Stat(cfg.Sources["a"].Destination)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRun_NoEventsSavesNoWatermark(t *testing.T) {
	fakes["a"] = &fakeSource{
		streams:  []string{""},
		lookback: time.Hour,
		pages:    map[string][][]events.Raw{"": {}},
	}

	cfg := testConfig(t, "a")
	p, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, p.Run(context.Background()))

	_, found, err := p.store.Load("a")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRun_FirstRunUsesLookbackWindow(t *testing.T) {
	fakes["a"] = &fakeSource{
		streams:  []string{""},
		lookback: 5 * time.Hour,
		pages:    map[string][][]events.Raw{"": {}},
	}

	cfg := testConfig(t, "a")
	p, err := New(cfg)
	require.NoError(t, err)

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	require.NoError(t, p.Run(context.Background()))
	assert.True(t, now.Add(-5*time.Hour).Equal(fakes["a"].gotSince[""]))
}

func TestRun_ConfiguredLookbackOverridesDefault(t *testing.T) {
	fakes["a"] = &fakeSource{
		streams:  []string{""},
		lookback: 5 * time.Hour,
		pages:    map[string][][]events.Raw{"": {}},
	}

	cfg := testConfig(t, "a")
	cfg.Sources["a"].Lookback = 30 * time.Minute

	p, err := New(cfg)
	require.NoError(t, err)

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	require.NoError(t, p.Run(context.Background()))
	assert.True(t, now.Add(-30*time.Minute).Equal(fakes["a"].gotSince[""]))
}

func TestRun_NoEnabledSources(t *testing.T) {
	cfg := testConfig(t, "a")
	cfg.Sources["a"].Enabled = false

	p, err := New(cfg)
	require.NoError(t, err)

	err = p.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}
