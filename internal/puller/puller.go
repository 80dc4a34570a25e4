// Package puller drives one collection cycle: for every enabled source it
// loads the watermark, pages through new events, flattens them, appends them
// to the destination file, and only then persists the advanced watermark.
//
// Sources run strictly sequentially and are isolated from each other: a
// failing source aborts its own cycle without touching its watermark, and
// the run moves on to the next source.
package puller

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/saaslog/collector/pkg/clients"
	"github.com/saaslog/collector/pkg/config"
	"github.com/saaslog/collector/pkg/connector/core"
	"github.com/saaslog/collector/pkg/connector/registry"
	"github.com/saaslog/collector/pkg/errors"
	"github.com/saaslog/collector/pkg/events"
	"github.com/saaslog/collector/pkg/logger"
	"github.com/saaslog/collector/pkg/metrics"
	"github.com/saaslog/collector/pkg/sink"
	"github.com/saaslog/collector/pkg/watermark"
)

// PartialFailure reports that some sources aborted while the run itself
// completed. Callers deciding the process exit status can treat it as a
// completed run; every failed source already logged its error and kept its
// watermark for the next attempt.
type PartialFailure struct {
	Failed int
	Total  int
	Errs   []error
}

func (e *PartialFailure) Error() string {
	return fmt.Sprintf("%d of %d sources failed: %v",
		e.Failed, e.Total, stderrors.Join(e.Errs...))
}

// Unwrap exposes the per-source errors to errors.Is and errors.As.
func (e *PartialFailure) Unwrap() []error { return e.Errs }

// Puller runs collection cycles over the configured sources.
type Puller struct {
	cfg    *config.Config
	store  *watermark.Store
	logger *zap.Logger

	// now is replaceable for deterministic lookback windows in tests.
	now func() time.Time
}

// New builds a puller and its watermark store.
func New(cfg *config.Config) (*Puller, error) {
	store, err := watermark.NewStore(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	return &Puller{
		cfg:    cfg,
		store:  store,
		logger: logger.With(zap.String("component", "puller")),
		now:    time.Now,
	}, nil
}

// Run executes one collection cycle across all enabled sources. Sources are
// pulled one at a time, in name order, with the configured delay between
// them. Returns an error only if at least one source aborted; successful
// sources keep their results either way.
func (p *Puller) Run(ctx context.Context) error {
	names := make([]string, 0, len(p.cfg.Sources))
	for name, sc := range p.cfg.Sources {
		if sc.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	if len(names) == 0 {
		return errors.New(errors.ErrorTypeConfig, "no sources enabled")
	}

	var failed []error
	for i, name := range names {
		if i > 0 && p.cfg.Puller.InterSourceDelay > 0 {
			if err := sleep(ctx, p.cfg.Puller.InterSourceDelay); err != nil {
				return err
			}
		}

		sc := p.cfg.Sources[name]
		if err := p.pullSource(ctx, sc); err != nil {
			if ctx.Err() != nil {
				return err
			}
			p.logger.Error("source cycle aborted",
				zap.String("source", name), zap.Error(err))
			metrics.CycleFailures.WithLabelValues(name, errorType(err)).Inc()
			failed = append(failed, fmt.Errorf("source %s: %w", name, err))
		}
	}

	if len(failed) > 0 {
		return &PartialFailure{Failed: len(failed), Total: len(names), Errs: failed}
	}
	return nil
}

// pullSource runs the full cycle for one source. The watermark is saved only
// after Append returns, so a crash or failure anywhere in between re-fetches
// the same window next run and relies on dedup to keep the file clean.
func (p *Puller) pullSource(ctx context.Context, sc *config.SourceConfig) error {
	src, err := registry.CreateSource(sc.Type)
	if err != nil {
		return err
	}
	if err := src.Initialize(ctx, sc); err != nil {
		return err
	}
	defer src.Close(ctx)

	name := src.Name()
	log := p.logger.With(zap.String("source", name))

	mark, found, err := p.store.Load(name)
	if err != nil {
		return err
	}
	if !found {
		log.Info("no watermark found, using default lookback",
			zap.Duration("lookback", p.lookback(src, sc)))
	}

	limiter := clients.NewPageLimiter(sc.PageDelay)

	var batch []events.Flat
	advanced := false
	for _, stream := range src.Streams() {
		flats, maxTS, err := p.pullStream(ctx, src, sc, limiter, stream, mark)
		if err != nil {
			return err
		}
		batch = append(batch, flats...)
		if mark.Advance(stream, maxTS) {
			advanced = true
		}
	}

	if len(batch) == 0 {
		log.Info("no new events")
		return nil
	}

	writer := sink.NewWriter(sc.Destination)
	written, err := writer.Append(ctx, name, batch, src.IdentityKey)
	if err != nil {
		return err
	}
	log.Info("cycle complete",
		zap.Int("fetched", len(batch)),
		zap.Int("written", written),
		zap.Int("duplicates", len(batch)-written))

	// Events are durable now; persisting the watermark is safe.
	if advanced {
		if err := p.store.Save(name, mark); err != nil {
			return err
		}
		publishWatermark(name, mark)
	}
	return nil
}

// pullStream pages through one stream's window and returns the flattened
// events plus the greatest event time seen.
func (p *Puller) pullStream(ctx context.Context, src core.Source, sc *config.SourceConfig,
	limiter clients.RateLimiter, stream string, mark watermark.Mark) ([]events.Flat, time.Time, error) {

	since, ok := mark.For(stream)
	if !ok {
		since = p.now().Add(-p.lookback(src, sc))
	}

	log := p.logger.With(zap.String("source", src.Name()), zap.String("stream", stream))
	log.Debug("pulling stream", zap.Time("since", since))

	var (
		flats []events.Flat
		maxTS time.Time
	)
	cursor := ""
	for page := 1; ; page++ {
		if page > sc.MaxPages {
			return nil, time.Time{}, errors.New(errors.ErrorTypePagination,
				fmt.Sprintf("exceeded max pages (%d), window too large or source misbehaving", sc.MaxPages)).
				WithDetail("stream", stream)
		}
		if err := limiter.Wait(ctx); err != nil {
			return nil, time.Time{}, err
		}

		resp, err := src.FetchPage(ctx, core.PageRequest{
			Stream: stream,
			Since:  since,
			Cursor: cursor,
		})
		if err != nil {
			return nil, time.Time{}, err
		}
		metrics.PagesFetched.WithLabelValues(src.Name()).Inc()
		metrics.EventsFetched.WithLabelValues(src.Name()).Add(float64(len(resp.Events)))

		for _, raw := range resp.Events {
			flat := src.Flatten(raw)
			if ts, ok := src.EventTime(flat); ok {
				if ts.After(maxTS) {
					maxTS = ts
				}
			} else {
				// Still written, just never drives the watermark.
				log.Warn("event has no parseable timestamp")
			}
			flats = append(flats, flat)
		}

		if len(resp.Events) == 0 || !resp.HasMore {
			break
		}
		cursor = resp.NextCursor
	}

	return flats, maxTS, nil
}

// lookback returns the first-run window for a source, preferring the
// configured override.
func (p *Puller) lookback(src core.Source, sc *config.SourceConfig) time.Duration {
	if sc.Lookback > 0 {
		return sc.Lookback
	}
	return src.DefaultLookback()
}

// publishWatermark mirrors the saved mark into the metrics gauge.
func publishWatermark(source string, m watermark.Mark) {
	if !m.Time.IsZero() {
		metrics.WatermarkSeconds.WithLabelValues(source, "").Set(float64(m.Time.Unix()))
	}
	for stream, ts := range m.Streams {
		metrics.WatermarkSeconds.WithLabelValues(source, stream).Set(float64(ts.Unix()))
	}
}

// errorType extracts the taxonomy label for metrics.
func errorType(err error) string {
	var e *errors.Error
	if stderrors.As(err, &e) {
		return string(e.Type)
	}
	return string(errors.ErrorTypeInternal)
}

// sleep waits for d or until the context is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
