// Package core defines the contract every audit-log source implements.
//
// The three supported providers paginate differently: GitLab signals the
// total page count through response headers, Google Workspace returns an
// opaque continuation token, and Okta answers a bounded time window in a
// single response. The Source interface hides those differences behind an
// opaque string cursor so the pull loop stays provider-agnostic.
package core

import (
	"context"
	"time"

	"github.com/saaslog/collector/pkg/config"
	"github.com/saaslog/collector/pkg/events"
)

// PageRequest asks a source for one page of events.
type PageRequest struct {
	// Stream selects the sub-stream for sources that expose several
	// independent event feeds. Single-feed sources ignore it.
	Stream string

	// Since is the exclusive lower bound on event time for this cycle.
	Since time.Time

	// Cursor resumes pagination within a cycle. Empty for the first page;
	// afterwards it is the NextCursor of the previous page, opaque to the
	// caller.
	Cursor string
}

// Page is one page of raw events plus the pagination state needed to
// continue.
type Page struct {
	Events []events.Raw

	// NextCursor requests the following page. Only meaningful when HasMore
	// is true.
	NextCursor string

	// HasMore reports whether the source has further pages for this window.
	HasMore bool
}

// Source is a pull-based audit event provider.
//
// Implementations must be safe to drive strictly sequentially: Initialize,
// then any number of FetchPage calls, then Close. They are not required to
// be safe for concurrent use.
type Source interface {
	// Name returns the source identifier, used for watermark files, the
	// injected source field, and log context.
	Name() string

	// Streams lists the sub-streams to pull each cycle. Single-feed sources
	// return one empty string.
	Streams() []string

	// DefaultLookback is how far back the first cycle reaches when no
	// watermark exists yet.
	DefaultLookback() time.Duration

	// Initialize validates credentials and prepares clients. A failure here
	// is a configuration error and aborts the source's cycle before any
	// fetch.
	Initialize(ctx context.Context, cfg *config.SourceConfig) error

	// FetchPage retrieves one page of raw events after req.Since.
	FetchPage(ctx context.Context, req PageRequest) (*Page, error)

	// Flatten converts one raw event into the flat single-level form written
	// to the destination.
	Flatten(raw events.Raw) events.Flat

	// IdentityKey extracts the per-source duplicate-detection key from a
	// flattened event.
	IdentityKey(flat events.Flat) (string, bool)

	// EventTime extracts the event timestamp used to advance the watermark.
	EventTime(flat events.Flat) (time.Time, bool)

	// Close releases any held resources.
	Close(ctx context.Context) error
}
