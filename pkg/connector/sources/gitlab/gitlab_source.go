// Package gitlab pulls group audit events from the GitLab SaaS REST API.
//
// GitLab paginates with numeric page parameters and reports progress through
// the x-page and x-total-pages response headers. The cursor is the next page
// number.
package gitlab

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/saaslog/collector/pkg/clients"
	"github.com/saaslog/collector/pkg/config"
	"github.com/saaslog/collector/pkg/connector/core"
	"github.com/saaslog/collector/pkg/connector/registry"
	"github.com/saaslog/collector/pkg/errors"
	"github.com/saaslog/collector/pkg/events"
	"github.com/saaslog/collector/pkg/logger"
)

const (
	defaultEndpoint = "https://gitlab.com"
	defaultLookback = 5 * time.Hour

	// GitLab caps per_page at 100 for most endpoints.
	maxPageSize = 100
)

func init() {
	registry.RegisterSource(config.TypeGitLab, func() core.Source {
		return &Source{}
	})
}

// Source pulls audit events for one GitLab group.
type Source struct {
	name     string
	baseURL  string
	groupID  string
	token    string
	pageSize int

	client *http.Client
	logger *zap.Logger
}

// Name returns the configured source instance name.
func (s *Source) Name() string { return s.name }

// Streams returns the single audit event feed.
func (s *Source) Streams() []string { return []string{""} }

// DefaultLookback returns the first-run window.
func (s *Source) DefaultLookback() time.Duration { return defaultLookback }

// Initialize validates credentials and prepares the HTTP client.
func (s *Source) Initialize(ctx context.Context, cfg *config.SourceConfig) error {
	s.name = cfg.Name

	s.token = cfg.Credential("api_token")
	if s.token == "" {
		return errors.New(errors.ErrorTypeConfig, "gitlab: api_token credential is required")
	}
	s.groupID = cfg.Credential("group_id")
	if s.groupID == "" {
		return errors.New(errors.ErrorTypeConfig, "gitlab: group_id credential is required")
	}

	s.baseURL = cfg.Endpoint
	if s.baseURL == "" {
		s.baseURL = defaultEndpoint
	}

	s.pageSize = cfg.PageSize
	if s.pageSize > maxPageSize {
		s.pageSize = maxPageSize
	}

	s.client = clients.NewHTTPClient(cfg.RequestTimeout)
	s.logger = logger.With(zap.String("source", s.name), zap.String("group_id", s.groupID))
	return nil
}

// FetchPage retrieves one page of audit events created after req.Since.
func (s *Source) FetchPage(ctx context.Context, req core.PageRequest) (*core.Page, error) {
	page := 1
	if req.Cursor != "" {
		n, err := strconv.Atoi(req.Cursor)
		if err != nil {
			return nil, errors.New(errors.ErrorTypePagination,
				fmt.Sprintf("gitlab: invalid page cursor %q", req.Cursor))
		}
		page = n
	}

	url := fmt.Sprintf("%s/api/v4/groups/%s/audit_events", s.baseURL, s.groupID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "gitlab: failed to build request")
	}
	httpReq.Header.Set("PRIVATE-TOKEN", s.token)

	q := httpReq.URL.Query()
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(s.pageSize))
	if !req.Since.IsZero() {
		q.Set("created_after", req.Since.UTC().Format("2006-01-02T15:04:05Z"))
	}
	httpReq.URL.RawQuery = q.Encode()

	s.logger.Debug("fetching audit events page", zap.Int("page", page))

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTransport, "gitlab: request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTransport, "gitlab: failed to read response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.NewFetchError(resp.StatusCode, string(body))
	}

	var raw []events.Raw
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTransport, "gitlab: failed to decode response")
	}

	totalPages := headerInt(resp.Header, "x-total-pages", 1)
	currentPage := headerInt(resp.Header, "x-page", page)

	out := &core.Page{Events: raw}
	if len(raw) > 0 && currentPage < totalPages {
		out.HasMore = true
		out.NextCursor = strconv.Itoa(currentPage + 1)
	}
	return out, nil
}

// Flatten lifts the nested details object into prefixed top-level fields.
// Only details and its registration_details child are expanded; GitLab audit
// events are otherwise flat.
func (s *Source) Flatten(raw events.Raw) events.Flat {
	flat := make(events.Flat, len(raw)+4)
	for k, v := range raw {
		flat[k] = v
	}

	details, ok := raw["details"].(map[string]interface{})
	if !ok {
		return flat
	}
	for k, v := range details {
		flat["details_"+k] = v
		if k == "registration_details" {
			if reg, ok := v.(map[string]interface{}); ok {
				for rk, rv := range reg {
					flat["details_registration_"+rk] = rv
				}
			}
		}
	}
	return flat
}

// IdentityKey dedups on the audit event id.
func (s *Source) IdentityKey(flat events.Flat) (string, bool) {
	return flat.String("id")
}

// EventTime reads the created_at timestamp.
func (s *Source) EventTime(flat events.Flat) (time.Time, bool) {
	return flat.Time("created_at")
}

// Close releases the HTTP client's idle connections.
func (s *Source) Close(ctx context.Context) error {
	if s.client != nil {
		s.client.CloseIdleConnections()
	}
	return nil
}

func headerInt(h http.Header, key string, fallback int) int {
	v := h.Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
