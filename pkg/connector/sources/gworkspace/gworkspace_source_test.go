package gworkspace

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saaslog/collector/pkg/config"
	"github.com/saaslog/collector/pkg/connector/core"
	"github.com/saaslog/collector/pkg/errors"
	"github.com/saaslog/collector/pkg/events"
)

func testConfig(endpoint string) *config.SourceConfig {
	return &config.SourceConfig{
		Name:           "gworkspace",
		Type:           config.TypeGoogleWorkspace,
		Endpoint:       endpoint,
		PageSize:       1000,
		MaxPages:       10,
		RequestTimeout: 5 * time.Second,
		Streams:        []string{"admin", "login"},
		Credentials:    map[string]string{},
	}
}

func newTestSource(t *testing.T, handler http.HandlerFunc) *Source {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	s := &Source{}
	require.NoError(t, s.Initialize(context.Background(), testConfig(server.URL)))
	return s
}

func TestInitialize_RequiresKeyOrEndpoint(t *testing.T) {
	cfg := testConfig("")
	err := (&Source{}).Initialize(context.Background(), cfg)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestInitialize_RequiresSubjectWithKeyFile(t *testing.T) {
	cfg := testConfig("")
	cfg.Credentials["service_account_file"] = "/nonexistent/key.json"

	err := (&Source{}).Initialize(context.Background(), cfg)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestStreams_DefaultApplications(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.Streams = nil

	s := &Source{}
	require.NoError(t, s.Initialize(context.Background(), cfg))
	assert.Equal(t, []string{"admin", "groups", "saml", "user_accounts", "login"}, s.Streams())
}

func TestFetchPage_TokenPagination(t *testing.T) {
	since := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	s := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/activity/users/all/applications/admin")
		assert.Equal(t, "2024-05-01T10:00:00Z", r.URL.Query().Get("startTime"))
		assert.Equal(t, "1000", r.URL.Query().Get("maxResults"))

		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("pageToken") {
		case "":
			fmt.Fprint(w, `{
				"items": [{
					"id": {"time": "2024-05-01T10:30:00.000Z", "uniqueQualifier": "358068855354", "applicationName": "admin"},
					"actor": {"email": "admin@example.com"},
					"events": [{"name": "CREATE_USER"}]
				}],
				"nextPageToken": "tok-2"
			}`)
		case "tok-2":
			fmt.Fprint(w, `{
				"items": [{
					"id": {"time": "2024-05-01T10:45:00.000Z", "uniqueQualifier": "358068855999", "applicationName": "admin"},
					"events": [{"name": "DELETE_USER"}]
				}]
			}`)
		default:
			t.Errorf("unexpected pageToken %q", r.URL.Query().Get("pageToken"))
		}
	})

	ctx := context.Background()

	first, err := s.FetchPage(ctx, core.PageRequest{Stream: "admin", Since: since})
	require.NoError(t, err)
	require.Len(t, first.Events, 1)
	require.True(t, first.HasMore)
	assert.Equal(t, "tok-2", first.NextCursor)

	second, err := s.FetchPage(ctx, core.PageRequest{Stream: "admin", Since: since, Cursor: first.NextCursor})
	require.NoError(t, err)
	require.Len(t, second.Events, 1)
	assert.False(t, second.HasMore)
}

func TestFetchPage_UpstreamError(t *testing.T) {
	s := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error": {"code": 403, "message": "forbidden"}}`)
	})

	_, err := s.FetchPage(context.Background(), core.PageRequest{Stream: "admin", Since: time.Now()})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeAuthentication))
}

func TestFlattenAndIdentity(t *testing.T) {
	s := &Source{}
	raw := events.Raw{
		"id": map[string]interface{}{
			"time":            "2024-05-01T10:30:00.000Z",
			"uniqueQualifier": "358068855354",
		},
		"actor": map[string]interface{}{"email": "admin@example.com"},
		"events": []interface{}{
			map[string]interface{}{"name": "CREATE_USER"},
		},
	}

	flat := s.Flatten(raw)
	assert.Equal(t, "admin@example.com", flat["actor_email"])
	assert.Equal(t, "CREATE_USER", flat["events_0_name"])

	key, ok := s.IdentityKey(flat)
	require.True(t, ok)
	assert.Equal(t, "2024-05-01T10:30:00.000Z|358068855354", key)

	ts, ok := s.EventTime(flat)
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC), ts)
}

func TestIdentityKey_MissingQualifier(t *testing.T) {
	s := &Source{}
	flat := events.Flat{"id_time": "2024-05-01T10:30:00.000Z"}

	key, ok := s.IdentityKey(flat)
	require.True(t, ok)
	assert.Equal(t, "2024-05-01T10:30:00.000Z|", key)
}

func TestIdentityKey_MissingTime(t *testing.T) {
	s := &Source{}
	_, ok := s.IdentityKey(events.Flat{"actor_email": "x"})
	assert.False(t, ok)
}
