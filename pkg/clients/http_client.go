package clients

import (
	"net"
	"net/http"
	"time"
)

// NewHTTPClient builds an HTTP client tuned for polling-style API access:
// a hard request timeout and a small keep-alive connection pool, since each
// cycle talks to a handful of hosts sequentially.
func NewHTTPClient(requestTimeout time.Duration) *http.Client {
	if requestTimeout <= 0 {
		requestTimeout = 60 * time.Second
	}

	return &http.Client{
		Timeout: requestTimeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}
