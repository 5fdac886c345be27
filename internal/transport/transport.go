// Package transport provides the shared HTTP plumbing for CRM and partner
// clients: a tuned HTTP/2 client, retry with exponential backoff, and the
// mapping from HTTP status codes to the engine's error taxonomy.
package transport

import (
	"crypto/tls"
	"net/http"
	"time"

	"golang.org/x/net/http2"

	"github.com/TheMichaelB/dealsync/internal/events"
)

// NewHTTPClient builds the HTTP client every API client shares. HTTP/2 is
// negotiated when the server offers it.
func NewHTTPClient(timeout time.Duration, logger *events.Logger) *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			NextProtos: []string{"h2", "http/1.1"},
		},
	}

	if err := http2.ConfigureTransport(transport); err != nil {
		logger.WithError(err).Warn("Failed to configure HTTP/2")
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
