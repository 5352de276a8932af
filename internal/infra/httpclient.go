package infra

import (
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// NewOutboundHTTPClient builds the HTTP client handed to provider clients.
// Proxy configuration is carried by the client instance itself so no
// process-wide transport state is ever mutated.
func NewOutboundHTTPClient(proxyURL string, timeout time.Duration) (*http.Client, error) {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	client := &http.Client{Timeout: timeout}
	if proxyURL == "" {
		return client, nil
	}
	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = http.ProxyURL(parsed)
	client.Transport = transport
	return client, nil
}
