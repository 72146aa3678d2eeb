// Package httputil provides the resty client shared by every outbound HTTP caller.
package httputil

import (
	"time"

	"github.com/go-resty/resty/v2"
)

const DefaultTimeout = 10 * time.Second

// NewClient returns a resty client with the given base URL and timeout. A zero
// timeout selects DefaultTimeout. Retries are left to the caller.
func NewClient(baseURL string, timeout time.Duration) *resty.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("User-Agent", "wuzapi-relay")
	if baseURL != "" {
		client.SetBaseURL(baseURL)
	}
	return client
}
