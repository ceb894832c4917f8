// Package httputil provides shared HTTP client utilities.
package httputil

import (
	"time"

	"github.com/go-resty/resty/v2"
)

// NewDefaultRestyClient returns a Resty client with the common settings used by
// every outbound REST adapter: base URL, JSON accept header and a request timeout.
// Retries are left to the callers, which poll on their own timers.
func NewDefaultRestyClient(baseURL string, timeout time.Duration) *resty.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return resty.New().
		SetBaseURL(baseURL).
		SetHeader("Accept", "application/json").
		SetTimeout(timeout)
}
