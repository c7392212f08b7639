package common

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// HTTPFetcher is the default Fetcher implementation on net/http
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
	headers   map[string]string
}

// HTTPFetcherOption customizes an HTTPFetcher
type HTTPFetcherOption func(*HTTPFetcher)

// WithClient replaces the underlying HTTP client
func WithClient(client *http.Client) HTTPFetcherOption {
	return func(f *HTTPFetcher) {
		f.client = client
	}
}

// WithUserAgent overrides the default User-Agent header
func WithUserAgent(ua string) HTTPFetcherOption {
	return func(f *HTTPFetcher) {
		f.userAgent = ua
	}
}

// WithHeader adds a static header to every request
func WithHeader(key, value string) HTTPFetcherOption {
	return func(f *HTTPFetcher) {
		f.headers[key] = value
	}
}

// NewHTTPFetcher creates a fetcher with a sane default timeout
func NewHTTPFetcher(timeout time.Duration, opts ...HTTPFetcherOption) *HTTPFetcher {
	f := &HTTPFetcher{
		client: &http.Client{
			Timeout: timeout,
		},
		userAgent: "hls-collector/1.0",
		headers:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch downloads a resource, optionally byte-ranged. Timeouts come back
// as ErrCodeTimeout so callers can apply the longer network-down
// tolerance; other transport failures come back as ErrCodeConnection.
func (f *HTTPFetcher) Fetch(ctx context.Context, uri string, byteRange *ByteRange) (*FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, NewStreamError(StreamTypeHLS, uri, ErrCodeConnection, "failed to create request", err)
	}

	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "application/vnd.apple.mpegurl,application/x-mpegurl,*/*")
	for k, v := range f.headers {
		req.Header.Set(k, v)
	}
	if byteRange != nil {
		if byteRange.Length > 0 {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", byteRange.Offset, byteRange.Offset+byteRange.Length-1))
		} else {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", byteRange.Offset))
		}
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		code := ErrCodeConnection
		if isTimeout(err) {
			code = ErrCodeTimeout
		}
		return nil, NewStreamError(StreamTypeHLS, uri, code, "fetch failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		code := ErrCodeConnection
		if isTimeout(err) {
			code = ErrCodeTimeout
		}
		return nil, NewStreamError(StreamTypeHLS, uri, code, "failed to read response body", err)
	}

	return &FetchResult{
		Body:         body,
		StatusCode:   resp.StatusCode,
		EffectiveURL: resp.Request.URL.String(),
		Elapsed:      time.Since(start),
	}, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
