package probeinfo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzip"

	"histagg/internal/metrics"
)

// DefaultURL is the public probe-info endpoint for Firefox main pings.
const DefaultURL = "https://probeinfo.telemetry.mozilla.org/firefox/all/main/all_probes"

// Fetcher returns a registry snapshot.
type Fetcher interface {
	Fetch(ctx context.Context) (Registry, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context) (Registry, error)

func (f FetcherFunc) Fetch(ctx context.Context) (Registry, error) { return f(ctx) }

// FetchError is any failure to obtain or decode the registry. Status is the
// HTTP status when a response was received, otherwise 0.
type FetchError struct {
	URL    string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 && e.Err == nil {
		return fmt.Sprintf("fetch probe registry %s: status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("fetch probe registry %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Client fetches the registry over HTTP. No retries: a failed fetch fails the run.
type Client struct {
	URL  string
	HTTP *http.Client
}

// NewClient returns a client for url with a per-request timeout.
func NewClient(url string, timeout time.Duration) *Client {
	if url == "" {
		url = DefaultURL
	}
	return &Client{URL: url, HTTP: NewHTTPClient(timeout)}
}

// NewHTTPClient builds the transport used for registry downloads.
func NewHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		IdleConnTimeout:     90 * time.Second,
		MaxIdleConns:        4,
		MaxIdleConnsPerHost: 2,
		DisableCompression:  true, // bodies are sniffed and inflated in decodeBody
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// Fetch downloads and decodes the registry. Gzip bodies are detected by their
// magic bytes, so both a gzipped file and plain JSON are accepted.
func (c *Client) Fetch(ctx context.Context) (Registry, error) {
	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return nil, &FetchError{URL: c.URL, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip")

	resp, err := client.Do(req)
	if err != nil {
		metrics.RecordHTTP(0, err, time.Since(start), -1, -1)
		return nil, &FetchError{URL: c.URL, Err: err}
	}
	requestDur := time.Since(start)
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		n, _ := io.Copy(io.Discard, resp.Body)
		metrics.RecordHTTP(resp.StatusCode, nil, requestDur, time.Since(start), n)
		return nil, &FetchError{URL: c.URL, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	metrics.RecordHTTP(resp.StatusCode, err, requestDur, time.Since(start), int64(len(body)))
	if err != nil {
		return nil, &FetchError{URL: c.URL, Status: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	reg, err := decodeBody(body)
	if err != nil {
		return nil, &FetchError{URL: c.URL, Status: resp.StatusCode, Err: err}
	}
	return reg, nil
}

var errEmptyBody = errors.New("empty response body")

func decodeBody(body []byte) (Registry, error) {
	if len(body) == 0 {
		return nil, errEmptyBody
	}
	var r io.Reader = bytes.NewReader(body)
	if len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b {
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer zr.Close()
		r = zr
	}
	reg, err := Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode registry: %w", err)
	}
	return reg, nil
}
