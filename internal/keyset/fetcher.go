package keyset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"idgate/internal/circuitbreaker"
	"idgate/internal/jose"
)

// Fetcher retrieves the provider's current key set. Implementations must
// honour ctx cancellation.
type Fetcher interface {
	Fetch(ctx context.Context) (*jose.KeySet, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context) (*jose.KeySet, error)

func (f FetcherFunc) Fetch(ctx context.Context) (*jose.KeySet, error) { return f(ctx) }

const (
	// DefaultFetchTimeout bounds a single key-set request.
	DefaultFetchTimeout = 10 * time.Second

	// DefaultMaxBodyBytes caps the key-set document size.
	DefaultMaxBodyBytes = 1 << 20
)

// HTTPFetcher fetches a key set with GET. Calls go through a circuit
// breaker so an unreachable provider fails fast instead of stalling every
// verification for the full timeout.
type HTTPFetcher struct {
	url      string
	client   *http.Client
	timeout  time.Duration
	maxBytes int64
	breaker  *circuitbreaker.CircuitBreaker
}

// FetcherOption configures an HTTPFetcher.
type FetcherOption func(*HTTPFetcher)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) FetcherOption {
	return func(f *HTTPFetcher) { f.client = c }
}

// WithFetchTimeout sets the per-request timeout.
func WithFetchTimeout(d time.Duration) FetcherOption {
	return func(f *HTTPFetcher) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// WithBreaker sets the circuit breaker guarding the endpoint.
func WithBreaker(cb *circuitbreaker.CircuitBreaker) FetcherOption {
	return func(f *HTTPFetcher) { f.breaker = cb }
}

// WithMaxBodyBytes caps the accepted document size.
func WithMaxBodyBytes(n int64) FetcherOption {
	return func(f *HTTPFetcher) {
		if n > 0 {
			f.maxBytes = n
		}
	}
}

// NewHTTPFetcher returns a fetcher for the key set at url.
func NewHTTPFetcher(url string, opts ...FetcherOption) *HTTPFetcher {
	f := &HTTPFetcher{
		url:      url,
		client:   http.DefaultClient,
		timeout:  DefaultFetchTimeout,
		maxBytes: DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.breaker == nil {
		f.breaker = circuitbreaker.New(circuitbreaker.DefaultConfig())
	}
	return f
}

// URL returns the key-set endpoint.
func (f *HTTPFetcher) URL() string { return f.url }

// Breaker returns the circuit breaker guarding the endpoint.
func (f *HTTPFetcher) Breaker() *circuitbreaker.CircuitBreaker { return f.breaker }

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context) (*jose.KeySet, error) {
	var set *jose.KeySet
	err := f.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		set, err = f.get(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return set, nil
}

func (f *HTTPFetcher) get(ctx context.Context) (*jose.KeySet, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build key set request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch key set: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain a little so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("fetch key set: unexpected status %d", resp.StatusCode)
	}

	var doc struct {
		Keys *[]jose.JWK `json:"keys"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, f.maxBytes)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode key set: %w", err)
	}
	if doc.Keys == nil {
		return nil, errors.New("decode key set: missing \"keys\" member")
	}
	return &jose.KeySet{Keys: *doc.Keys}, nil
}
