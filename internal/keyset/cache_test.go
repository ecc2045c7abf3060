package keyset

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"idgate/internal/jose"
	"idgate/internal/ratelimiter"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: time.Unix(1_700_000_000, 0)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// stubFetcher serves whatever set is current and counts calls.
type stubFetcher struct {
	mu    sync.Mutex
	set   *jose.KeySet
	err   error
	calls atomic.Int32
}

func (f *stubFetcher) Fetch(context.Context) (*jose.KeySet, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.set, nil
}

func (f *stubFetcher) serve(kids ...string) {
	set := &jose.KeySet{}
	for _, kid := range kids {
		set.Keys = append(set.Keys, jose.JWK{KeyType: jose.KeyTypeRSA, KeyID: kid})
	}
	f.mu.Lock()
	f.set, f.err = set, nil
	f.mu.Unlock()
}

func (f *stubFetcher) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestCache(t *testing.T, opts ...Option) (*Cache, *stubFetcher, *clock) {
	t.Helper()
	f := &stubFetcher{}
	clk := newClock()
	opts = append([]Option{WithClock(clk.Now), WithLogger(quiet)}, opts...)
	return New(f, opts...), f, clk
}

func TestResolveFetchesOnceWithinTTL(t *testing.T) {
	c, f, clk := newTestCache(t)
	f.serve("k1", "k2")

	k, err := c.Resolve(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, "k1", k.KeyID)

	clk.Advance(DefaultTTL - time.Second)
	_, err = c.Resolve(context.Background(), "k2")
	require.NoError(t, err)

	assert.EqualValues(t, 1, f.calls.Load())
}

func TestResolveRefetchesAfterTTL(t *testing.T) {
	c, f, clk := newTestCache(t, WithTTL(10*time.Minute))
	f.serve("k1")

	_, err := c.Resolve(context.Background(), "k1")
	require.NoError(t, err)

	clk.Advance(10 * time.Minute)
	_, err = c.Resolve(context.Background(), "k1")
	require.NoError(t, err)

	assert.EqualValues(t, 2, f.calls.Load())
}

func TestResolvePicksUpRotatedKey(t *testing.T) {
	c, f, _ := newTestCache(t)
	f.serve("old")
	require.NoError(t, c.Refresh(context.Background()))

	f.serve("old", "new")
	k, err := c.Resolve(context.Background(), "new")
	require.NoError(t, err)
	assert.Equal(t, "new", k.KeyID)
	assert.EqualValues(t, 2, f.calls.Load())
}

func TestResolveUnknownKidRefetchesExactlyOnce(t *testing.T) {
	c, f, _ := newTestCache(t)
	f.serve("k1")
	require.NoError(t, c.Refresh(context.Background()))

	_, err := c.Resolve(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.EqualValues(t, 2, f.calls.Load())
}

func TestResolveColdCacheUnknownKid(t *testing.T) {
	c, f, _ := newTestCache(t)
	f.serve("k1")

	_, err := c.Resolve(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.EqualValues(t, 1, f.calls.Load())
}

func TestResolveEmptyKid(t *testing.T) {
	c, f, _ := newTestCache(t)
	f.serve("k1")

	_, err := c.Resolve(context.Background(), "")
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.Zero(t, f.calls.Load())
}

func TestResolveFetchFailure(t *testing.T) {
	c, f, _ := newTestCache(t)
	upstream := errors.New("connection refused")
	f.fail(upstream)

	_, err := c.Resolve(context.Background(), "k1")
	assert.ErrorIs(t, err, ErrKeySetUnavailable)
	assert.ErrorIs(t, err, upstream)
}

func TestResolveNoStaleFallback(t *testing.T) {
	c, f, clk := newTestCache(t)
	f.serve("k1")
	require.NoError(t, c.Refresh(context.Background()))

	clk.Advance(DefaultTTL)
	f.fail(errors.New("503"))

	_, err := c.Resolve(context.Background(), "k1")
	assert.ErrorIs(t, err, ErrKeySetUnavailable)
}

func TestResolveRefetchThrottled(t *testing.T) {
	clk := newClock()
	limiter := ratelimiter.NewTokenBucket(1.0/60, 1, ratelimiter.WithClock(clk.Now))
	f := &stubFetcher{}
	c := New(f, WithClock(clk.Now), WithLogger(quiet), WithRefetchLimiter(limiter))
	f.serve("k1")
	require.NoError(t, c.Refresh(context.Background()))

	_, err := c.Resolve(context.Background(), "random-1")
	assert.ErrorIs(t, err, ErrKeyNotFound)
	_, err = c.Resolve(context.Background(), "random-2")
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.EqualValues(t, 2, f.calls.Load(), "second unknown kid must not reach the provider")

	k, err := c.Resolve(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, "k1", k.KeyID)

	clk.Advance(time.Minute)
	f.serve("k1", "random-3")
	_, err = c.Resolve(context.Background(), "random-3")
	assert.NoError(t, err)
}

func TestEnsureFreshFetchesOnlyWhenStale(t *testing.T) {
	c, f, clk := newTestCache(t, WithTTL(10*time.Minute))
	f.serve("k1")
	ctx := context.Background()

	require.NoError(t, c.EnsureFresh(ctx))
	for i := 0; i < 20; i++ {
		require.NoError(t, c.EnsureFresh(ctx))
	}
	assert.EqualValues(t, 1, f.calls.Load())

	clk.Advance(10 * time.Minute)
	require.NoError(t, c.EnsureFresh(ctx))
	assert.EqualValues(t, 2, f.calls.Load())

	clk.Advance(10 * time.Minute)
	f.fail(errors.New("provider down"))
	assert.ErrorIs(t, c.EnsureFresh(ctx), ErrKeySetUnavailable)
}

func TestCacheStats(t *testing.T) {
	c, f, clk := newTestCache(t)
	assert.False(t, c.Stats().Fresh)

	f.serve("b", "a")
	require.NoError(t, c.Refresh(context.Background()))

	s := c.Stats()
	assert.Equal(t, 2, s.Keys)
	assert.Equal(t, []string{"a", "b"}, s.KeyIDs)
	assert.True(t, s.Fresh)
	assert.Equal(t, clk.Now(), s.FetchedAt)

	clk.Advance(DefaultTTL)
	assert.False(t, c.Stats().Fresh)
}

func TestResolveConcurrent(t *testing.T) {
	c, f, _ := newTestCache(t)
	f.serve("k1")

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Resolve(context.Background(), "k1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.GreaterOrEqual(t, f.calls.Load(), int32(1))
}
