package query

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/doctrack/transport"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func fastRetry() transport.RetryConfig {
	return transport.RetryConfig{
		MaxRetries:        2,
		BackoffBase:       time.Millisecond,
		BackoffMultiplier: 1.5,
		MaxBackoff:        5 * time.Millisecond,
	}
}

func newTestCache(clock *fakeClock, opts ...Option) *Cache {
	base := []Option{WithClock(clock.Now), WithRetry(fastRetry())}
	return NewCache(append(base, opts...)...)
}

func countingDef(calls *atomic.Int32, key Key, value []string) Definition[[]string] {
	return Definition[[]string]{
		Key:     key,
		Enabled: true,
		Fetch: func(context.Context) ([]string, error) {
			calls.Add(1)
			return value, nil
		},
	}
}

func TestRun_DisabledIsIdle(t *testing.T) {
	cache := newTestCache(newFakeClock())
	var calls atomic.Int32

	def := countingDef(&calls, NewKey("attachmentFiles", "", "T-001", "PR"), nil)
	def.Enabled = false

	r := Run(context.Background(), cache, def)
	assert.Equal(t, StatusIdle, r.Status)
	assert.NoError(t, r.Err)
	assert.Equal(t, int32(0), calls.Load())
}

func TestRun_CachesWithinStaleWindow(t *testing.T) {
	clock := newFakeClock()
	cache := newTestCache(clock)
	var calls atomic.Int32
	def := countingDef(&calls, NewKey("genInformation", "T-001", "2025"), []string{"a"})

	first := Run(context.Background(), cache, def)
	require.NoError(t, first.Err)
	assert.False(t, first.FromCache)

	clock.Advance(4 * time.Minute)
	second := Run(context.Background(), cache, def)
	require.NoError(t, second.Err)
	assert.True(t, second.FromCache)
	assert.Equal(t, []string{"a"}, second.Data)
	assert.Equal(t, int32(1), calls.Load())

	clock.Advance(2 * time.Minute)
	third := Run(context.Background(), cache, def)
	require.NoError(t, third.Err)
	assert.False(t, third.FromCache)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRun_DistinctKeysFetchSeparately(t *testing.T) {
	cache := newTestCache(newFakeClock())
	var calls atomic.Int32

	Run(context.Background(), cache, countingDef(&calls, NewKey("r", "2025", "T-001"), nil))
	Run(context.Background(), cache, countingDef(&calls, NewKey("r", "2025", "T-002"), nil))

	assert.Equal(t, int32(2), calls.Load())
}

func TestRun_ConcurrentCallersShareOneFetch(t *testing.T) {
	cache := newTestCache(newFakeClock())
	var calls atomic.Int32
	release := make(chan struct{})

	def := Definition[int]{
		Key:     NewKey("slow", "1"),
		Enabled: true,
		Fetch: func(context.Context) (int, error) {
			calls.Add(1)
			<-release
			return 42, nil
		},
	}

	var wg sync.WaitGroup
	results := make([]Result[int], 5)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = Run(context.Background(), cache, def)
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, r := range results {
		assert.Equal(t, 42, r.Data)
	}
}

func TestRun_JoinerSurvivesCancelledOwner(t *testing.T) {
	cache := newTestCache(newFakeClock())
	var calls atomic.Int32
	started := make(chan struct{})

	def := Definition[int]{
		Key:     NewKey("slow", "owner"),
		Enabled: true,
		Fetch: func(ctx context.Context) (int, error) {
			if calls.Add(1) == 1 {
				close(started)
				<-ctx.Done()
				return 0, ctx.Err()
			}
			return 42, nil
		},
	}

	ownerCtx, cancelOwner := context.WithCancel(context.Background())
	ownerDone := make(chan Result[int])
	go func() {
		ownerDone <- Run(ownerCtx, cache, def)
	}()
	<-started

	joinerDone := make(chan Result[int])
	go func() {
		joinerDone <- Run(context.Background(), cache, def)
	}()
	time.Sleep(20 * time.Millisecond)
	cancelOwner()

	owner := <-ownerDone
	assert.ErrorIs(t, owner.Err, context.Canceled)

	joiner := <-joinerDone
	require.NoError(t, joiner.Err)
	assert.Equal(t, 42, joiner.Data)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRun_RetriesTransientFailures(t *testing.T) {
	cache := newTestCache(newFakeClock())
	var calls atomic.Int32

	def := Definition[string]{
		Key:     NewKey("flaky"),
		Enabled: true,
		Fetch: func(context.Context) (string, error) {
			if calls.Add(1) < 3 {
				return "", transport.NewTransientError(errors.New("503"))
			}
			return "ok", nil
		},
	}

	r := Run(context.Background(), cache, def)
	require.NoError(t, r.Err)
	assert.Equal(t, "ok", r.Data)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRun_FailuresAreNotCached(t *testing.T) {
	cache := newTestCache(newFakeClock())
	var calls atomic.Int32
	fail := atomic.Bool{}
	fail.Store(true)

	def := Definition[string]{
		Key:     NewKey("sometimes"),
		Enabled: true,
		Fetch: func(context.Context) (string, error) {
			calls.Add(1)
			if fail.Load() {
				return "", transport.NewFatalError(errors.New("400"))
			}
			return "ok", nil
		},
	}

	r := Run(context.Background(), cache, def)
	require.Error(t, r.Err)
	assert.Equal(t, StatusError, r.Status)
	assert.Equal(t, int32(1), calls.Load(), "fatal errors are not retried")

	fail.Store(false)
	r = Run(context.Background(), cache, def)
	require.NoError(t, r.Err)
	assert.Equal(t, "ok", r.Data)
}

func TestRun_FailurePolicies(t *testing.T) {
	boom := transport.NewFatalError(errors.New("boom"))
	failing := func(context.Context) ([]string, error) { return nil, boom }

	t.Run("throw", func(t *testing.T) {
		cache := newTestCache(newFakeClock())
		def := Definition[[]string]{Key: NewKey("t"), Enabled: true, Fetch: failing, OnFailure: FailThrow}

		_, err := Fetch(context.Background(), cache, def)
		assert.ErrorIs(t, err, boom)
	})

	t.Run("empty", func(t *testing.T) {
		cache := newTestCache(newFakeClock())
		def := Definition[[]string]{Key: NewKey("e"), Enabled: true, Fetch: failing, OnFailure: FailEmpty, Fallback: []string{}}

		r := Run(context.Background(), cache, def)
		assert.NoError(t, r.Err)
		assert.Equal(t, StatusSuccess, r.Status)
		assert.NotNil(t, r.Data)
		assert.Empty(t, r.Data)
	})

	t.Run("null", func(t *testing.T) {
		cache := newTestCache(newFakeClock())
		def := Definition[[]string]{Key: NewKey("n"), Enabled: true, Fetch: failing, OnFailure: FailNull}

		r := Run(context.Background(), cache, def)
		assert.ErrorIs(t, r.Err, boom)
		assert.Nil(t, r.Data)

		data, err := Fetch(context.Background(), cache, def)
		assert.NoError(t, err)
		assert.Nil(t, data)
	})
}

func TestInvalidate_RefetchesMatchingEntries(t *testing.T) {
	cache := newTestCache(newFakeClock())
	var version atomic.Int32
	var calls atomic.Int32

	key := NewKey("attachmentFiles", "2025", "T-001", "OBR Form")
	def := Definition[int32]{
		Key:     key,
		Enabled: true,
		Fetch: func(context.Context) (int32, error) {
			calls.Add(1)
			return version.Load(), nil
		},
	}
	other := countingDef(&atomic.Int32{}, NewKey("attachmentFiles", "2025", "T-002", "OBR Form"), nil)

	require.NoError(t, Run(context.Background(), cache, def).Err)
	require.NoError(t, Run(context.Background(), cache, other).Err)

	version.Store(1)
	n := cache.Invalidate(context.Background(), Exact(key))
	assert.Equal(t, 1, n)
	assert.Equal(t, int32(2), calls.Load(), "invalidation refetches the active query")

	r := Run(context.Background(), cache, def)
	assert.True(t, r.FromCache)
	assert.Equal(t, int32(1), r.Data)
	assert.Equal(t, int32(2), calls.Load())
	assert.False(t, cache.IsStale(other.Key))
}

func TestInvalidate_FailedRefetchLeavesEntryStale(t *testing.T) {
	cache := newTestCache(newFakeClock(), WithRetry(transport.NoRetry()))
	fail := atomic.Bool{}

	key := NewKey("r", "1")
	def := Definition[string]{
		Key:     key,
		Enabled: true,
		Fetch: func(context.Context) (string, error) {
			if fail.Load() {
				return "", transport.NewTransientError(errors.New("down"))
			}
			return "v", nil
		},
	}
	require.NoError(t, Run(context.Background(), cache, def).Err)

	fail.Store(true)
	cache.Invalidate(context.Background(), Prefix("r"))

	assert.True(t, cache.IsStale(key))
	assert.Error(t, cache.LastError(key))
}

func TestClear(t *testing.T) {
	cache := newTestCache(newFakeClock())
	var calls atomic.Int32
	def := countingDef(&calls, NewKey("r"), []string{"x"})

	Run(context.Background(), cache, def)
	assert.Equal(t, 1, cache.Len())

	cache.Clear()
	assert.Equal(t, 0, cache.Len())

	Run(context.Background(), cache, def)
	assert.Equal(t, int32(2), calls.Load())
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	cache := newTestCache(newFakeClock(), WithMetrics(metrics))
	var calls atomic.Int32
	def := countingDef(&calls, NewKey("genInformation", "T-001"), nil)

	Run(context.Background(), cache, def)
	Run(context.Background(), cache, def)
	cache.Invalidate(context.Background(), Prefix("genInformation"))

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.requests.WithLabelValues("genInformation", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.cacheHits.WithLabelValues("genInformation")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.invalidations.WithLabelValues("genInformation")))
}

type memPersister struct {
	mu   sync.Mutex
	data map[string][]byte
	at   map[string]time.Time
}

func newMemPersister() *memPersister {
	return &memPersister{data: map[string][]byte{}, at: map[string]time.Time{}}
}

func (m *memPersister) Load(_ context.Context, key Key) ([]byte, time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.data[key.String()]
	return d, m.at[key.String()], ok, nil
}

func (m *memPersister) Save(_ context.Context, key Key, data []byte, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key.String()] = data
	m.at[key.String()] = at
	return nil
}

func (m *memPersister) Delete(_ context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key.String())
	delete(m.at, key.String())
	return nil
}

func TestPersister_WarmStart(t *testing.T) {
	clock := newFakeClock()
	store := newMemPersister()
	var calls atomic.Int32
	def := countingDef(&calls, NewKey("genInformation", "T-001"), []string{"persisted"})

	first := newTestCache(clock, WithPersister(store))
	Run(context.Background(), first, def)

	second := newTestCache(clock, WithPersister(store))
	r := Run(context.Background(), second, def)
	assert.True(t, r.FromCache)
	assert.Equal(t, []string{"persisted"}, r.Data)
	assert.Equal(t, int32(1), calls.Load())

	second.Invalidate(context.Background(), Prefix("genInformation"))
	_, _, found, _ := store.Load(context.Background(), def.Key)
	assert.True(t, found, "refetch after invalidation persists the new result")
	assert.Equal(t, int32(2), calls.Load())
}

func TestPolicyParse(t *testing.T) {
	for _, s := range []string{"throw", "empty", "null"} {
		p, err := ParsePolicy(s)
		require.NoError(t, err)
		assert.Equal(t, s, p.String())
	}
	_, err := ParsePolicy("ignore")
	assert.Error(t, err)
}

type failingDeletePersister struct {
	*memPersister
}

func (failingDeletePersister) Delete(context.Context, Key) error {
	return errors.New("bucket unavailable")
}

func TestPersister_InvalidatedCopyIsNotServed(t *testing.T) {
	cache := newTestCache(newFakeClock(), WithPersister(failingDeletePersister{newMemPersister()}))
	var calls atomic.Int32

	def := Definition[string]{
		Key:     NewKey("attachmentFiles", "2025", "T-001", "OBR Form"),
		Enabled: true,
		Fetch: func(context.Context) (string, error) {
			switch calls.Add(1) {
			case 1:
				return "before", nil
			case 2:
				return "", errors.New("upstream down")
			default:
				return "after", nil
			}
		},
	}

	first := Run(context.Background(), cache, def)
	require.Equal(t, "before", first.Data)

	// The refetch fails and the persisted copy cannot be deleted.
	assert.Equal(t, 1, cache.Invalidate(context.Background(), Prefix("attachmentFiles")))
	assert.True(t, cache.IsStale(def.Key))

	r := Run(context.Background(), cache, def)
	require.NoError(t, r.Err)
	assert.False(t, r.FromCache)
	assert.Equal(t, "after", r.Data)
	assert.Equal(t, int32(3), calls.Load())
}
