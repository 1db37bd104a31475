// Package query provides the session-scoped query cache used by the
// attachment and document layers: staleness-bounded entries keyed by the
// exact request parameters, per-key request deduplication, automatic retry
// of transient failures, and invalidate-and-refetch after mutations.
package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/c360studio/doctrack/transport"
)

// DefaultStaleTime is how long a cached result is served without refetching.
const DefaultStaleTime = 5 * time.Minute

// Status is the state of a query result.
type Status string

const (
	// StatusIdle means the query was not enabled and nothing ran.
	StatusIdle    Status = "idle"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Policy decides what a failed query resolves to.
type Policy int

const (
	// FailThrow surfaces the error to the caller.
	FailThrow Policy = iota
	// FailEmpty logs the error and resolves to the definition's Fallback.
	FailEmpty
	// FailNull resolves to the zero value with the error recorded on the
	// result but never returned from Fetch.
	FailNull
)

func (p Policy) String() string {
	switch p {
	case FailEmpty:
		return "empty"
	case FailNull:
		return "null"
	default:
		return "throw"
	}
}

// ParsePolicy maps "throw", "empty" or "null" to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "throw", "":
		return FailThrow, nil
	case "empty":
		return FailEmpty, nil
	case "null":
		return FailNull, nil
	default:
		return FailThrow, fmt.Errorf("unknown failure policy %q", s)
	}
}

// Definition describes one query.
type Definition[T any] struct {
	Key Key

	// Enabled gates the query. A disabled query does nothing and is not an
	// error.
	Enabled bool

	Fetch func(ctx context.Context) (T, error)

	OnFailure Policy

	// Fallback is returned under FailEmpty.
	Fallback T

	// StaleTime overrides the cache default when positive.
	StaleTime time.Duration

	// Retry overrides the cache default when non-nil.
	Retry *transport.RetryConfig
}

// Result is the outcome of running a query.
type Result[T any] struct {
	Data      T
	Err       error
	Status    Status
	FromCache bool
	FetchedAt time.Time
}

// Persister mirrors successful results outside the process so a new
// session can start warm.
type Persister interface {
	Load(ctx context.Context, key Key) (data []byte, fetchedAt time.Time, found bool, err error)
	Save(ctx context.Context, key Key, data []byte, fetchedAt time.Time) error
	Delete(ctx context.Context, key Key) error
}

type entry struct {
	key         Key
	data        any
	hasData     bool
	fetchedAt   time.Time
	invalidated bool
	gen         uint64
	lastErr     error
	refetch     func(ctx context.Context) error
}

// Cache is a query cache scoped to one session. It is safe for concurrent
// use.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	group   singleflight.Group

	staleTime time.Duration
	retry     transport.RetryConfig
	logger    *slog.Logger
	now       func() time.Time
	metrics   *Metrics
	persister Persister
}

// Option configures a Cache.
type Option func(*Cache)

// WithStaleTime sets the default staleness window.
func WithStaleTime(d time.Duration) Option {
	return func(c *Cache) {
		c.staleTime = d
	}
}

// WithRetry sets the default retry configuration.
func WithRetry(cfg transport.RetryConfig) Option {
	return func(c *Cache) {
		c.retry = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithMetrics records cache activity.
func WithMetrics(m *Metrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

// WithPersister mirrors results to p.
func WithPersister(p Persister) Option {
	return func(c *Cache) {
		c.persister = p
	}
}

// NewCache creates an empty cache.
func NewCache(opts ...Option) *Cache {
	c := &Cache{
		entries:   make(map[string]*entry),
		staleTime: DefaultStaleTime,
		retry:     transport.DefaultRetryConfig(),
		logger:    slog.Default(),
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Run executes def against the cache. It never panics on fetch failure;
// the failure is resolved according to def.OnFailure.
func Run[T any](ctx context.Context, c *Cache, def Definition[T]) Result[T] {
	if !def.Enabled {
		return Result[T]{Status: StatusIdle}
	}
	if def.Fetch == nil {
		return Result[T]{Status: StatusError, Err: fmt.Errorf("query %s: no fetch function", def.Key.Resource)}
	}

	stale := c.staleTime
	if def.StaleTime > 0 {
		stale = def.StaleTime
	}
	retry := c.retry
	if def.Retry != nil {
		retry = *def.Retry
	}

	fetch := func(ctx context.Context) (any, error) {
		return def.Fetch(ctx)
	}
	c.register(def.Key, func(ctx context.Context) error {
		_, err := c.execute(ctx, def.Key, fetch, retry)
		return err
	})

	if v, at, ok := c.fresh(def.Key, stale); ok {
		if data, ok := v.(T); ok {
			c.metrics.hit(def.Key.Resource)
			return Result[T]{Data: data, Status: StatusSuccess, FromCache: true, FetchedAt: at}
		}
	}

	if data, at, ok := loadPersisted[T](ctx, c, def.Key, stale); ok {
		c.metrics.hit(def.Key.Resource)
		return Result[T]{Data: data, Status: StatusSuccess, FromCache: true, FetchedAt: at}
	}

	v, err := c.execute(ctx, def.Key, fetch, retry)
	if err != nil {
		return failure(c, def, err)
	}

	data, _ := v.(T)
	_, at, _ := c.Peek(def.Key)
	return Result[T]{Data: data, Status: StatusSuccess, FetchedAt: at}
}

// Fetch runs def and returns its data. The error is non-nil only for
// FailThrow definitions.
func Fetch[T any](ctx context.Context, c *Cache, def Definition[T]) (T, error) {
	r := Run(ctx, c, def)
	if r.Err != nil && def.OnFailure == FailThrow {
		return r.Data, r.Err
	}
	return r.Data, nil
}

func failure[T any](c *Cache, def Definition[T], err error) Result[T] {
	switch def.OnFailure {
	case FailEmpty:
		c.logger.Warn("Query failed, resolving to empty",
			"key", def.Key.String(),
			"error", err)
		return Result[T]{Data: def.Fallback, Status: StatusSuccess}
	case FailNull:
		c.logger.Warn("Query failed, resolving to null",
			"key", def.Key.String(),
			"error", err)
		return Result[T]{Status: StatusError, Err: err}
	default:
		return Result[T]{Status: StatusError, Err: err}
	}
}

func loadPersisted[T any](ctx context.Context, c *Cache, key Key, stale time.Duration) (T, time.Time, bool) {
	var zero T
	if c.persister == nil || c.invalidated(key) {
		return zero, time.Time{}, false
	}

	raw, at, found, err := c.persister.Load(ctx, key)
	if err != nil {
		c.logger.Debug("Persisted query load failed", "key", key.String(), "error", err)
		return zero, time.Time{}, false
	}
	if !found || c.now().Sub(at) >= stale {
		return zero, time.Time{}, false
	}

	var data T
	if err := json.Unmarshal(raw, &data); err != nil {
		c.logger.Debug("Persisted query decode failed", "key", key.String(), "error", err)
		return zero, time.Time{}, false
	}

	c.mu.Lock()
	e := c.entryLocked(key)
	if e.invalidated {
		// The persisted copy may outlive its invalidation until Delete
		// lands, or forever if Delete failed.
		c.mu.Unlock()
		return zero, time.Time{}, false
	}
	if !e.hasData || e.fetchedAt.Before(at) {
		e.data = data
		e.hasData = true
		e.fetchedAt = at
		e.invalidated = false
	}
	c.mu.Unlock()
	return data, at, true
}

// execute fetches key once per concurrent burst of callers, retrying
// transient failures, and stores a successful result. The shared fetch
// runs under the context of the caller that started it; a caller that
// joined it and is still live starts over once if that context ended.
func (c *Cache) execute(ctx context.Context, key Key, fetch func(context.Context) (any, error), retry transport.RetryConfig) (any, error) {
	ks := key.String()
	for restarted := false; ; restarted = true {
		ch := c.group.DoChan(ks, func() (any, error) {
			return c.fetchShared(ctx, key, fetch, retry)
		})

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case r := <-ch:
			if r.Shared && !restarted && ctx.Err() == nil && isContextError(r.Err) {
				c.logger.Debug("Shared query fetch cancelled by its owner, restarting", "key", ks)
				continue
			}
			return r.Val, r.Err
		}
	}
}

func (c *Cache) fetchShared(ctx context.Context, key Key, fetch func(context.Context) (any, error), retry transport.RetryConfig) (any, error) {
	ks := key.String()
	gen := c.generation(key)

	var v any
	err := transport.Retry(ctx, retry, func(ctx context.Context) error {
		var err error
		v, err = fetch(ctx)
		return err
	}, func(attempt int, err error, wait time.Duration) {
		c.metrics.retry(key.Resource)
		c.logger.Debug("Query failed, retrying",
			"key", ks,
			"attempt", attempt,
			"backoff", wait,
			"error", err)
	})
	if err != nil {
		c.metrics.request(key.Resource, "error")
		c.recordError(key, err)
		return nil, err
	}

	c.metrics.request(key.Resource, "success")
	c.store(ctx, key, v, gen)
	return v, nil
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (c *Cache) entryLocked(key Key) *entry {
	ks := key.String()
	e, ok := c.entries[ks]
	if !ok {
		e = &entry{key: key}
		c.entries[ks] = e
	}
	return e
}

func (c *Cache) register(key Key, refetch func(context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entryLocked(key).refetch = refetch
}

func (c *Cache) generation(key Key) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entryLocked(key).gen
}

func (c *Cache) invalidated(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key.String()]
	return ok && e.invalidated
}

func (c *Cache) fresh(key Key, stale time.Duration) (any, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key.String()]
	if !ok || !e.hasData || e.invalidated {
		return nil, time.Time{}, false
	}
	if c.now().Sub(e.fetchedAt) >= stale {
		return nil, time.Time{}, false
	}
	return e.data, e.fetchedAt, true
}

func (c *Cache) store(ctx context.Context, key Key, v any, gen uint64) {
	now := c.now()

	c.mu.Lock()
	e := c.entryLocked(key)
	if e.gen != gen {
		// Invalidated while this fetch was in flight; a newer fetch owns
		// the entry.
		c.mu.Unlock()
		c.logger.Debug("Discarding superseded query result", "key", key.String())
		return
	}
	e.data = v
	e.hasData = true
	e.fetchedAt = now
	e.invalidated = false
	e.lastErr = nil
	c.mu.Unlock()

	if c.persister == nil {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		c.logger.Debug("Query result not persistable", "key", key.String(), "error", err)
		return
	}
	if err := c.persister.Save(ctx, key, raw, now); err != nil {
		c.logger.Warn("Failed to persist query result", "key", key.String(), "error", err)
	}
}

func (c *Cache) recordError(key Key, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entryLocked(key).lastErr = err
}

// Invalidate marks every entry matched by match as stale and refetches the
// ones that have been run in this session. It returns the number of
// entries invalidated. Refetch failures are logged and recorded on the
// entry; the next read retries.
func (c *Cache) Invalidate(ctx context.Context, match Matcher) int {
	type target struct {
		key     Key
		refetch func(context.Context) error
	}

	c.mu.Lock()
	var targets []target
	for _, e := range c.entries {
		if !match(e.key) {
			continue
		}
		e.invalidated = true
		e.gen++
		targets = append(targets, target{key: e.key, refetch: e.refetch})
	}
	c.mu.Unlock()

	for _, t := range targets {
		c.group.Forget(t.key.String())
		c.metrics.invalidated(t.key.Resource)
		if c.persister != nil {
			if err := c.persister.Delete(ctx, t.key); err != nil {
				c.logger.Debug("Failed to delete persisted query", "key", t.key.String(), "error", err)
			}
		}
	}

	var g errgroup.Group
	for _, t := range targets {
		if t.refetch == nil {
			continue
		}
		g.Go(func() error {
			if err := t.refetch(ctx); err != nil {
				c.logger.Warn("Refetch after invalidation failed",
					"key", t.key.String(),
					"error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(targets) > 0 {
		c.logger.Debug("Invalidated queries", "count", len(targets))
	}
	return len(targets)
}

// Peek returns the cached data for key without fetching, regardless of
// staleness.
func (c *Cache) Peek(key Key) (any, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key.String()]
	if !ok || !e.hasData {
		return nil, time.Time{}, false
	}
	return e.data, e.fetchedAt, true
}

// IsStale reports whether key has no data, was invalidated, or is older
// than the default stale time.
func (c *Cache) IsStale(key Key) bool {
	_, _, ok := c.fresh(key, c.staleTime)
	return !ok
}

// LastError returns the most recent fetch error recorded for key.
func (c *Cache) LastError(key Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key.String()]; ok {
		return e.lastErr
	}
	return nil
}

// Len returns the number of entries holding data.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, e := range c.entries {
		if e.hasData {
			n++
		}
	}
	return n
}

// Clear drops every in-memory result and forgets registered refetchers.
// Fetches still in flight are discarded when they land. Persisted copies
// are left alone.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for ks, e := range c.entries {
		e.gen++
		e.data = nil
		e.hasData = false
		e.lastErr = nil
		e.refetch = nil
		c.group.Forget(ks)
	}
}
