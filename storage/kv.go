// Package storage mirrors query cache results into a NATS JetStream
// key-value bucket so a new session can start warm.
package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/doctrack/query"
)

// DefaultBucket is the KV bucket holding mirrored query results.
const DefaultBucket = "DOCTRACK_QUERY_CACHE"

// cachedValue is the stored form of one query result.
type cachedValue struct {
	Key       string          `json:"key"`
	FetchedAt time.Time       `json:"fetched_at"`
	Data      json.RawMessage `json:"data"`
}

// KVPersister implements query.Persister over a JetStream KV bucket.
type KVPersister struct {
	kv     jetstream.KeyValue
	logger *slog.Logger
}

// KVOption configures a KVPersister.
type KVOption func(*kvOptions)

type kvOptions struct {
	ttl    time.Duration
	logger *slog.Logger
}

// WithTTL expires entries after d. It should match the cache stale window.
func WithTTL(d time.Duration) KVOption {
	return func(o *kvOptions) {
		o.ttl = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) KVOption {
	return func(o *kvOptions) {
		o.logger = logger
	}
}

// NewKVPersister creates or opens bucket. An empty bucket name selects
// DefaultBucket.
func NewKVPersister(ctx context.Context, js jetstream.JetStream, bucket string, opts ...KVOption) (*KVPersister, error) {
	o := kvOptions{ttl: query.DefaultStaleTime, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if bucket == "" {
		bucket = DefaultBucket
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "doctrack query cache mirror",
		History:     1,
		TTL:         o.ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("create/update kv bucket %s: %w", bucket, err)
	}

	return &KVPersister{kv: kv, logger: o.logger}, nil
}

// encodeKey maps a cache key onto the KV key alphabet.
func encodeKey(key query.Key) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key.String()))
}

// Get returns the stored value for key, or ErrNotFound.
func (p *KVPersister) Get(ctx context.Context, key query.Key) ([]byte, time.Time, error) {
	entry, err := p.kv.Get(ctx, encodeKey(key))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
			return nil, time.Time{}, ErrNotFound
		}
		return nil, time.Time{}, fmt.Errorf("get %s: %w", key, err)
	}

	var v cachedValue
	if err := json.Unmarshal(entry.Value(), &v); err != nil {
		return nil, time.Time{}, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	if v.Key != key.String() {
		return nil, time.Time{}, ErrNotFound
	}
	return v.Data, v.FetchedAt, nil
}

// Load implements query.Persister.
func (p *KVPersister) Load(ctx context.Context, key query.Key) ([]byte, time.Time, bool, error) {
	data, at, err := p.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, time.Time{}, false, nil
	}
	if err != nil {
		return nil, time.Time{}, false, err
	}
	return data, at, true, nil
}

// Save implements query.Persister.
func (p *KVPersister) Save(ctx context.Context, key query.Key, data []byte, fetchedAt time.Time) error {
	raw, err := json.Marshal(cachedValue{Key: key.String(), FetchedAt: fetchedAt, Data: data})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if _, err := p.kv.Put(ctx, encodeKey(key), raw); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	p.logger.Debug("Persisted query result", "key", key.String(), "bytes", len(raw))
	return nil
}

// Delete implements query.Persister. Deleting a missing key is not an
// error.
func (p *KVPersister) Delete(ctx context.Context, key query.Key) error {
	if err := p.kv.Delete(ctx, encodeKey(key)); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Purge removes every mirrored result.
func (p *KVPersister) Purge(ctx context.Context) (int, error) {
	keys, err := p.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("list keys: %w", err)
	}

	for _, k := range keys {
		if err := p.kv.Purge(ctx, k); err != nil {
			return 0, fmt.Errorf("purge %s: %w", k, err)
		}
	}
	return len(keys), nil
}
