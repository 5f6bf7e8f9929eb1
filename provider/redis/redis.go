// Package redis implements the shared-cache Cache Provider tier: a
// lower-latency remote tier typically placed in front of (or alongside) the
// source-cache engine so multiple server instances share one process-
// external cache. Values are stored as "{meta-json}\0{bytes}" in a single
// SET so a Fetch costs exactly one round trip.
package redis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/imazen/imageflow-server-sub002/blob"
	"github.com/imazen/imageflow-server-sub002/cachekey"
	"github.com/imazen/imageflow-server-sub002/cascadeerr"
	"github.com/imazen/imageflow-server-sub002/provider"
)

const metaSeparator = 0x00

type wireMeta struct {
	ContentType string    `json:"content_type"`
	CreatedUTC  time.Time `json:"created_utc"`
	SourceHex   string    `json:"source_hex"`
}

// Tier is the Redis-backed shared provider.
type Tier struct {
	client    goredis.UniversalClient
	namespace string
	ttl       time.Duration
	zone      blob.LatencyZone
}

// Option configures a Tier.
type Option func(*Tier)

func WithNamespace(ns string) Option        { return func(t *Tier) { t.namespace = ns } }
func WithTTL(d time.Duration) Option        { return func(t *Tier) { t.ttl = d } }
func WithLatencyZone(z blob.LatencyZone) Option { return func(t *Tier) { t.zone = z } }

// New wraps an already-constructed go-redis client (single node, cluster, or
// sentinel; UniversalClient covers all three, matching how the rest of the
// pack configures Redis).
func New(client goredis.UniversalClient, opts ...Option) *Tier {
	t := &Tier{client: client, namespace: "cascade", ttl: 24 * time.Hour, zone: "redis"}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tier) Name() string { return "redis" }

func (t *Tier) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		RequiresInlineExecution: false,
		IsLocal:                 false,
		LatencyZone:             t.zone,
	}
}

func (t *Tier) wireKey(key cachekey.Key) string {
	return t.namespace + ":" + key.StoragePath()
}

func (t *Tier) Fetch(ctx context.Context, key cachekey.Key) (*provider.FetchResult, bool, error) {
	var result *provider.FetchResult
	err := cascadeerr.RetryTransientOnce(ctx, func(ctx context.Context) error {
		raw, err := t.client.Get(ctx, t.wireKey(key)).Bytes()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				return nil
			}
			return fmt.Errorf("%w: %v", cascadeerr.ErrTransient, err)
		}

		sep := bytes.IndexByte(raw, metaSeparator)
		if sep < 0 {
			return fmt.Errorf("redis: malformed entry, missing metadata separator")
		}
		var meta wireMeta
		if err := json.Unmarshal(raw[:sep], &meta); err != nil {
			return fmt.Errorf("redis: malformed entry metadata: %w", err)
		}

		data := make([]byte, len(raw)-sep-1)
		copy(data, raw[sep+1:])
		result = &provider.FetchResult{
			Data: data,
			Metadata: provider.Metadata{
				ContentType: meta.ContentType,
				CreatedUTC:  meta.CreatedUTC,
			},
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if result == nil {
		return nil, false, nil
	}
	return result, true, nil
}

func (t *Tier) Store(ctx context.Context, key cachekey.Key, data []byte, meta provider.Metadata) error {
	metaJSON, err := json.Marshal(wireMeta{
		ContentType: meta.ContentType,
		CreatedUTC:  meta.CreatedUTC,
		SourceHex:   key.SourceHex(),
	})
	if err != nil {
		return err
	}

	wire := make([]byte, 0, len(metaJSON)+1+len(data))
	wire = append(wire, metaJSON...)
	wire = append(wire, metaSeparator)
	wire = append(wire, data...)

	return cascadeerr.RetryTransientOnce(ctx, func(ctx context.Context) error {
		if err := t.client.Set(ctx, t.wireKey(key), wire, t.ttl).Err(); err != nil {
			return fmt.Errorf("%w: %v", cascadeerr.ErrTransient, err)
		}
		return nil
	})
}

func (t *Tier) Invalidate(ctx context.Context, key cachekey.Key) (bool, error) {
	n, err := t.client.Del(ctx, t.wireKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", cascadeerr.ErrTransient, err)
	}
	return n > 0, nil
}

// PurgeBySource scans for keys under this source's shard prefix and deletes
// them. Redis has no native tag query, so SCAN with a glob pattern is the
// pattern-scan analogue of the cloud tier's prefix-list delete.
func (t *Tier) PurgeBySource(ctx context.Context, sourceHash [cachekey.HashSize]byte) (int, error) {
	probe := cachekey.Key{Source: sourceHash}
	sourceHex := probe.SourceHex()
	pattern := t.namespace + ":" + sourceHex[:4] + "/" + sourceHex + "/*"

	removed := 0
	var cursor uint64
	for {
		keys, next, err := t.client.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return removed, fmt.Errorf("%w: %v", cascadeerr.ErrTransient, err)
		}
		if len(keys) > 0 {
			n, err := t.client.Del(ctx, keys...).Result()
			if err != nil {
				return removed, fmt.Errorf("%w: %v", cascadeerr.ErrTransient, err)
			}
			removed += int(n)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return removed, nil
}

func (t *Tier) WantsToStore(_ cachekey.Key, _ int64, reason provider.Reason) bool {
	return reason != provider.NotQueried
}

// ProbablyContains is conservative: Redis offers no cheap local membership
// test cheaper than a round trip, so this always reports true.
func (t *Tier) ProbablyContains(cachekey.Key) bool { return true }

func (t *Tier) HealthCheck(ctx context.Context) (bool, error) {
	if err := t.client.Ping(ctx).Err(); err != nil {
		return false, err
	}
	return true, nil
}
