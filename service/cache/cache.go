// Package cache provides the read-through dividend cache. Successful chain
// fetches are cached under a per-pair fingerprint and appended to the
// dividend history; failures are never cached.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/taoflow/taoflow/service/bittensor"
	"github.com/taoflow/taoflow/service/db"
)

const keyPrefix = "tao_dividends"

// Fingerprint returns the cache key for a (netuid, hotkey) pair.
func Fingerprint(netuid int64, hotkey string) string {
	return fmt.Sprintf("%s:%d:%s", keyPrefix, netuid, hotkey)
}

// SubnetFingerprint returns the cache key for a whole-subnet query.
func SubnetFingerprint(netuid int64) string {
	return fmt.Sprintf("%s:%d:*", keyPrefix, netuid)
}

// KV is the cache store. Implementations must treat Set with a TTL as an
// unconditional overwrite and expire entries on their own.
type KV interface {
	// Get returns the value and whether the key was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Recorder persists dividend observations. Satisfied by *db.Store.
type Recorder interface {
	CreateDividendRecord(ctx context.Context, params db.CreateDividendRecordParams) (*db.DividendRecord, error)
}

// Cache is a read-through cache over the chain gateway. Concurrent misses
// for the same key are collapsed into a single upstream fetch.
type Cache struct {
	kv       KV
	recorder Recorder
	ttl      time.Duration
	logger   *slog.Logger
	group    singleflight.Group
}

// New creates a Cache. The recorder may be nil, in which case fetches are
// not persisted to the dividend history.
func New(kv KV, recorder Recorder, ttl time.Duration, logger *slog.Logger) *Cache {
	return &Cache{
		kv:       kv,
		recorder: recorder,
		ttl:      ttl,
		logger:   logger,
	}
}

// GetOrFetch returns the dividend for a pair, serving from cache when a
// fresh entry exists. The returned bool reports whether the value came
// from cache. A degraded cache store is treated as a miss.
func (c *Cache) GetOrFetch(ctx context.Context, netuid int64, hotkey string, fetch func(ctx context.Context) (*bittensor.Dividend, error)) (*bittensor.Dividend, bool, error) {
	key := Fingerprint(netuid, hotkey)

	if data, ok := c.lookup(ctx, key); ok {
		var d bittensor.Dividend
		if err := json.Unmarshal(data, &d); err == nil {
			return &d, true, nil
		}
		c.logger.Warn("discarding corrupt cache entry", "key", key)
	}

	// The fetch is shared by every collapsed caller, so it must not die
	// with whichever caller happened to lead.
	fetchCtx := context.WithoutCancel(ctx)
	v, err, _ := c.group.Do(key, func() (any, error) {
		d, err := fetch(fetchCtx)
		if err != nil {
			return nil, err
		}
		c.record(fetchCtx, d)
		c.store(fetchCtx, key, d)
		return d, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(*bittensor.Dividend), false, nil
}

// GetOrFetchSubnet is GetOrFetch for a whole-subnet query. On a miss the
// fetched entries are also cached individually so subsequent single-pair
// queries hit.
func (c *Cache) GetOrFetchSubnet(ctx context.Context, netuid int64, fetch func(ctx context.Context) ([]*bittensor.Dividend, error)) ([]*bittensor.Dividend, bool, error) {
	key := SubnetFingerprint(netuid)

	if data, ok := c.lookup(ctx, key); ok {
		var divs []*bittensor.Dividend
		if err := json.Unmarshal(data, &divs); err == nil {
			return divs, true, nil
		}
		c.logger.Warn("discarding corrupt cache entry", "key", key)
	}

	fetchCtx := context.WithoutCancel(ctx)
	v, err, _ := c.group.Do(key, func() (any, error) {
		divs, err := fetch(fetchCtx)
		if err != nil {
			return nil, err
		}
		for _, d := range divs {
			c.record(fetchCtx, d)
			c.store(fetchCtx, Fingerprint(d.Netuid, d.Hotkey), d)
		}
		c.store(fetchCtx, key, divs)
		return divs, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.([]*bittensor.Dividend), false, nil
}

func (c *Cache) lookup(ctx context.Context, key string) ([]byte, bool) {
	data, ok, err := c.kv.Get(ctx, key)
	if err != nil {
		c.logger.Warn("cache lookup failed, treating as miss", "key", key, "error", err)
		return nil, false
	}
	return data, ok
}

func (c *Cache) store(ctx context.Context, key string, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("failed to marshal cache value", "key", key, "error", err)
		return
	}
	if err := c.kv.Set(ctx, key, data, c.ttl); err != nil {
		c.logger.Warn("failed to write cache entry", "key", key, "error", err)
	}
}

func (c *Cache) record(ctx context.Context, d *bittensor.Dividend) {
	if c.recorder == nil {
		return
	}
	_, err := c.recorder.CreateDividendRecord(ctx, db.CreateDividendRecordParams{
		Netuid:   d.Netuid,
		Hotkey:   d.Hotkey,
		Dividend: d.Dividend,
	})
	if err != nil {
		c.logger.Warn("failed to record dividend observation",
			"netuid", d.Netuid, "hotkey", d.Hotkey, "error", err)
	}
}
