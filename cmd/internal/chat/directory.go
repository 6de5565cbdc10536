package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrCacheMiss is returned by Cache implementations when a key is absent.
var ErrCacheMiss = errors.New("cache: miss")

// Cache is the minimal key-value contract used to cache user display info.
// Implementations must be safe for concurrent use.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

const (
	directoryKeyPrefix  = "taskhive:user-display:"
	directoryAbsentMark = "null"
)

// CachedDirectory decorates a MessageStore so FindUserDisplayInfo is served from a cache.
//
// Concurrent lookups of the same user share one store read (singleflight). Cache errors are
// logged and fall through to the store; they never fail the lookup.
type CachedDirectory struct {
	MessageStore

	cache     Cache
	ttl       time.Duration
	absentTTL time.Duration
	log       *slog.Logger
	group     singleflight.Group
}

// NewCachedDirectory wraps store. A ttl <= 0 defaults to 5 minutes; absent users are cached
// for a tenth of ttl so new accounts show up quickly.
func NewCachedDirectory(store MessageStore, cache Cache, ttl time.Duration, log *slog.Logger) *CachedDirectory {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &CachedDirectory{
		MessageStore: store,
		cache:        cache,
		ttl:          ttl,
		absentTTL:    ttl / 10,
		log:          log,
	}
}

// FindUserDisplayInfo returns the cached display info, loading it from the store on a miss.
func (d *CachedDirectory) FindUserDisplayInfo(ctx context.Context, userID string) (*UserDisplay, error) {
	key := directoryKeyPrefix + userID

	if raw, err := d.cache.Get(ctx, key); err == nil {
		if raw == directoryAbsentMark {
			return nil, nil
		}
		var u UserDisplay
		if err := json.Unmarshal([]byte(raw), &u); err == nil {
			return &u, nil
		}
		d.log.Warn("directory.cache.decode_fail", "user_id", userID)
	} else if !errors.Is(err, ErrCacheMiss) {
		d.log.Warn("directory.cache.get_fail", "user_id", userID, "err", err)
	}

	v, err, _ := d.group.Do(userID, func() (any, error) {
		u, err := d.MessageStore.FindUserDisplayInfo(ctx, userID)
		if err != nil {
			return nil, err
		}
		d.store(ctx, key, u)
		return u, nil
	})
	if err != nil {
		return nil, err
	}
	u, _ := v.(*UserDisplay)
	if u == nil {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (d *CachedDirectory) store(ctx context.Context, key string, u *UserDisplay) {
	val, ttl := directoryAbsentMark, d.absentTTL
	if u != nil {
		b, err := json.Marshal(u)
		if err != nil {
			return
		}
		val, ttl = string(b), d.ttl
	}
	if err := d.cache.Set(ctx, key, val, ttl); err != nil {
		d.log.Warn("directory.cache.set_fail", "key", key, "err", err)
	}
}
