package session

import (
	"context"
	"encoding/hex"
	"time"

	"chatrelay/cmd/identity"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/singleflight"
)

// CachingValidator memoizes successful validations for a short TTL and
// collapses concurrent validations of the same token into one remote call.
//
// Failures are never cached. Keys are BLAKE2b digests; raw tokens are not retained.
type CachingValidator struct {
	next  Validator
	cache *expirable.LRU[string, identity.Identity]
	group singleflight.Group
}

// NewCachingValidator wraps next. A non-positive ttl returns next unchanged.
func NewCachingValidator(next Validator, size int, ttl time.Duration) Validator {
	if ttl <= 0 || next == nil {
		return next
	}
	if size <= 0 {
		size = DefaultConfig().CacheSize
	}
	return &CachingValidator{
		next:  next,
		cache: expirable.NewLRU[string, identity.Identity](size, nil, ttl),
	}
}

// Validate returns a cached identity when present, otherwise calls through.
func (c *CachingValidator) Validate(ctx context.Context, token string) (identity.Identity, error) {
	if token == "" {
		return identity.Identity{}, failure(ErrMissingToken, nil)
	}

	key := tokenKey(token)
	if id, ok := c.cache.Get(key); ok {
		return id, nil
	}

	// The shared call must not inherit one caller's cancellation; the
	// underlying validator bounds it with its own timeout.
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		id, err := c.next.Validate(shared, token)
		if err != nil {
			return identity.Identity{}, err
		}
		c.cache.Add(key, id)
		return id, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return identity.Identity{}, res.Err
		}
		return res.Val.(identity.Identity), nil
	case <-ctx.Done():
		return identity.Identity{}, failure(ErrUnavailable, ctx.Err())
	}
}

// Len reports the number of cached sessions.
func (c *CachingValidator) Len() int { return c.cache.Len() }

func tokenKey(token string) string {
	sum := blake2b.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
