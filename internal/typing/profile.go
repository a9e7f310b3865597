package typing

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Profile is what a typing indicator shows for a user.
type Profile struct {
	UserID      string
	DisplayName string
	AvatarRef   string
}

// ProfileResolver looks up the display profile of a user.
type ProfileResolver interface {
	Resolve(ctx context.Context, userID string) (Profile, error)
}

// ResolverFunc adapts a function to ProfileResolver.
type ResolverFunc func(ctx context.Context, userID string) (Profile, error)

// Resolve calls f.
func (f ResolverFunc) Resolve(ctx context.Context, userID string) (Profile, error) {
	return f(ctx, userID)
}

// DefaultProfileTTL is how long a resolved profile is reused.
const DefaultProfileTTL = 5 * time.Minute

// CachedResolver remembers resolved profiles for a fixed TTL. Failed lookups
// are not cached.
type CachedResolver struct {
	next  ProfileResolver
	cache *ttlcache.Cache[string, Profile]
}

// NewCachedResolver wraps next. Call Close to stop the expiry goroutine.
func NewCachedResolver(next ProfileResolver, ttl time.Duration) *CachedResolver {
	if ttl <= 0 {
		ttl = DefaultProfileTTL
	}

	cache := ttlcache.New[string, Profile](
		ttlcache.WithTTL[string, Profile](ttl),
		ttlcache.WithDisableTouchOnHit[string, Profile](),
	)
	go cache.Start()

	return &CachedResolver{next: next, cache: cache}
}

// Resolve returns the cached profile or asks the wrapped resolver.
func (r *CachedResolver) Resolve(ctx context.Context, userID string) (Profile, error) {
	if item := r.cache.Get(userID); item != nil {
		return item.Value(), nil
	}

	profile, err := r.next.Resolve(ctx, userID)
	if err != nil {
		return Profile{}, err
	}

	r.cache.Set(userID, profile, ttlcache.DefaultTTL)
	return profile, nil
}

// Len returns the number of cached profiles.
func (r *CachedResolver) Len() int {
	return r.cache.Len()
}

// Close stops the expiry goroutine.
func (r *CachedResolver) Close() {
	r.cache.Stop()
}
