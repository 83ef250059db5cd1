package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dukex/entropy/pkg/errdefs"
	"github.com/redis/go-redis/v9"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis keeps locks as keys holding the owner.
type Redis struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedis returns a Locker over a redis client. A zero ttl means locks never expire.
func NewRedis(client redis.UniversalClient, prefix string, ttl time.Duration) *Redis {
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

func (r *Redis) key(resource string) string {
	return r.prefix + resource
}

func (r *Redis) Acquire(ctx context.Context, resource, owner string) error {
	ok, err := r.client.SetNX(ctx, r.key(resource), owner, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to lock %s: %w", resource, err)
	}

	if ok {
		return nil
	}

	holder, held, err := r.Holder(ctx, resource)
	if err != nil {
		return err
	}

	if !held {
		// Expired between SETNX and GET.
		return r.Acquire(ctx, resource, owner)
	}

	if holder != owner {
		return errdefs.IllegalState("Acquire", resource, fmt.Sprintf("resource is locked by %s", holder))
	}

	if r.ttl > 0 {
		err = r.client.Expire(ctx, r.key(resource), r.ttl).Err()
		if err != nil {
			return fmt.Errorf("failed to refresh lock of %s: %w", resource, err)
		}
	}

	return nil
}

func (r *Redis) Release(ctx context.Context, resource, owner string) (bool, error) {
	deleted, err := releaseScript.Run(ctx, r.client, []string{r.key(resource)}, owner).Int()
	if err != nil {
		return false, fmt.Errorf("failed to release %s: %w", resource, err)
	}

	return deleted > 0, nil
}

func (r *Redis) Holder(ctx context.Context, resource string) (string, bool, error) {
	owner, err := r.client.Get(ctx, r.key(resource)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}

	if err != nil {
		return "", false, fmt.Errorf("failed to read lock of %s: %w", resource, err)
	}

	return owner, true, nil
}
