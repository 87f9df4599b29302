package locks

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisLocker realizes the mutex with SET NX PX against the shared KV
// store. Release is token-checked so only the holder can delete the key;
// a lock whose lease expired is simply gone.
type RedisLocker struct {
	client *redis.Client
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

// releaseScript deletes the key only if the caller still holds it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

const acquirePollInterval = 100 * time.Millisecond

func (r *RedisLocker) TryAcquire(ctx context.Context, name string, wait, lease time.Duration) (func(), bool, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(wait)
	for {
		ok, err := r.client.SetNX(ctx, name, token, lease).Result()
		if err != nil {
			return nil, false, err
		}
		if ok {
			release := func() {
				rctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				_ = releaseScript.Run(rctx, r.client, []string{name}, token).Err()
			}
			return release, true, nil
		}
		if !time.Now().Before(deadline) {
			return nil, false, nil
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(acquirePollInterval):
		}
	}
}

func (r *RedisLocker) AcquireSentinel(ctx context.Context, name string, ttl time.Duration) error {
	return r.client.Set(ctx, name, "1", ttl).Err()
}

func (r *RedisLocker) Held(ctx context.Context, name string) (bool, error) {
	n, err := r.client.Exists(ctx, name).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

var _ Locker = (*RedisLocker)(nil)
