package node

import (
	"context"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	lockerrors "github.com/mirkobrombin/go-redlock/v1/errors"
)

// Returns 1 when the key was deleted, 0 when it holds another value and -1
// when it is absent.
var compareAndDeleteScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current == ARGV[1] then
    return redis.call("DEL", KEYS[1])
elseif current == false then
    return -1
else
    return 0
end
`)

// Redis implements Client on top of a single Redis instance.
type Redis struct {
	name     string
	client   *redis.Client
	timeout  time.Duration
	password string
	db       int
}

// RedisOption configures a Redis node.
type RedisOption func(*Redis)

// WithTimeout sets the per-call timeout. It is clamped below the lock ttl on
// every SetNX.
func WithTimeout(d time.Duration) RedisOption {
	return func(r *Redis) {
		r.timeout = d
	}
}

// WithName overrides the node name, which defaults to the address.
func WithName(name string) RedisOption {
	return func(r *Redis) {
		r.name = name
	}
}

// WithAuth sets the password and database used by NewRedis.
func WithAuth(password string, db int) RedisOption {
	return func(r *Redis) {
		r.password = password
		r.db = db
	}
}

// NewRedis returns a node for addr. The connection is established lazily and
// the client never retries on its own, so one slow node cannot eat the
// validity window.
func NewRedis(addr string, opts ...RedisOption) *Redis {
	r := &Redis{name: addr, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(r)
	}
	r.client = redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     r.password,
		DB:           r.db,
		DialTimeout:  r.timeout,
		ReadTimeout:  r.timeout,
		WriteTimeout: r.timeout,
		MaxRetries:   -1,
	})
	return r
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client *redis.Client, opts ...RedisOption) *Redis {
	r := &Redis{name: client.Options().Addr, client: client, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name implements Client.Name.
func (r *Redis) Name() string { return r.name }

// Close closes the underlying connection pool.
func (r *Redis) Close() error { return r.client.Close() }

// SetNX implements Client.SetNX with SET key value NX PX ttl.
func (r *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) Result {
	cctx, cancel := context.WithTimeout(ctx, callTimeout(r.timeout, ttl))
	defer cancel()
	ok, err := r.client.SetNX(cctx, key, value, ttl).Result()
	if err != nil {
		return r.fail(err)
	}
	if !ok {
		return Result{Status: StatusRejected}
	}
	return Result{Status: StatusOK, Value: value}
}

// Get implements Client.Get.
func (r *Redis) Get(ctx context.Context, key string) Result {
	cctx, cancel := context.WithTimeout(ctx, callTimeout(r.timeout, 0))
	defer cancel()
	val, err := r.client.Get(cctx, key).Result()
	if err == redis.Nil {
		return Result{Status: StatusMissing}
	}
	if err != nil {
		return r.fail(err)
	}
	return Result{Status: StatusOK, Value: val}
}

// Delete implements Client.Delete.
func (r *Redis) Delete(ctx context.Context, key string) Result {
	cctx, cancel := context.WithTimeout(ctx, callTimeout(r.timeout, 0))
	defer cancel()
	n, err := r.client.Del(cctx, key).Result()
	if err != nil {
		return r.fail(err)
	}
	if n == 0 {
		return Result{Status: StatusMissing}
	}
	return Result{Status: StatusOK}
}

// CompareAndDelete implements Client.CompareAndDelete with a Lua script so
// the read and the delete cannot interleave with another writer.
func (r *Redis) CompareAndDelete(ctx context.Context, key, value string) Result {
	cctx, cancel := context.WithTimeout(ctx, callTimeout(r.timeout, 0))
	defer cancel()
	n, err := compareAndDeleteScript.Run(cctx, r.client, []string{key}, value).Int64()
	if err != nil {
		return r.fail(err)
	}
	switch {
	case n > 0:
		return Result{Status: StatusOK, Value: value}
	case n < 0:
		return Result{Status: StatusMissing}
	default:
		return Result{Status: StatusRejected}
	}
}

func (r *Redis) fail(err error) Result {
	if errors.Is(err, redis.ErrClosed) {
		return Result{Status: StatusFailed, Err: lockerrors.ErrConnectionClosed}
	}
	return Fail(err)
}
