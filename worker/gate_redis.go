package worker

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"psdconverter/services"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// acquireScript evicts expired leases and admits the caller while fewer than
// capacity leases are live. Holders are members of a sorted set scored by
// lease expiry in unix milliseconds.
var acquireScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local expiry = tonumber(ARGV[2])
local capacity = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now)
if redis.call('ZCARD', key) < capacity then
	redis.call('ZADD', key, expiry, ARGV[4])
	redis.call('PEXPIRE', key, ARGV[5])
	return 1
end
return 0
`)

const defaultPollInterval = 100 * time.Millisecond

// RedisGate shares conversion capacity between replicas. Each holder owns a
// lease that outlives the converter timeout, so a crashed replica's slots
// free themselves.
type RedisGate struct {
	client   *redis.Client
	key      string
	capacity int
	wait     time.Duration
	lease    time.Duration
	poll     time.Duration
	logger   *zap.Logger
	inFlight atomic.Int64
}

func NewRedisGate(client *redis.Client, key string, capacity int, wait, lease time.Duration, logger *zap.Logger) *RedisGate {
	if capacity < MinCapacity {
		capacity = MinCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisGate{
		client:   client,
		key:      key,
		capacity: capacity,
		wait:     wait,
		lease:    lease,
		poll:     defaultPollInterval,
		logger:   logger,
	}
}

func (g *RedisGate) tryAcquire(ctx context.Context, member string) (bool, error) {
	now := time.Now()
	n, err := acquireScript.Run(ctx, g.client, []string{g.key},
		now.UnixMilli(),
		now.Add(g.lease).UnixMilli(),
		g.capacity,
		member,
		(2 * g.lease).Milliseconds(),
	).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (g *RedisGate) Acquire(ctx context.Context) (*Token, error) {
	start := time.Now()
	member := uuid.NewString()

	waitCtx := ctx
	if g.wait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, g.wait)
		defer cancel()
	}

	for {
		ok, err := g.tryAcquire(waitCtx, member)
		if err != nil {
			if waitCtx.Err() != nil {
				return nil, waitError(ctx, start, g.capacity)
			}
			return nil, services.Wrap(services.ErrStorage, "redis gate", "acquire slot", err)
		}
		if ok {
			break
		}
		if g.wait <= 0 {
			return nil, waitError(ctx, start, g.capacity)
		}

		timer := time.NewTimer(g.poll)
		select {
		case <-waitCtx.Done():
			timer.Stop()
			return nil, waitError(ctx, start, g.capacity)
		case <-timer.C:
		}
	}

	g.inFlight.Add(1)
	return newToken(member, start, func() {
		g.inFlight.Add(-1)
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.client.ZRem(releaseCtx, g.key, member).Err(); err != nil {
			// The lease expires on its own; log so operators see the lag.
			g.logger.Warn("failed to release redis gate lease", zap.String("member", member), zap.Error(err))
		}
	}), nil
}

func (g *RedisGate) Release(t *Token) { t.free() }

func (g *RedisGate) Capacity() int { return g.capacity }

func (g *RedisGate) InFlight() int { return int(g.inFlight.Load()) }

// Occupancy reports the live leases across all replicas.
func (g *RedisGate) Occupancy(ctx context.Context) (int64, error) {
	now := time.Now().UnixMilli()
	return g.client.ZCount(ctx, g.key, "("+strconv.FormatInt(now, 10), "+inf").Result()
}
