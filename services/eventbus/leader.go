package eventbus

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	leaderKey = "flowbus:sweeper:leader"
	leaderTTL = 90 * time.Second
)

// Renew only if we still own the key.
var renewScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	end
	return 0
`)

// Leader elects one bus instance to run cluster-wide jobs such as the
// abandoned-execution sweep. A nil *Leader always leads, which is what a
// single-instance deployment wants.
type Leader struct {
	redis      *redis.Client
	instanceID string
	ttl        time.Duration
	logger     *slog.Logger
	leading    atomic.Bool
}

// NewLeader creates a Leader competing for the election key as instanceID.
func NewLeader(client *redis.Client, instanceID string, logger *slog.Logger) *Leader {
	return &Leader{
		redis:      client,
		instanceID: instanceID,
		ttl:        leaderTTL,
		logger:     logger,
	}
}

// Acquire attempts SETNX and falls back to renewing a key we already hold.
// It reports whether this instance is the leader after the call.
func (l *Leader) Acquire(ctx context.Context) bool {
	if l == nil {
		return true
	}

	ok, err := l.redis.SetNX(ctx, leaderKey, l.instanceID, l.ttl).Result()
	if err != nil {
		l.logger.Error("leader election SetNX", slog.String("error", err.Error()))
		return l.set(false)
	}
	if ok {
		return l.set(true)
	}

	result, err := renewScript.Run(ctx, l.redis, []string{leaderKey}, l.instanceID, l.ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		l.logger.Error("leader renewal", slog.String("error", err.Error()))
		return l.set(false)
	}
	return l.set(result == 1)
}

// Leading reports the outcome of the last Acquire.
func (l *Leader) Leading() bool {
	if l == nil {
		return true
	}
	return l.leading.Load()
}

func (l *Leader) set(leading bool) bool {
	if prev := l.leading.Swap(leading); prev != leading {
		if leading {
			l.logger.Info("acquired sweeper leadership", slog.String("instance_id", l.instanceID))
		} else {
			l.logger.Warn("lost sweeper leadership", slog.String("instance_id", l.instanceID))
		}
	}
	return leading
}
