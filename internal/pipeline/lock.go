package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	appconfig "maflow/config"
	"maflow/logger"
)

// ErrRunInProgress is returned when a refresh is requested while another run
// holds the lock.
var ErrRunInProgress = errors.New("a refresh run is already in progress")

// RunLock serializes refresh runs. The in-process flag is always enforced;
// when configured with a redis address, the lock is additionally held across
// instances with a token-guarded key so only the owner can release it.
type RunLock struct {
	mu     sync.Mutex
	held   bool
	client *redis.Client
	key    string
	ttl    time.Duration
	token  string
	log    *logger.Log
}

func NewRunLock(cfg appconfig.RunLockConfig) *RunLock {
	l := &RunLock{
		key: cfg.Key,
		ttl: cfg.TTL.Std(),
		log: logger.GetLogger(),
	}
	if cfg.Enabled && cfg.Addr != "" {
		l.client = redis.NewClient(&redis.Options{Addr: cfg.Addr})
	}
	return l
}

// Acquire takes the lock or returns ErrRunInProgress.
func (l *RunLock) Acquire(ctx context.Context) error {
	l.mu.Lock()
	if l.held {
		l.mu.Unlock()
		return ErrRunInProgress
	}
	l.held = true
	l.mu.Unlock()

	if l.client == nil {
		return nil
	}

	token := uuid.New().String()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		l.release()
		return fmt.Errorf("run lock: %w", err)
	}
	if !ok {
		l.release()
		return ErrRunInProgress
	}
	l.token = token
	return nil
}

// releaseScript deletes the key only while our token still owns it, so an
// expired-and-retaken lock is never released out from under the new owner.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Release frees the lock. Redis errors are logged rather than returned; the
// key expires on its own after the TTL.
func (l *RunLock) Release(ctx context.Context) {
	if l.client != nil && l.token != "" {
		if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			l.log.WithComponent("runlock").WithFields(logger.Fields{
				"key":   l.key,
				"error": err.Error(),
			}).Warn("failed to release distributed lock, waiting for TTL expiry")
		}
		l.token = ""
	}
	l.release()
}

func (l *RunLock) release() {
	l.mu.Lock()
	l.held = false
	l.mu.Unlock()
}
