package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

const (
	redisLockPrefix = "resumepay:lock:"
	redisLockExpiry = 10 * time.Second
	redisLockTries  = 32
)

// Distributed - блокировка по ключу для всех экземпляров с общим Redis
type Distributed struct {
	rs *redsync.Redsync
}

func NewDistributed(rdb *redis.Client) *Distributed {
	return &Distributed{rs: redsync.New(goredis.NewPool(rdb))}
}

func (d *Distributed) Lock(ctx context.Context, key string) (func(), error) {
	mutex := d.rs.NewMutex(redisLockPrefix+key,
		redsync.WithExpiry(redisLockExpiry),
		redsync.WithTries(redisLockTries),
	)
	if err := mutex.LockContext(ctx); err != nil {
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}
	return func() {
		// истекший замок снимется сам
		_, _ = mutex.UnlockContext(context.Background())
	}, nil
}
