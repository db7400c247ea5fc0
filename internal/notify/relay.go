package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisRelay - рассылка статусов через канал Redis: каждый экземпляр доставляет их своим соединениям
type RedisRelay struct {
	rdb     *redis.Client
	channel string
	hub     *Hub
	zaplog  *zap.Logger
}

func NewRedisRelay(rdb *redis.Client, channel string, hub *Hub, zaplog *zap.Logger) *RedisRelay {
	return &RedisRelay{
		rdb:     rdb,
		channel: channel,
		hub:     hub,
		zaplog:  zaplog,
	}
}

func (relay *RedisRelay) Publish(ctx context.Context, update StatusUpdate) error {
	data, err := json.Marshal(update)
	if err != nil {
		return err
	}
	if err = relay.rdb.Publish(ctx, relay.channel, data).Err(); err != nil {
		return fmt.Errorf("publish status update: %w", err)
	}
	return nil
}

// Start запускает Run в фоне и ждет подписки.
// Ошибка подписки возвращается сразу, ошибка после подписки попадает в лог
func (relay *RedisRelay) Start(ctx context.Context) error {
	ready := make(chan struct{})
	errc := make(chan error, 1)
	go func() {
		err := relay.Run(ctx, ready)
		if err != nil {
			relay.zaplog.Error("status relay stopped", zap.Error(err))
		}
		errc <- err
	}()

	select {
	case <-ready:
		return nil
	case err := <-errc:
		if err == nil {
			err = ctx.Err()
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run доставляет сообщения канала в локальный hub до отмены ctx.
// ready закрывается после подтверждения подписки
func (relay *RedisRelay) Run(ctx context.Context, ready chan<- struct{}) error {
	sub := relay.rdb.Subscribe(ctx, relay.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", relay.channel, err)
	}
	if ready != nil {
		close(ready)
	}
	relay.zaplog.Info("status relay subscribed", zap.String("channel", relay.channel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var update StatusUpdate
			if err := json.Unmarshal([]byte(msg.Payload), &update); err != nil {
				relay.zaplog.Warn("bad status update on relay channel", zap.Error(err))
				continue
			}
			relay.hub.Deliver(update)
		}
	}
}
