package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/iurnickita/resumepay/internal/auth"
	"github.com/iurnickita/resumepay/internal/config"
	"github.com/iurnickita/resumepay/internal/handler"
	"github.com/iurnickita/resumepay/internal/lock"
	"github.com/iurnickita/resumepay/internal/logger"
	"github.com/iurnickita/resumepay/internal/notify"
	"github.com/iurnickita/resumepay/internal/payclient"
	"github.com/iurnickita/resumepay/internal/service"
	"github.com/iurnickita/resumepay/internal/store"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}

	zaplog, err := logger.NewZapLog(cfg.Logger)
	if err != nil {
		return err
	}
	defer zaplog.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// хранилище: PostgreSQL или в памяти для разработки
	var st store.Store
	if cfg.Store.DBDsn != "" {
		st, err = store.NewStore(cfg.Store)
		if err != nil {
			return err
		}
	} else {
		zaplog.Warn("DATABASE_URI is not set, using in-memory store")
		st = store.NewMemStore()
	}
	defer st.Close()

	hub := notify.NewHub(zaplog.Named("notify"))
	defer hub.Close()

	// блокировки и рассылка: через Redis, если он задан
	var (
		locker    lock.Locker
		publisher notify.Publisher
	)
	if cfg.Notify.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Notify.RedisAddr,
			Password: cfg.Notify.RedisPassword,
			DB:       cfg.Notify.RedisDB,
		})
		defer rdb.Close()
		if err = rdb.Ping(ctx).Err(); err != nil {
			return err
		}

		relay := notify.NewRedisRelay(rdb, cfg.Notify.Channel, hub, zaplog.Named("relay"))
		if err = relay.Start(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		locker = lock.NewDistributed(rdb)
		publisher = relay
	} else {
		locker = lock.NewKeyed()
		publisher = hub
	}

	pay, err := payclient.NewClient(cfg.Pay, zaplog.Named("payclient"))
	if err != nil {
		return err
	}

	svc, err := service.NewService(cfg.Service, st, locker, pay, publisher, cfg.Store.Retries, zaplog.Named("service"))
	if err != nil {
		return err
	}
	if err = svc.Start(); err != nil {
		return err
	}
	defer svc.Stop()

	a := auth.NewAuth(cfg.Service.JWTSecret, zaplog.Named("auth"))

	err = handler.Serve(ctx, cfg.Handler, a, svc, hub, zaplog)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
