package config

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	handlerConfig "github.com/iurnickita/resumepay/internal/handler/config"
	loggerConfig "github.com/iurnickita/resumepay/internal/logger/config"
	notifyConfig "github.com/iurnickita/resumepay/internal/notify/config"
	payConfig "github.com/iurnickita/resumepay/internal/payclient/config"
	serviceConfig "github.com/iurnickita/resumepay/internal/service/config"
	storeConfig "github.com/iurnickita/resumepay/internal/store/config"
)

type Config struct {
	Handler handlerConfig.Config
	Service serviceConfig.Config
	Store   storeConfig.Config
	Logger  loggerConfig.Config
	Pay     payConfig.Config
	Notify  notifyConfig.Config
}

// Load: значения по умолчанию, затем флаги, затем переменные окружения
func Load(args []string) (Config, error) {
	// .env необязателен, переменные окружения процесса имеют приоритет
	_ = godotenv.Load()

	cfg := defaults()

	fs := flag.NewFlagSet("resumepay", flag.ContinueOnError)
	fs.StringVar(&cfg.Handler.ServerAddr, "a", cfg.Handler.ServerAddr, "server address and port")
	fs.StringVar(&cfg.Store.DBDsn, "d", cfg.Store.DBDsn, "database URI, empty for in-memory store")
	fs.StringVar(&cfg.Logger.LogLevel, "l", cfg.Logger.LogLevel, "log level")
	fs.StringVar(&cfg.Notify.RedisAddr, "r", cfg.Notify.RedisAddr, "redis address, empty to disable")
	fs.StringVar(&cfg.Service.JWTSecret, "s", cfg.Service.JWTSecret, "jwt verification key")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	cfg.Handler.ServerAddr = getEnv("RUN_ADDRESS", cfg.Handler.ServerAddr)
	cfg.Handler.AllowedOrigins = getEnvList("ALLOWED_ORIGINS", cfg.Handler.AllowedOrigins)
	cfg.Handler.WSSendBuffer = getEnvInt("WS_SEND_BUFFER", cfg.Handler.WSSendBuffer)
	cfg.Store.DBDsn = getEnv("DATABASE_URI", cfg.Store.DBDsn)
	cfg.Store.Retries = getEnvInt("STORE_RETRIES", cfg.Store.Retries)
	cfg.Logger.LogLevel = getEnv("LOG_LEVEL", cfg.Logger.LogLevel)

	cfg.Service.JWTSecret = getEnv("JWT_SECRET", cfg.Service.JWTSecret)
	cfg.Service.PriceBase = int64(getEnvInt("PRICE_BASE", int(cfg.Service.PriceBase)))
	cfg.Service.PriceViewer = int64(getEnvInt("PRICE_VIEWER", int(cfg.Service.PriceViewer)))
	cfg.Service.DownloadLimit = getEnvInt("DOWNLOAD_LIMIT", cfg.Service.DownloadLimit)
	cfg.Service.FreeDownloads = getEnvInt("FREE_DOWNLOADS", cfg.Service.FreeDownloads)
	cfg.Service.OrderPendingTTL = getEnvDuration("ORDER_PENDING_TTL", cfg.Service.OrderPendingTTL)
	cfg.Service.WebhookMaxAge = getEnvDuration("WEBHOOK_MAX_AGE", cfg.Service.WebhookMaxAge)
	cfg.Service.ReconcileSchedule = getEnv("RECONCILE_SCHEDULE", cfg.Service.ReconcileSchedule)
	cfg.Service.ReconcileBatch = getEnvInt("RECONCILE_BATCH", cfg.Service.ReconcileBatch)

	cfg.Pay.BaseURL = getEnv("WECHAT_PAY_BASE_URL", cfg.Pay.BaseURL)
	cfg.Pay.AppID = getEnv("WECHAT_PAY_APPID", cfg.Pay.AppID)
	cfg.Pay.MchID = getEnv("WECHAT_PAY_MCHID", cfg.Pay.MchID)
	cfg.Pay.SerialNo = getEnv("WECHAT_PAY_SERIAL_NO", cfg.Pay.SerialNo)
	cfg.Pay.PrivateKeyPath = getEnv("WECHAT_PAY_PRIVATE_KEY_PATH", cfg.Pay.PrivateKeyPath)
	cfg.Pay.APIv3Key = getEnv("WECHAT_PAY_APIV3_KEY", cfg.Pay.APIv3Key)
	cfg.Pay.NotifyURL = getEnv("WECHAT_PAY_NOTIFY_URL", cfg.Pay.NotifyURL)

	cfg.Notify.RedisAddr = getEnv("REDIS_ADDR", cfg.Notify.RedisAddr)
	cfg.Notify.RedisPassword = getEnv("REDIS_PASSWORD", cfg.Notify.RedisPassword)
	cfg.Notify.RedisDB = getEnvInt("REDIS_DB", cfg.Notify.RedisDB)

	return cfg, nil
}

func defaults() Config {
	return Config{
		Handler: handlerConfig.Config{
			ServerAddr:     "localhost:8080",
			AllowedOrigins: []string{"*"},
			WSSendBuffer:   8,
		},
		Store: storeConfig.Config{
			Retries: 3,
		},
		Logger: loggerConfig.Config{
			LogLevel: "info",
		},
		Service: serviceConfig.Config{
			PriceBase:         680,
			PriceViewer:       50,
			DownloadLimit:     9,
			FreeDownloads:     0,
			OrderPendingTTL:   2 * time.Hour,
			WebhookMaxAge:     25 * time.Hour,
			ReconcileSchedule: "@every 1m",
			ReconcileBatch:    50,
		},
		Pay: payConfig.Config{
			BaseURL: "https://api.mch.weixin.qq.com",
			Timeout: 10 * time.Second,
		},
		Notify: notifyConfig.Config{
			Channel: "resumepay:payment_status",
		},
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var list []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			list = append(list, item)
		}
	}
	return list
}
