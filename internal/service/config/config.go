package config

import "time"

type Config struct {
	JWTSecret         string
	PriceBase         int64 // фэнь
	PriceViewer       int64 // фэнь
	DownloadLimit     int
	FreeDownloads     int
	OrderPendingTTL   time.Duration
	WebhookMaxAge     time.Duration
	ReconcileSchedule string
	ReconcileBatch    int
}
