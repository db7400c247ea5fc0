package config

import "time"

type Config struct {
	BaseURL        string
	AppID          string
	MchID          string
	SerialNo       string
	PrivateKeyPath string // путь к файлу или PEM
	APIv3Key       string
	NotifyURL      string
	Timeout        time.Duration
}

// Complete сообщает, заданы ли все параметры для обращения к платежной системе
func (cfg Config) Complete() bool {
	return cfg.AppID != "" &&
		cfg.MchID != "" &&
		cfg.SerialNo != "" &&
		cfg.PrivateKeyPath != "" &&
		cfg.APIv3Key != "" &&
		cfg.NotifyURL != ""
}
