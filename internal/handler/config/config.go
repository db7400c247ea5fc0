package config

type Config struct {
	ServerAddr     string
	AllowedOrigins []string
	WSSendBuffer   int // очередь исходящих событий на одно websocket-соединение
}
