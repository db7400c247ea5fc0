package logger

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/iurnickita/resumepay/internal/logger/config"
)

// ограничение на размер тела запроса в журнале
const maxLoggedBody = 2048

func NewZapLog(cfg config.Config) (*zap.Logger, error) {
	// преобразуем текстовый уровень логирования в zap.AtomicLevel
	lvl, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	// создаём новую конфигурацию логера
	zapcfg := zap.NewProductionConfig()
	// устанавливаем уровень
	zapcfg.Level = lvl
	// создаём логер на основе конфигурации
	zl, err := zapcfg.Build()
	if err != nil {
		return nil, err
	}
	return zl, nil
}

// RequestLogMdlw - middleware-логер для входящих HTTP-запросов.
// Тела запросов по путям из hideBody не пишутся в журнал.
func RequestLogMdlw(zaplog *zap.Logger, hideBody ...string) func(http.Handler) http.Handler {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fields := []zap.Field{
				zap.String("path", r.URL.Path),
				zap.String("method", r.Method),
			}

			if !hidden(r.URL.Path, hideBody) && r.Body != nil {
				bodyBytes, _ := io.ReadAll(r.Body)
				r.Body.Close() //  must close
				r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
				fields = append(fields, zap.String("body", truncate(bodyBytes)))
			}
			zaplog.Info("got incoming HTTP request", fields...)

			wl := NewResponseWriterLogger(w)

			handlerStart := time.Now()
			h.ServeHTTP(wl, r)
			handlerDuration := time.Since(handlerStart)

			zaplog.Info("send HTTP response",
				zap.String("path", r.URL.Path),
				zap.Int("code", wl.statusCode),
				zap.Int("length", wl.length),
				zap.Duration("duration", handlerDuration),
			)
		})
	}
}

func hidden(path string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func truncate(body []byte) string {
	if len(body) > maxLoggedBody {
		return string(body[:maxLoggedBody]) + "..."
	}
	return string(body)
}

type responseWriterLogger struct {
	http.ResponseWriter
	statusCode int
	length     int
}

func NewResponseWriterLogger(w http.ResponseWriter) *responseWriterLogger {
	return &responseWriterLogger{w, http.StatusOK, 0}
}

func (wl *responseWriterLogger) WriteHeader(code int) {
	wl.statusCode = code
	wl.ResponseWriter.WriteHeader(code)
}

func (wl *responseWriterLogger) Write(b []byte) (n int, err error) {
	n, err = wl.ResponseWriter.Write(b)
	wl.length += n
	return
}

// Hijack нужен для перехода на websocket
func (wl *responseWriterLogger) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := wl.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	wl.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (wl *responseWriterLogger) Flush() {
	if f, ok := wl.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
