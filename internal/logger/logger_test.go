package logger

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/iurnickita/resumepay/internal/logger/config"
)

func TestNewZapLog(t *testing.T) {
	zl, err := NewZapLog(config.Config{LogLevel: "debug"})
	require.NoError(t, err)
	require.NotNil(t, zl)

	_, err = NewZapLog(config.Config{LogLevel: "loud"})
	require.Error(t, err)
}

func TestRequestLogMdlw(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	zaplog := zap.New(core)

	echo := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		w.Write(body)
	})
	h := RequestLogMdlw(zaplog, "/secret")(echo)

	// тело доступно обработчику после чтения логером
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/open", strings.NewReader("hello")))
	require.Equal(t, http.StatusCreated, w.Code)
	require.Equal(t, "hello", w.Body.String())

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/secret/notify", strings.NewReader("ciphertext")))
	require.Equal(t, "ciphertext", w.Body.String())

	entries := logs.FilterMessage("got incoming HTTP request").All()
	require.Len(t, entries, 2)
	require.Equal(t, "hello", entries[0].ContextMap()["body"])
	require.NotContains(t, entries[1].ContextMap(), "body")

	responses := logs.FilterMessage("send HTTP response").All()
	require.Len(t, responses, 2)
	require.EqualValues(t, http.StatusCreated, responses[0].ContextMap()["code"])
}
