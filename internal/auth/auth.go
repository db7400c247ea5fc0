package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/iurnickita/resumepay/internal/token"
)

type Auth interface {
	// Required пропускает только запросы с действительным токеном
	Required(next http.Handler) http.Handler
	// Optional определяет пользователя, если токен есть; иначе запрос анонимный
	Optional(next http.Handler) http.Handler
}

type contextKey string

const (
	userCodeKey     contextKey = "userCode"
	cookieUserToken = "token"
)

type auth struct {
	secret string
	zaplog *zap.Logger
}

func NewAuth(secret string, zaplog *zap.Logger) Auth {
	return &auth{secret: secret, zaplog: zaplog}
}

// UserCode возвращает пользователя запроса; пусто - анонимный
func UserCode(ctx context.Context) string {
	userCode, _ := ctx.Value(userCodeKey).(string)
	return userCode
}

func WithUserCode(ctx context.Context, userCode string) context.Context {
	return context.WithValue(ctx, userCodeKey, userCode)
}

func (a *auth) Required(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// получение id пользователя
		userCode, err := a.getUserCode(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		// передаём управление хендлеру
		next.ServeHTTP(w, r.WithContext(WithUserCode(r.Context(), userCode)))
	})
}

func (a *auth) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userCode, err := a.getUserCode(r)
		if err != nil {
			if !errors.Is(err, errNoToken) {
				a.zaplog.Debug("invalid token on optional route", zap.String("path", r.URL.Path))
			}
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUserCode(r.Context(), userCode)))
	})
}

var errNoToken = errors.New("no token")

// getUserCode: заголовок Authorization: Bearer, затем куки
func (a *auth) getUserCode(r *http.Request) (string, error) {
	var tokenString string
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, value, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return "", token.ErrInvalidToken
		}
		tokenString = strings.TrimSpace(value)
	} else if tokenCookie, err := r.Cookie(cookieUserToken); err == nil {
		tokenString = tokenCookie.Value
	}
	if tokenString == "" {
		return "", errNoToken
	}
	return token.GetUserCode(a.secret, tokenString)
}
