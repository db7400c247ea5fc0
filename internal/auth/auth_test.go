package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iurnickita/resumepay/internal/token"
)

func TestMiddleware(t *testing.T) {
	a := NewAuth("secret", zap.NewNop())
	valid, err := token.BuildJWTString("secret", "u1", time.Hour)
	require.NoError(t, err)

	var seen string
	echo := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = UserCode(r.Context())
	})

	tests := []struct {
		name       string
		prepare    func(r *http.Request)
		required   int
		optional   int
		wantUserID string
	}{
		{
			name:       "bearer",
			prepare:    func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+valid) },
			required:   http.StatusOK,
			optional:   http.StatusOK,
			wantUserID: "u1",
		},
		{
			name:       "cookie",
			prepare:    func(r *http.Request) { r.AddCookie(&http.Cookie{Name: cookieUserToken, Value: valid}) },
			required:   http.StatusOK,
			optional:   http.StatusOK,
			wantUserID: "u1",
		},
		{
			name:     "no token",
			prepare:  func(*http.Request) {},
			required: http.StatusUnauthorized,
			optional: http.StatusOK,
		},
		{
			name:     "bad token",
			prepare:  func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") },
			required: http.StatusUnauthorized,
			optional: http.StatusOK,
		},
		{
			name:     "bad scheme",
			prepare:  func(r *http.Request) { r.Header.Set("Authorization", "Basic "+valid) },
			required: http.StatusUnauthorized,
			optional: http.StatusOK,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, mw := range []struct {
				h    http.Handler
				want int
			}{
				{h: a.Required(echo), want: tt.required},
				{h: a.Optional(echo), want: tt.optional},
			} {
				seen = ""
				r := httptest.NewRequest(http.MethodGet, "/", nil)
				tt.prepare(r)
				w := httptest.NewRecorder()
				mw.h.ServeHTTP(w, r)
				require.Equal(t, mw.want, w.Code)
				if w.Code == http.StatusOK {
					require.Equal(t, tt.wantUserID, seen)
				}
			}
		})
	}
}
