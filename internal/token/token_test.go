package token

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/require"
)

func TestGetUserCode(t *testing.T) {
	valid, err := BuildJWTString("secret", "u1", time.Hour)
	require.NoError(t, err)

	expired, err := BuildJWTString("secret", "u1", -time.Minute)
	require.NoError(t, err)

	legacy, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{UserID: "u2"}).SignedString([]byte("secret"))
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: "u3"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name    string
		secret  string
		token   string
		want    string
		wantErr bool
	}{
		{name: "valid", secret: "secret", token: valid, want: "u1"},
		{name: "legacy claim", secret: "secret", token: legacy, want: "u2"},
		{name: "wrong secret", secret: "other", token: valid, wantErr: true},
		{name: "expired", secret: "secret", token: expired, wantErr: true},
		{name: "alg none", secret: "secret", token: none, wantErr: true},
		{name: "garbage", secret: "secret", token: "a.b.c", wantErr: true},
		{name: "no secret", secret: "", token: valid, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := GetUserCode(tt.secret, tt.token)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidToken)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}
