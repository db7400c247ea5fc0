package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims выпускает внешний сервис учетных записей. Пользователь - sub,
// для старых токенов поле userId
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"userId,omitempty"`
}

// BuildJWTString подписывает токен пользователя (HS256)
func BuildJWTString(secret string, userCode string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userCode,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// GetUserCode проверяет подпись и срок действия, возвращает код пользователя
func GetUserCode(secret string, tokenString string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("%w: secret is not configured", ErrInvalidToken)
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil || !parsed.Valid {
		return "", ErrInvalidToken
	}

	userCode := claims.Subject
	if userCode == "" {
		userCode = claims.UserID
	}
	if userCode == "" {
		return "", ErrInvalidToken
	}
	return userCode, nil
}
