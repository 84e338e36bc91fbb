package rtc

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Issuer hands out time-boxed media-access credentials. The coordinator
// treats the media transport as opaque; all it needs is a channel name and a
// participant handle.
type Issuer interface {
	Issue(channel string, handle uint32) (*Credential, error)
}

// Credential is what a client presents to the media transport.
type Credential struct {
	Token     string    `json:"token"`
	Channel   string    `json:"channel"`
	Handle    uint32    `json:"handle"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Claims struct {
	Channel string `json:"channel"`
	Handle  uint32 `json:"handle"`
	jwt.RegisteredClaims
}

type issuer struct {
	secret []byte
	ttl    time.Duration
}

func NewIssuer(secret string, ttl time.Duration) (Issuer, error) {
	if secret == "" {
		return nil, fmt.Errorf("rtc token secret is required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &issuer{secret: []byte(secret), ttl: ttl}, nil
}

func (i *issuer) Issue(channel string, handle uint32) (*Credential, error) {
	if channel == "" {
		return nil, fmt.Errorf("channel is required")
	}

	now := time.Now()
	expiresAt := now.Add(i.ttl)

	claims := Claims{
		Channel: channel,
		Handle:  handle,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Subject:   fmt.Sprintf("%d", handle),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign media token: %w", err)
	}

	return &Credential{
		Token:     signed,
		Channel:   channel,
		Handle:    handle,
		ExpiresAt: expiresAt,
	}, nil
}

// Parse validates a credential token and returns its claims. Used in tests
// and by the media gateway sidecar.
func Parse(tokenString, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse media token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid media token")
	}
	return claims, nil
}
