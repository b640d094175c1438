package usertoken

import (
	"errors"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"pairchat/pkg/domain"
)

// SignConfig describes an HS256 token to mint. Used by local tooling and tests
// in place of a real credential issuer.
type SignConfig struct {
	Secret   string
	Issuer   string
	Audience string
	TTL      time.Duration
}

// Sign issues an HS256 token whose subject is user.
func Sign(cfg SignConfig, user domain.ID, now time.Time) (string, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return "", errors.New("signing secret is required")
	}
	if !user.Valid() {
		return "", domain.ErrInvalidID
	}
	issuer, audience := strings.TrimSpace(cfg.Issuer), strings.TrimSpace(cfg.Audience)
	if issuer == "" {
		issuer = defaultIssuer
	}
	if audience == "" {
		audience = defaultAudience
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   user.String(),
		Issuer:    issuer,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	return token.SignedString([]byte(secret))
}
