package usertoken

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"pairchat/pkg/domain"
)

const (
	defaultIssuer   = "pairchat"
	defaultAudience = "pairchat-api"
	defaultLeeway   = 30 * time.Second
)

var (
	ErrInvalidToken   = errors.New("invalid token")
	errUnknownKey     = errors.New("unknown token key")
	errMissingSubject = errors.New("token subject missing")
)

// Config configures user token verification. Secret selects HS256 with a
// shared key; otherwise JWKSURL selects RS256 with keys fetched from the issuer.
type Config struct {
	Secret     string
	JWKSURL    string
	Issuer     string
	Audience   string
	Leeway     time.Duration
	HTTPClient *http.Client
}

// Verifier validates user tokens and extracts the subject user ID.
type Verifier struct {
	issuer   string
	audience string
	leeway   time.Duration
	secret   []byte
	keys     *keySet
}

// NewVerifier creates a token verifier. In JWKS mode the key set is fetched once
// up front so misconfiguration fails at startup.
func NewVerifier(cfg Config) (*Verifier, error) {
	v := &Verifier{
		issuer:   strings.TrimSpace(cfg.Issuer),
		audience: strings.TrimSpace(cfg.Audience),
		leeway:   cfg.Leeway,
	}
	if v.issuer == "" {
		v.issuer = defaultIssuer
	}
	if v.audience == "" {
		v.audience = defaultAudience
	}
	if v.leeway <= 0 {
		v.leeway = defaultLeeway
	}

	if secret := strings.TrimSpace(cfg.Secret); secret != "" {
		v.secret = []byte(secret)
		return v, nil
	}
	jwksURL := strings.TrimSpace(cfg.JWKSURL)
	if jwksURL == "" {
		return nil, errors.New("token verifier requires a secret or jwksURL")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	v.keys = &keySet{url: jwksURL, client: client}
	if err := v.keys.refresh(); err != nil {
		return nil, err
	}
	return v, nil
}

// VerifyUser validates the token and returns the subject as a user ID.
func (v *Verifier) VerifyUser(token string) (domain.ID, error) {
	claims, err := v.verify(strings.TrimSpace(token))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return 0, fmt.Errorf("%w: %v", ErrInvalidToken, errMissingSubject)
	}
	id, err := domain.ParseID(subject)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return id, nil
}

func (v *Verifier) verify(token string) (jwt.RegisteredClaims, error) {
	if v.keys == nil {
		return v.parse(token, jwt.SigningMethodHS256.Alg(), func(*jwt.Token) (any, error) {
			return v.secret, nil
		})
	}
	claims, err := v.parseRS256(token)
	if err == nil {
		return claims, nil
	}
	if !errors.Is(err, errUnknownKey) && !v.keys.expired() {
		return claims, err
	}
	if refreshErr := v.keys.refresh(); refreshErr != nil {
		return claims, refreshErr
	}
	return v.parseRS256(token)
}

func (v *Verifier) parseRS256(token string) (jwt.RegisteredClaims, error) {
	keys := v.keys.snapshot()
	return v.parse(token, jwt.SigningMethodRS256.Alg(), func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		key, ok := keys[strings.TrimSpace(kid)]
		if !ok {
			return nil, errUnknownKey
		}
		return key, nil
	})
}

func (v *Verifier) parse(token, alg string, keyFunc jwt.Keyfunc) (jwt.RegisteredClaims, error) {
	claims := jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, keyFunc,
		jwt.WithValidMethods([]string{alg}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	)
	if err != nil {
		return claims, err
	}
	if !parsed.Valid {
		return claims, errors.New("invalid token")
	}
	return claims, nil
}
