package gateway

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned when an API key matches no configured
// credential.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Credential is one configured API key: a caller name and a bcrypt hash of
// the key itself.
type Credential struct {
	Name string
	Hash string
}

type tokenClaims struct {
	Name string `json:"name"`
	jwt.RegisteredClaims
}

// TokenIssuer exchanges API keys for short-lived HS256 session tokens.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	creds  []Credential
}

// NewTokenIssuer creates a TokenIssuer.
func NewTokenIssuer(secret string, ttl time.Duration, creds []Credential) (*TokenIssuer, error) {
	if secret == "" {
		return nil, errors.New("gateway: auth.jwt_secret is required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenIssuer{secret: []byte(secret), ttl: ttl, creds: creds}, nil
}

// Exchange verifies an API key against the configured credentials and
// issues a token for the matching caller.
func (t *TokenIssuer) Exchange(apiKey string) (token string, expiresIn time.Duration, err error) {
	for _, cred := range t.creds {
		if bcrypt.CompareHashAndPassword([]byte(cred.Hash), []byte(apiKey)) == nil {
			tok, err := t.issue(cred.Name)
			return tok, t.ttl, err
		}
	}
	return "", 0, ErrInvalidCredentials
}

func (t *TokenIssuer) issue(name string) (string, error) {
	now := time.Now()
	claims := tokenClaims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   name,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("gateway: sign token: %w", err)
	}
	return signed, nil
}

// Verify parses a session token and returns the caller name.
func (t *TokenIssuer) Verify(tokenStr string) (string, error) {
	var claims tokenClaims
	_, err := jwt.ParseWithClaims(
		tokenStr,
		&claims,
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
			}
			return t.secret, nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
	)
	if err != nil {
		return "", fmt.Errorf("gateway: parse token: %w", err)
	}
	return claims.Name, nil
}

// HashAPIKey bcrypt-hashes a plaintext API key for storage in config.
func HashAPIKey(apiKey string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("gateway: hash api key: %w", err)
	}
	return string(hash), nil
}
