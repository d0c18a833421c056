// Package auth mints the bearer tokens the monitor presents to the
// dispatch backend. Operator consoles authenticate as a console, not as
// a person: the token carries the console identifier and is re-minted
// locally before expiry, so there is no refresh round-trip.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token policy constants.
const (
	// TokenExpiry is how long a console token is valid. Short expiry
	// limits exposure if a token leaks from a console log.
	TokenExpiry = 1 * time.Hour

	// renewMargin is how long before expiry a fresh token is minted, so
	// a poll never goes out with a token about to expire mid-flight.
	renewMargin = 5 * time.Minute
)

// Predefined token errors.
var (
	ErrInvalidToken = errors.New("invalid console token")
	ErrTokenExpired = errors.New("console token has expired")
)

// ConsoleClaims are the claims carried by console tokens.
type ConsoleClaims struct {
	jwt.RegisteredClaims

	// ConsoleID identifies the operator console instance.
	ConsoleID string `json:"cid"`
}

// TokenSourceConfig holds configuration for the token source.
type TokenSourceConfig struct {
	// SigningKey is the shared secret also held by the dispatch backend.
	SigningKey string

	// ConsoleID identifies this console (e.g., "dispatch-floor-3").
	ConsoleID string

	// Issuer is the issuer claim for tokens.
	Issuer string

	// Audience is the audience claim (e.g., "medispatch-api").
	Audience string
}

// TokenSource mints and caches HS256 console tokens. Safe for
// concurrent use: overlapping poll goroutines share one cached token.
type TokenSource struct {
	signingKey []byte
	consoleID  string
	issuer     string
	audience   string

	mu        sync.Mutex
	cached    string
	expiresAt time.Time

	now func() time.Time
}

// NewTokenSource creates a token source for one console.
func NewTokenSource(cfg TokenSourceConfig) (*TokenSource, error) {
	if cfg.SigningKey == "" {
		return nil, errors.New("auth: signing key is required")
	}
	if cfg.ConsoleID == "" {
		return nil, errors.New("auth: console id is required")
	}

	return &TokenSource{
		signingKey: []byte(cfg.SigningKey),
		consoleID:  cfg.ConsoleID,
		issuer:     cfg.Issuer,
		audience:   cfg.Audience,
		now:        time.Now,
	}, nil
}

// Token returns a valid bearer token, minting a new one when the cached
// token is missing or within the renewal margin of expiry.
func (s *TokenSource) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != "" && s.now().Add(renewMargin).Before(s.expiresAt) {
		return s.cached, nil
	}

	token, expiresAt, err := s.mint()
	if err != nil {
		return "", err
	}

	s.cached = token
	s.expiresAt = expiresAt
	return token, nil
}

func (s *TokenSource) mint() (string, time.Time, error) {
	now := s.now()
	expiresAt := now.Add(TokenExpiry)

	claims := ConsoleClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   s.consoleID,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			NotBefore: jwt.NewNumericDate(now),
			ID:        generateTokenID(),
		},
		ConsoleID: s.consoleID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing console token: %w", err)
	}

	return tokenString, expiresAt, nil
}

// Validate parses and validates a console token. Used by tests and by
// deployments where the monitor also terminates callbacks.
func (s *TokenSource) Validate(tokenString string) (*ConsoleClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &ConsoleClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.signingKey, nil
	}, jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithExpirationRequired(),
	)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidToken, err.Error())
	}

	claims, ok := token.Claims.(*ConsoleClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// generateTokenID generates a unique token ID.
func generateTokenID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(bytes)
}
