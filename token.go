package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	errMissingCredential = errors.New("missing credential")
	errInvalidCredential = errors.New("invalid credential")
)

// tokenService issues and verifies the bearer tokens that gate the ingest
// path. Tokens are claim-less HS256 JWTs with a fixed TTL; the service keeps
// no session state, so validity is signature plus expiry only.
type tokenService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func newTokenService(secret string, ttl time.Duration) *tokenService {
	return &tokenService{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// issue signs a fresh token. Anyone reaching the issuance endpoint gets one;
// identity checks, if any, belong in front of this service.
func (s *tokenService) issue() (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// verify checks a raw Authorization header value. The scheme must be exactly
// "Bearer"; an absent header maps to errMissingCredential, everything else
// that fails (scheme, signature, expiry, malformed token) to
// errInvalidCredential.
func (s *tokenService) verify(header string) (jwt.Claims, error) {
	if header == "" {
		return nil, errMissingCredential
	}
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return nil, errInvalidCredential
	}

	token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{},
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
			}
			return s.secret, nil
		},
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return nil, errInvalidCredential
	}
	return token.Claims, nil
}
