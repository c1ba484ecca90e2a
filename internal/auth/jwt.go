package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const maxJWTLen = 16 * 1024

// JWTVerifier accepts HS256 tokens whose `sub` claim names the participant.
// `exp` is required.
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

func NewJWTVerifier(secret string) JWTVerifier {
	return JWTVerifier{
		secret: []byte(secret),
		now:    time.Now,
	}
}

func (v JWTVerifier) Verify(c Credentials) (string, error) {
	if c.Token == "" {
		return "", ErrMissingCredentials
	}
	if len(v.secret) == 0 || len(c.Token) > maxJWTLen {
		return "", ErrInvalidCredentials
	}

	now := v.now
	if now == nil {
		now = time.Now
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(c.Token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	sub := strings.TrimSpace(claims.Subject)
	if sub == "" {
		return "", fmt.Errorf("%w: missing sub claim", ErrInvalidCredentials)
	}
	// A claimed participant must match the subject.
	if c.Participant != "" && c.Participant != sub {
		return "", fmt.Errorf("%w: participant does not match token subject", ErrInvalidCredentials)
	}
	return sub, nil
}

// NewToken signs an HS256 token for participantID valid for ttl. The relay
// never issues tokens itself; this exists for tools and tests.
func NewToken(secret, participantID string, ttl time.Duration, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   participantID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}
