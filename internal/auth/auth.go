package auth

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/wilsonzlin/aero/proxy/webrtc-voice-call/internal/config"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Credentials are what a signaling client presents, either as query
// parameters on the upgrade request or in a first auth message.
type Credentials struct {
	Participant string
	APIKey      string
	Token       string
}

func (c Credentials) empty() bool {
	return c.Participant == "" && c.APIKey == "" && c.Token == ""
}

// Verifier resolves credentials to the participant id the relay routes by.
type Verifier interface {
	Verify(c Credentials) (participantID string, err error)
}

func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone:
		return NoneVerifier{}, nil
	case config.AuthModeAPIKey:
		return APIKeyVerifier{Expected: cfg.APIKey}, nil
	case config.AuthModeJWT:
		return NewJWTVerifier(cfg.JWTSecret), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// CredentialsFromQuery reads participant, apiKey and token query parameters.
// It returns ErrMissingCredentials when none are present so the caller can
// wait for an auth message instead.
func CredentialsFromQuery(q url.Values) (Credentials, error) {
	c := Credentials{
		Participant: strings.TrimSpace(q.Get("participant")),
		APIKey:      q.Get("apiKey"),
		Token:       q.Get("token"),
	}
	if c.empty() {
		return Credentials{}, ErrMissingCredentials
	}
	return c, nil
}

// NoneVerifier trusts the participant id the client claims. Dev only.
type NoneVerifier struct{}

func (NoneVerifier) Verify(c Credentials) (string, error) {
	if c.Participant == "" {
		return "", ErrMissingCredentials
	}
	return c.Participant, nil
}
