package auth

import (
	"crypto/subtle"
)

// APIKeyVerifier checks a shared key; the participant id is taken from the
// credentials as claimed.
type APIKeyVerifier struct {
	Expected string
}

func (v APIKeyVerifier) Verify(c Credentials) (string, error) {
	if c.APIKey == "" {
		return "", ErrMissingCredentials
	}
	if v.Expected == "" || subtle.ConstantTimeCompare([]byte(c.APIKey), []byte(v.Expected)) != 1 {
		return "", ErrInvalidCredentials
	}
	if c.Participant == "" {
		return "", ErrMissingCredentials
	}
	return c.Participant, nil
}
