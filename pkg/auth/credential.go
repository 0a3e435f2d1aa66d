package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credential is a bearer token plus the expiry read from its payload.
// The token is otherwise opaque.
type Credential struct {
	Token     string
	ExpiresAt time.Time
	// HasExpiry is false when the payload carried no readable exp claim
	HasExpiry bool
}

// ParseCredential validates the shape of token and decodes its exp claim. A
// token without exactly three segments is rejected. A token whose header or
// payload cannot be read is accepted with unknown validity.
func ParseCredential(token string) (Credential, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Credential{}, NewAuthError(ErrCodeEmptyToken, "token is empty")
	}

	segments := strings.Split(token, ".")
	if len(segments) != 3 {
		return Credential{}, NewAuthError(ErrCodeMalformedToken, ErrMalformedToken.Message).
			WithDetail("segments", len(segments))
	}

	cred := Credential{Token: token}
	if exp, ok := expiryClaim(token); ok {
		cred.ExpiresAt = exp
		cred.HasExpiry = true
	}
	return cred, nil
}

// claimsParser only decodes. Signatures are the server's business.
var claimsParser = jwt.NewParser(jwt.WithPaddingAllowed())

func expiryClaim(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := claimsParser.ParseUnverified(token, claims); err != nil &&
		!errors.Is(err, jwt.ErrTokenUnverifiable) {
		return time.Time{}, false
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// IsZero reports whether c holds no token
func (c Credential) IsZero() bool {
	return c.Token == ""
}

// Expired reports whether the credential is past its expiry at now. A
// credential of unknown validity is never reported expired.
func (c Credential) Expired(now time.Time) bool {
	return c.HasExpiry && !now.Before(c.ExpiresAt)
}

// NeedsRefresh reports whether the credential should be replaced before use:
// its validity is unknown, or it expires within threshold of now.
func (c Credential) NeedsRefresh(now time.Time, threshold time.Duration) bool {
	if c.IsZero() || !c.HasExpiry {
		return true
	}
	return !now.Add(threshold).Before(c.ExpiresAt)
}

// Redacted returns a loggable form of the token
func (c Credential) Redacted() string {
	if len(c.Token) <= 8 {
		return "***"
	}
	return c.Token[:8] + "***"
}
