// Package auth inspects the bearer credential the connection is opened with.
// The client never verifies signatures; it only reads claims to avoid dialing
// with a token the backend will certainly refuse.
package auth

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingCredential = errors.New("missing credential")
	ErrCredentialExpired = errors.New("credential expired")
)

type Credential struct {
	Token     string
	Subject   string
	ExpiresAt time.Time // zero for opaque tokens or tokens without exp
}

// ParseCredential reads the claims of a JWT without verifying it. Tokens that are
// not JWTs are accepted as opaque credentials.
func ParseCredential(token string) (*Credential, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return nil, ErrMissingCredential
	}

	cred := &Credential{Token: token}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return cred, nil
	}

	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		cred.Subject = sub
	} else if uid, ok := claims["user_id"].(string); ok {
		cred.Subject = uid
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		cred.ExpiresAt = exp.Time
	}
	return cred, nil
}

func (c *Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Check fails for expired credentials.
func (c *Credential) Check(now time.Time) error {
	if c.Expired(now) {
		return fmt.Errorf("%w at %s", ErrCredentialExpired, c.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

// Target builds <base>/<documentID>?token=<credential>.
func (c *Credential) Target(base, documentID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("parse backend url: %w", err)
	}
	u = u.JoinPath(documentID)
	q := u.Query()
	q.Set("token", c.Token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
