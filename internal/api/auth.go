// Package api exposes the client-facing action interface: a websocket
// envelope protocol bridging logical requests (start charging at station X)
// to the OCPP remote-command flow.
package api

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthenticated is returned for missing or invalid client tokens.
var ErrUnauthenticated = errors.New("api: unauthenticated")

// Authenticator validates client JWTs. With no secret configured every
// session counts as authenticated.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator builds an authenticator. Empty secret disables checking.
func NewAuthenticator(secret string) *Authenticator {
	var key []byte
	if secret != "" {
		key = []byte(secret)
	}
	return &Authenticator{secret: key}
}

// Authenticate verifies the token and returns its subject.
func (a *Authenticator) Authenticate(tokenString string) (string, error) {
	if a.secret == nil {
		return "anonymous", nil
	}
	if tokenString == "" {
		return "", ErrUnauthenticated
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return "", ErrUnauthenticated
	}

	subject, err := token.Claims.GetSubject()
	if err != nil || subject == "" {
		return "", ErrUnauthenticated
	}
	return subject, nil
}
