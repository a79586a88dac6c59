package api

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, secret, subject string, method jwt.SigningMethod) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": subject,
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestAuthenticateValidToken(t *testing.T) {
	auth := NewAuthenticator("test-secret")

	subject, err := auth.Authenticate(signToken(t, "test-secret", "operator-1", jwt.SigningMethodHS256))
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if subject != "operator-1" {
		t.Fatalf("expected subject operator-1, got %s", subject)
	}
}

func TestAuthenticateRejectsBadTokens(t *testing.T) {
	auth := NewAuthenticator("test-secret")

	cases := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not-a-jwt"},
		{"wrong secret", signToken(t, "other-secret", "operator-1", jwt.SigningMethodHS256)},
	}
	for _, tc := range cases {
		if _, err := auth.Authenticate(tc.token); !errors.Is(err, ErrUnauthenticated) {
			t.Fatalf("%s: expected ErrUnauthenticated, got %v", tc.name, err)
		}
	}
}

func TestAuthenticateRejectsMissingSubject(t *testing.T) {
	auth := NewAuthenticator("test-secret")

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	if _, err := auth.Authenticate(token); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated for missing subject, got %v", err)
	}
}

func TestAuthenticateNoSecretConfigured(t *testing.T) {
	auth := NewAuthenticator("")

	subject, err := auth.Authenticate("")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if subject != "anonymous" {
		t.Fatalf("expected anonymous subject, got %s", subject)
	}
}
