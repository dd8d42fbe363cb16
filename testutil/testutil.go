// Package testutil holds helpers shared by package tests.
package testutil

import (
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v4"
	"github.com/redis/go-redis/v9"
)

// Secret is the shared HS256 secret used across tests.
var Secret = []byte("test-secret")

// Token returns a signed HS256 JWT for userID. Extra claims override the defaults.
func Token(t testing.TB, userID string, extra jwt.MapClaims) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":   userID,
		"email": userID + "@example.com",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"iat":   time.Now().Add(-time.Minute).Unix(),
	}
	for k, v := range extra {
		claims[k] = v
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(Secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

// Bearer returns an Authorization header value for userID.
func Bearer(t testing.TB, userID string) string {
	return "Bearer " + Token(t, userID, nil)
}

// Redis starts a miniredis server and returns it with a connected client.
func Redis(t testing.TB) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}
