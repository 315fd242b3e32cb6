package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestValidator_RoundTrip(t *testing.T) {
	v := NewValidator("secret", "voicev2")

	token, err := v.Issue("user-1", time.Minute)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	p, err := v.Validate(token)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if p.Subject != "user-1" {
		t.Errorf("Expected subject user-1, got %s", p.Subject)
	}
}

func TestValidator_Rejects(t *testing.T) {
	v := NewValidator("secret", "voicev2")

	expired, _ := v.Issue("user-1", -time.Minute)
	foreign, _ := NewValidator("other", "voicev2").Issue("user-1", time.Minute)
	wrongIssuer, _ := NewValidator("secret", "someone-else").Issue("user-1", time.Minute)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not-a-jwt"},
		{"expired", expired},
		{"wrong secret", foreign},
		{"wrong issuer", wrongIssuer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Validate(tt.token)
			if !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestPrincipalContext(t *testing.T) {
	ctx := WithPrincipal(context.Background(), &Principal{Subject: "user-1"})
	p, ok := PrincipalFrom(ctx)
	if !ok || p.Subject != "user-1" {
		t.Errorf("Expected principal user-1, got %+v", p)
	}
	if _, ok := PrincipalFrom(context.Background()); ok {
		t.Error("Expected no principal in empty context")
	}
}
