package auth

import (
	"testing"
	"time"

	"github.com/r3e-network/bpmn-graph-engine/pkg/config"
)

func testManager() *Manager {
	return New(config.AuthConfig{
		Tokens:    []string{"static-tok"},
		JWTSecret: "test-secret",
		Users: []config.UserSpec{
			{Username: "alice", Password: "pw", Role: "admin"},
			{Username: "bob", Password: "pw2", Role: "operator"},
		},
	})
}

func TestValidTokenRecognisesStaticTokens(t *testing.T) {
	m := testManager()
	if !m.ValidToken("static-tok") {
		t.Fatal("expected static token to validate")
	}
	if m.ValidToken("nope") {
		t.Fatal("expected unknown token to fail")
	}
}

func TestAuthenticateRejectsBadPassword(t *testing.T) {
	m := testManager()
	if _, err := m.Authenticate("alice", "wrong"); err != ErrInvalidCredentials {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestIssueAndValidateRoundTrip(t *testing.T) {
	m := testManager()
	user, err := m.Authenticate("alice", "pw")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	token, exp, err := m.Issue(user, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if exp.Before(time.Now()) {
		t.Fatal("expected future expiry")
	}
	claims, err := m.Validate(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.Username != "alice" || claims.Role != "admin" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestValidateRejectsTamperedToken(t *testing.T) {
	m := testManager()
	if _, err := m.Validate("not-a-real-token"); err == nil {
		t.Fatal("expected error for malformed token")
	}
}

func TestIssueWithoutSecretFails(t *testing.T) {
	m := New(config.AuthConfig{Users: []config.UserSpec{{Username: "carol", Password: "pw", Role: "operator"}}})
	user, err := m.Authenticate("carol", "pw")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if _, _, err := m.Issue(user, time.Hour); err != ErrUnconfigured {
		t.Fatalf("expected ErrUnconfigured, got %v", err)
	}
}
