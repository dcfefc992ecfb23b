package auth

import (
	"errors"
	"testing"
	"time"
)

func TestAuthenticateRoundTrip(t *testing.T) {
	m := NewManager("test-secret")

	token, err := m.Issue(User{ID: "7", Name: "ada"}, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	user, err := m.Authenticate(token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if user.ID != "7" || user.Name != "ada" {
		t.Errorf("user = %+v, want ID=7 Name=ada", user)
	}
}

func TestAuthenticateRejectsBadTokens(t *testing.T) {
	m := NewManager("test-secret")

	cases := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not-a-token"},
		{"wrong secret", mustIssue(t, NewManager("other-secret"), User{ID: "7"})},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := m.Authenticate(tc.token); !errors.Is(err, ErrUnauthorized) {
				t.Errorf("err = %v, want ErrUnauthorized", err)
			}
		})
	}
}

func TestAuthenticateRejectsExpiredToken(t *testing.T) {
	m := NewManager("test-secret")
	token, err := m.Issue(User{ID: "7"}, -time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Authenticate(token); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
}

func mustIssue(t *testing.T, m *Manager, u User) string {
	t.Helper()
	token, err := m.Issue(u, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	return token
}
