package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
	"golang.org/x/crypto/bcrypt"
)

const testJWTSecret = "test-secret"

func newTestAuth(t *testing.T) (*AuthService, *store.MemoryRepository) {
	t.Helper()
	repo := store.NewMemoryRepository()
	return newAuthService(repo, testJWTSecret, time.Hour, "IDR", bcrypt.MinCost), repo
}

func registerTestUser(t *testing.T, auth *AuthService) *domain.AuthResponse {
	t.Helper()
	resp, err := auth.Register(context.Background(), domain.RegisterRequest{
		Name: "Ayu Lestari", Email: " Ayu@Example.com ", Phone: "+6281234567890", Password: "correct-horse",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return resp
}

func TestRegisterCreatesUserAndAccount(t *testing.T) {
	auth, repo := newTestAuth(t)
	resp := registerTestUser(t, auth)

	if resp.Token == "" || resp.User.Email != "ayu@example.com" || resp.User.Role != domain.RoleUser {
		t.Fatalf("unexpected register response %+v", resp)
	}
	accounts, err := repo.FindAccountsByUserID(context.Background(), resp.User.ID)
	if err != nil || len(accounts) != 1 {
		t.Fatalf("expected one account, got %d err=%v", len(accounts), err)
	}
	if accounts[0].Currency != "IDR" || accounts[0].Balance != 0 || accounts[0].Status != domain.AccountActive {
		t.Fatalf("unexpected account %+v", accounts[0])
	}
	if resp.User.PasswordHash == "correct-horse" {
		t.Fatalf("expected password to be hashed")
	}
}

func TestRegisterValidation(t *testing.T) {
	auth, _ := newTestAuth(t)
	tests := []struct {
		name string
		req  domain.RegisterRequest
	}{
		{"missing name", domain.RegisterRequest{Email: "a@example.com", Password: "password1"}},
		{"bad email", domain.RegisterRequest{Name: "A", Email: "not-an-email", Password: "password1"}},
		{"bad phone", domain.RegisterRequest{Name: "A", Email: "a@example.com", Phone: "12ab", Password: "password1"}},
		{"short password", domain.RegisterRequest{Name: "A", Email: "a@example.com", Password: "short"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := auth.Register(context.Background(), tt.req); !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestRegisterRejectsDuplicateEmail(t *testing.T) {
	auth, _ := newTestAuth(t)
	registerTestUser(t, auth)

	_, err := auth.Register(context.Background(), domain.RegisterRequest{Name: "Other", Email: "AYU@example.com", Password: "another-pass"})
	if !errors.Is(err, store.ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	auth, _ := newTestAuth(t)
	registerTestUser(t, auth)

	tests := []domain.LoginRequest{
		{Email: "ayu@example.com", Password: "wrong-password"},
		{Email: "nobody@example.com", Password: "correct-horse"},
		{Email: "", Password: ""},
	}
	for _, req := range tests {
		if _, err := auth.Login(context.Background(), req); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("expected ErrInvalidCredentials for %q, got %v", req.Email, err)
		}
	}

	resp, err := auth.Login(context.Background(), domain.LoginRequest{Email: "AYU@example.com", Password: "correct-horse"})
	if err != nil || resp.Token == "" {
		t.Fatalf("expected successful login, got err=%v", err)
	}
}

func TestVerifyTokenAndLogout(t *testing.T) {
	auth, _ := newTestAuth(t)
	resp := registerTestUser(t, auth)

	principal, err := auth.VerifyToken(context.Background(), resp.Token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if principal.UserID != resp.User.ID || principal.Role != domain.RoleUser {
		t.Fatalf("unexpected principal %+v", principal)
	}

	if err := auth.Logout(context.Background(), *principal); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := auth.VerifyToken(context.Background(), resp.Token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected revoked token to be rejected, got %v", err)
	}
}

func TestVerifyTokenRejectsForgedAndExpiredTokens(t *testing.T) {
	auth, _ := newTestAuth(t)
	resp := registerTestUser(t, auth)

	forged := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{
		Role: "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   resp.User.ID.String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := forged.SignedString([]byte("other-secret"))
	if err != nil {
		t.Fatalf("sign forged token: %v", err)
	}
	if _, err := auth.VerifyToken(context.Background(), signed); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected forged token to be rejected, got %v", err)
	}

	if _, err := auth.VerifyToken(context.Background(), "garbage"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected garbage token to be rejected, got %v", err)
	}

	auth.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }
	if _, err := auth.VerifyToken(context.Background(), resp.Token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired token to be rejected, got %v", err)
	}
}

func TestPurgeExpiredTokens(t *testing.T) {
	auth, _ := newTestAuth(t)
	registerTestUser(t, auth)

	removed, err := auth.PurgeExpiredTokens(context.Background())
	if err != nil || removed != 0 {
		t.Fatalf("expected live session to survive, got removed=%d err=%v", removed, err)
	}

	auth.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }
	removed, err = auth.PurgeExpiredTokens(context.Background())
	if err != nil || removed != 1 {
		t.Fatalf("expected one expired session removed, got removed=%d err=%v", removed, err)
	}
}
