package httpapi

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"snackkiosk/backend/internal/domain"
)

type userStoreStub struct {
	mu      sync.Mutex
	users   map[string]domain.UserAccount
	updates int
}

func (s *userStoreStub) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = make(map[string]domain.UserAccount)
	}
	s.users[user.Username] = user
	return nil
}

func (s *userStoreStub) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}
	return out, nil
}

func (s *userStoreStub) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.users[username]
	user.Password = password
	s.users[username] = user
	s.updates++
	return nil
}

func TestAuthManagerUpgradesLegacyPlainPassword(t *testing.T) {
	store := &userStoreStub{
		users: map[string]domain.UserAccount{
			"admin": {
				Username:  "admin",
				Password:  "admin123",
				Role:      "admin",
				Active:    true,
				CreatedAt: time.Now().UTC(),
			},
		},
	}

	manager := NewAuthManager("test-secret", time.Hour, store)
	_, err := manager.Login(context.Background(), domain.LoginRequest{
		Username: "admin",
		Password: "admin123",
	})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	users, err := store.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("list users failed: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("expected 1 user, got %d", len(users))
	}
	if !strings.HasPrefix(users[0].Password, "$2") {
		t.Fatalf("expected bcrypt password hash, got %s", users[0].Password)
	}
}

func TestEnsureAdminCreatesOnce(t *testing.T) {
	store := &userStoreStub{users: map[string]domain.UserAccount{}}
	manager := NewAuthManager("test-secret", time.Hour, store)

	if err := manager.EnsureAdmin(context.Background(), "ops", "short"); err == nil {
		t.Fatalf("expected short password to be rejected")
	}
	if err := manager.EnsureAdmin(context.Background(), "Ops", "correct-horse"); err != nil {
		t.Fatalf("ensure admin failed: %v", err)
	}
	if err := manager.EnsureAdmin(context.Background(), "ops", "another-password"); err != nil {
		t.Fatalf("second ensure failed: %v", err)
	}

	if len(store.users) != 1 || store.users["ops"].Role != "admin" {
		t.Fatalf("expected a single ops admin, got %+v", store.users)
	}
	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "ops", Password: "correct-horse"}); err != nil {
		t.Fatalf("expected original password to stay valid: %v", err)
	}
}

func TestParseTokenRoundTripAndRejectsForeignIssuer(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, nil)

	token, err := manager.sign("admin", "admin", time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	actor, err := manager.ParseToken(token)
	if err != nil || actor.Username != "admin" || actor.Role != "admin" {
		t.Fatalf("expected admin actor, got %+v %v", actor, err)
	}

	foreign := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, kioskClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   "admin",
			Issuer:    "someone-else",
			ExpiresAt: jwtlib.NewNumericDate(time.Now().Add(time.Minute)),
		},
		Role: "admin",
	})
	signed, _ := foreign.SignedString([]byte("test-secret"))
	if _, err := manager.ParseToken(signed); err == nil {
		t.Fatalf("expected token from another issuer to be rejected")
	}

	expired, _ := manager.sign("admin", "admin", time.Now().Add(-time.Minute))
	if _, err := manager.ParseToken(expired); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestInactiveAccountCannotLogin(t *testing.T) {
	hash, err := hashPassword("secret-pass")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	store := &userStoreStub{users: map[string]domain.UserAccount{
		"old": {Username: "old", Password: hash, Role: "admin", Active: false},
	}}
	manager := NewAuthManager("test-secret", time.Hour, store)

	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "old", Password: "secret-pass"}); err == nil {
		t.Fatalf("expected inactive account to be refused")
	}
}
