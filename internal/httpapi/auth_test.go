package httpapi

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"shopledger/backend/internal/domain"
	"shopledger/backend/internal/service"
	"shopledger/backend/internal/store"
)

type staffStoreStub struct {
	mu       sync.Mutex
	accounts map[string]domain.StaffAccount
	updates  int
}

func (s *staffStoreStub) CreateStaff(_ context.Context, account domain.StaffAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.accounts == nil {
		s.accounts = make(map[string]domain.StaffAccount)
	}
	s.accounts[account.Username] = account
	return nil
}

func (s *staffStoreStub) ListStaff(_ context.Context) ([]domain.StaffAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.StaffAccount, 0, len(s.accounts))
	for _, account := range s.accounts {
		out = append(out, account)
	}
	return out, nil
}

func (s *staffStoreStub) UpdateStaffPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	account := s.accounts[username]
	account.Password = password
	s.accounts[username] = account
	s.updates++
	return nil
}

func TestAuthManagerUpgradesLegacyPlainPassword(t *testing.T) {
	stub := &staffStoreStub{accounts: map[string]domain.StaffAccount{
		"legacy": {Username: "legacy", Password: "plain-pass", Role: service.RoleStaff, Shop: "main-shop", Active: true},
	}}

	auth := NewAuthManager("secret", time.Hour, "main-shop", stub)

	if stub.updates != 1 {
		t.Fatalf("expected one password upgrade, got %d", stub.updates)
	}
	if !isPasswordHash(stub.accounts["legacy"].Password) {
		t.Fatalf("expected stored password to be hashed")
	}
	if _, err := auth.Login(context.Background(), domain.LoginRequest{Username: "legacy", Password: "plain-pass"}); err != nil {
		t.Fatalf("expected login with upgraded password, got %v", err)
	}
}

func TestTokenCarriesRoleAndShop(t *testing.T) {
	stub := &staffStoreStub{accounts: map[string]domain.StaffAccount{
		"boss": {Username: "boss", Password: mustHashPassword(t, "boss-pass"), Role: service.RoleManager, Shop: "north", Active: true},
	}}
	auth := NewAuthManager("secret", time.Hour, "main-shop", stub)

	resp, err := auth.Login(context.Background(), domain.LoginRequest{Username: "boss", Password: "boss-pass"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	actor, err := auth.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if actor.Username != "boss" || actor.Role != service.RoleManager || actor.Shop != "north" {
		t.Fatalf("unexpected actor %+v", actor)
	}

	other := NewAuthManager("another-secret", time.Hour, "main-shop", nil)
	if _, err := other.ParseToken(resp.AccessToken); err == nil {
		t.Fatalf("expected token signed with another secret to be rejected")
	}
}

func TestInactiveAccountCannotLogin(t *testing.T) {
	stub := &staffStoreStub{accounts: map[string]domain.StaffAccount{
		"gone": {Username: "gone", Password: mustHashPassword(t, "gone-pass"), Role: service.RoleStaff, Shop: "main-shop"},
	}}
	auth := NewAuthManager("secret", time.Hour, "main-shop", stub)

	_, err := auth.Login(context.Background(), domain.LoginRequest{Username: "gone", Password: "gone-pass"})
	if err == nil || !strings.Contains(err.Error(), "inactive") {
		t.Fatalf("expected inactive error, got %v", err)
	}
}

func TestCreateStaffValidation(t *testing.T) {
	auth := NewAuthManager("secret", time.Hour, "main-shop", &staffStoreStub{})
	ctx := context.Background()

	cases := []domain.StaffCreateRequest{
		{Username: "ab", Password: "secret99"},
		{Username: "with space", Password: "secret99"},
		{Username: "nok", Password: "short"},
		{Username: "nok", Password: "secret99", Role: "owner"},
	}
	for _, req := range cases {
		if _, err := auth.CreateStaff(ctx, "main-shop", req); !errors.Is(err, service.ErrInvalidInput) {
			t.Fatalf("expected invalid input for %+v, got %v", req, err)
		}
	}

	account, err := auth.CreateStaff(ctx, "main-shop", domain.StaffCreateRequest{Username: "Nok", Password: "secret99"})
	if err != nil {
		t.Fatalf("create staff: %v", err)
	}
	if account.Username != "nok" || account.Role != service.RoleStaff || account.Password != "" {
		t.Fatalf("unexpected account %+v", account)
	}
	if _, err := auth.CreateStaff(ctx, "main-shop", domain.StaffCreateRequest{Username: "nok", Password: "secret99"}); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("expected duplicate, got %v", err)
	}
}

func TestListStaffFiltersByShop(t *testing.T) {
	auth := NewAuthManager("secret", time.Hour, "main-shop", &staffStoreStub{})
	ctx := context.Background()
	for _, c := range []struct{ shop, username string }{
		{"main-shop", "zed"},
		{"main-shop", "amy"},
		{"north", "bob"},
	} {
		if _, err := auth.CreateStaff(ctx, c.shop, domain.StaffCreateRequest{Username: c.username, Password: "secret99"}); err != nil {
			t.Fatalf("create %s: %v", c.username, err)
		}
	}

	staff := auth.ListStaff(ctx, "main-shop")
	if len(staff) != 2 || staff[0].Username != "amy" || staff[1].Username != "zed" {
		t.Fatalf("unexpected staff list %+v", staff)
	}
}
