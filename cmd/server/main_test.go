package main

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"shopledger/backend/internal/config"
	"shopledger/backend/internal/store/memory"
)

const strongSecret = "0123456789abcdef0123456789abcdef"

func TestValidateSecurityConfigRejectsWeakValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "short", StoreBackend: config.BackendMemory})
	if err == nil {
		t.Fatalf("expected weak security config to be rejected")
	}
}

func TestValidateSecurityConfigAcceptsStrongValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: strongSecret, StoreBackend: config.BackendMemory})
	if err != nil {
		t.Fatalf("expected strong config to pass, got %v", err)
	}
}

func TestValidateSecurityConfigRequiresBackendLocation(t *testing.T) {
	for _, backend := range []string{config.BackendPostgres, config.BackendMongo, config.BackendSQLite} {
		if err := validateSecurityConfig(config.Config{AuthSecret: strongSecret, StoreBackend: backend}); err == nil {
			t.Fatalf("expected %s without a location to be rejected", backend)
		}
	}
}

func TestOpenBackendSQLite(t *testing.T) {
	cfg := config.Config{
		StoreBackend:  config.BackendSQLite,
		SQLitePath:    t.TempDir() + "/ledger.db",
		DefaultShopID: "main-shop",
	}
	adapter, staff, err := openBackend(context.Background(), cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	defer adapter.Close()

	if err := adapter.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	accounts, err := staff.ListStaff(context.Background())
	if err != nil || len(accounts) != 2 {
		t.Fatalf("expected two seeded accounts, got %d (%v)", len(accounts), err)
	}
}

func TestSeedStaffSkipsPopulatedStore(t *testing.T) {
	target := memory.NewStaffStore()
	ctx := context.Background()

	if err := seedStaff(ctx, target, "main-shop", zap.NewNop()); err != nil {
		t.Fatalf("seed staff: %v", err)
	}
	first, _ := target.ListStaff(ctx)
	if len(first) != 2 {
		t.Fatalf("expected 2 seeded accounts, got %d", len(first))
	}
	if err := seedStaff(ctx, target, "main-shop", zap.NewNop()); err != nil {
		t.Fatalf("reseed staff: %v", err)
	}
	second, _ := target.ListStaff(ctx)
	if len(second) != 2 {
		t.Fatalf("expected reseed to be a no-op, got %d", len(second))
	}
}
