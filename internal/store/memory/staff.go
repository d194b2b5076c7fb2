package memory

import (
	"context"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"shopledger/backend/internal/domain"
	"shopledger/backend/internal/store"
)

// StaffStore keeps staff accounts for deployments whose ledger backend has no
// accounts table.
type StaffStore struct {
	mu       sync.RWMutex
	accounts map[string]domain.StaffAccount
}

func NewStaffStore() *StaffStore {
	return &StaffStore{accounts: make(map[string]domain.StaffAccount)}
}

// NewSeededStaffStore creates a manager and a staff account for shop. Passwords
// come from SEED_MANAGER_PASSWORD and SEED_STAFF_PASSWORD, with dev defaults
// when unset.
func NewSeededStaffStore(shop string, log *zap.Logger) (*StaffStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	managerPwd := envOr("SEED_MANAGER_PASSWORD", "manager123")
	staffPwd := envOr("SEED_STAFF_PASSWORD", "staff123")
	if os.Getenv("SEED_MANAGER_PASSWORD") == "" || os.Getenv("SEED_STAFF_PASSWORD") == "" {
		log.Warn("using default dev staff credentials; set SEED_MANAGER_PASSWORD and SEED_STAFF_PASSWORD to override")
	}

	s := NewStaffStore()
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"manager", managerPwd, "manager"},
		{"staff", staffPwd, "staff"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			return nil, err
		}
		s.accounts[u.username] = domain.StaffAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Shop:      shop,
			Active:    true,
			CreatedAt: time.Now().UTC(),
		}
	}
	return s, nil
}

func (s *StaffStore) CreateStaff(_ context.Context, account domain.StaffAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(account.Username))
	if username == "" || strings.TrimSpace(account.Password) == "" || strings.TrimSpace(account.Shop) == "" {
		return store.ErrInvalidMutation
	}
	if _, exists := s.accounts[username]; exists {
		return store.ErrDuplicate
	}
	account.Username = username
	if account.Role == "" {
		account.Role = "staff"
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}
	s.accounts[username] = account
	return nil
}

func (s *StaffStore) ListStaff(_ context.Context) ([]domain.StaffAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	accounts := make([]domain.StaffAccount, 0, len(s.accounts))
	for _, account := range s.accounts {
		accounts = append(accounts, account)
	}
	slices.SortFunc(accounts, func(a, b domain.StaffAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return accounts, nil
}

func (s *StaffStore) UpdateStaffPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidMutation
	}
	account, exists := s.accounts[username]
	if !exists {
		return store.ErrNotFound
	}
	account.Password = password
	s.accounts[username] = account
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
