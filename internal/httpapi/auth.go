package httpapi

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"shopledger/backend/internal/domain"
	"shopledger/backend/internal/service"
	"shopledger/backend/internal/store"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

type AuthManager struct {
	mu          sync.RWMutex
	secret      []byte
	tokenTTL    time.Duration
	defaultShop string
	staffStore  StaffStore
	accounts    map[string]credential
}

type StaffStore interface {
	CreateStaff(ctx context.Context, account domain.StaffAccount) error
	ListStaff(ctx context.Context) ([]domain.StaffAccount, error)
	UpdateStaffPassword(ctx context.Context, username string, password string) error
}

type credential struct {
	password string
	role     string
	shop     string
	active   bool
	created  time.Time
}

type staffClaims struct {
	jwtlib.RegisteredClaims
	Role string `json:"role"`
	Shop string `json:"shop"`
}

const bootstrapTimeout = 3 * time.Second

func NewAuthManager(secret string, tokenTTL time.Duration, defaultShop string, staffStore StaffStore) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 12 * time.Hour
	}
	if defaultShop == "" {
		defaultShop = "main-shop"
	}

	manager := &AuthManager{
		secret:      []byte(secret),
		tokenTTL:    tokenTTL,
		defaultShop: defaultShop,
		staffStore:  staffStore,
		accounts:    make(map[string]credential),
	}
	manager.bootstrap(context.Background())
	return manager
}

func (a *AuthManager) Login(ctx context.Context, req domain.LoginRequest) (domain.LoginResponse, error) {
	a.bootstrap(ctx)
	username := strings.ToLower(strings.TrimSpace(req.Username))
	a.mu.RLock()
	cred, ok := a.accounts[username]
	a.mu.RUnlock()
	if !ok || !verifyPassword(cred.password, req.Password) {
		return domain.LoginResponse{}, ErrInvalidCredentials
	}
	if !cred.active {
		return domain.LoginResponse{}, errors.New("account is inactive")
	}

	expiresAt := time.Now().UTC().Add(a.tokenTTL)
	token, err := a.sign(username, cred.role, cred.shop, expiresAt)
	if err != nil {
		return domain.LoginResponse{}, err
	}

	return domain.LoginResponse{
		AccessToken: token,
		Role:        cred.role,
		Shop:        cred.shop,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

func (a *AuthManager) ParseToken(tokenStr string) (domain.Actor, error) {
	claims := &staffClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}), jwtlib.WithIssuer("shopledger"))
	if err != nil || !token.Valid {
		return domain.Actor{}, errors.New("invalid or expired token")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return domain.Actor{}, errors.New("invalid token subject")
	}
	shop := claims.Shop
	if shop == "" {
		shop = a.defaultShop
	}
	return domain.Actor{Username: sub, Role: claims.Role, Shop: shop}, nil
}

func (a *AuthManager) sign(username, role, shop string, expiresAt time.Time) (string, error) {
	claims := staffClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwtlib.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    "shopledger",
		},
		Role: role,
		Shop: shop,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// CreateStaff adds an account to the caller's shop.
func (a *AuthManager) CreateStaff(ctx context.Context, shop string, req domain.StaffCreateRequest) (domain.StaffAccount, error) {
	a.bootstrap(ctx)
	username := strings.ToLower(strings.TrimSpace(req.Username))
	if len(username) < 3 {
		return domain.StaffAccount{}, fmt.Errorf("%w: username must be at least 3 characters", service.ErrInvalidInput)
	}
	if strings.ContainsAny(username, " \t\r\n") {
		return domain.StaffAccount{}, fmt.Errorf("%w: username must not contain spaces", service.ErrInvalidInput)
	}
	if len(strings.TrimSpace(req.Password)) < 6 {
		return domain.StaffAccount{}, fmt.Errorf("%w: password must be at least 6 characters", service.ErrInvalidInput)
	}
	role := strings.TrimSpace(req.Role)
	if role == "" {
		role = service.RoleStaff
	}
	if role != service.RoleStaff && role != service.RoleManager {
		return domain.StaffAccount{}, fmt.Errorf("%w: unknown role %q", service.ErrInvalidInput, role)
	}

	a.mu.RLock()
	_, exists := a.accounts[username]
	a.mu.RUnlock()
	if exists {
		return domain.StaffAccount{}, fmt.Errorf("username %q: %w", username, store.ErrDuplicate)
	}

	passwordHash, err := hashPassword(req.Password)
	if err != nil {
		return domain.StaffAccount{}, fmt.Errorf("failed to hash password")
	}
	account := domain.StaffAccount{
		Username:  username,
		Password:  passwordHash,
		Role:      role,
		Shop:      shop,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if a.staffStore != nil {
		if err := a.staffStore.CreateStaff(ctx, account); err != nil {
			return domain.StaffAccount{}, err
		}
	}

	a.mu.Lock()
	a.accounts[username] = credential{
		password: passwordHash,
		role:     role,
		shop:     shop,
		active:   true,
		created:  account.CreatedAt,
	}
	a.mu.Unlock()

	account.Password = ""
	return account, nil
}

// ListStaff returns the accounts of one shop, sorted by username.
func (a *AuthManager) ListStaff(ctx context.Context, shop string) []domain.StaffAccount {
	a.bootstrap(ctx)
	a.mu.RLock()
	result := make([]domain.StaffAccount, 0, len(a.accounts))
	for username, cred := range a.accounts {
		if cred.shop != shop {
			continue
		}
		result = append(result, domain.StaffAccount{
			Username:  username,
			Role:      cred.role,
			Shop:      cred.shop,
			Active:    cred.active,
			CreatedAt: cred.created,
		})
	}
	a.mu.RUnlock()
	sort.Slice(result, func(i, j int) bool {
		return result[i].Username < result[j].Username
	})
	return result
}

// bootstrap loads accounts from the staff store into the credential cache and
// upgrades plain-text passwords to bcrypt hashes in the store.
func (a *AuthManager) bootstrap(ctx context.Context) {
	if a.staffStore == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, bootstrapTimeout)
	defer cancel()

	accounts, err := a.staffStore.ListStaff(ctx)
	if err != nil || len(accounts) == 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, account := range accounts {
		username := strings.ToLower(strings.TrimSpace(account.Username))
		if username == "" {
			continue
		}
		password := account.Password
		if !isPasswordHash(password) {
			hashed, err := hashPassword(password)
			if err == nil {
				password = hashed
				_ = a.staffStore.UpdateStaffPassword(ctx, username, hashed)
			}
		}
		shop := account.Shop
		if shop == "" {
			shop = a.defaultShop
		}
		a.accounts[username] = credential{
			password: password,
			role:     account.Role,
			shop:     shop,
			active:   account.Active,
			created:  account.CreatedAt,
		}
	}
}

func verifyPassword(stored string, input string) bool {
	if stored == "" || strings.TrimSpace(input) == "" || !isPasswordHash(stored) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(input)) == nil
}

func hashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func isPasswordHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
