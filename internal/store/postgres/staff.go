package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"shopledger/backend/internal/domain"
	"shopledger/backend/internal/store"
)

type staffRow struct {
	Username  string    `db:"username"`
	Password  string    `db:"password"`
	Role      string    `db:"role"`
	Shop      string    `db:"shop"`
	Active    bool      `db:"active"`
	CreatedAt time.Time `db:"created_at"`
}

func (s *Store) CreateStaff(ctx context.Context, account domain.StaffAccount) error {
	account.Username = strings.ToLower(strings.TrimSpace(account.Username))
	if account.Username == "" || strings.TrimSpace(account.Password) == "" || strings.TrimSpace(account.Shop) == "" {
		return store.ErrInvalidMutation
	}
	if account.Role == "" {
		account.Role = "staff"
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO staff_accounts (username, password, role, shop, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,now())
	`, account.Username, account.Password, account.Role, account.Shop, account.Active, account.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return fmt.Errorf("store/postgres: create staff: %w", err)
	}
	return nil
}

func (s *Store) ListStaff(ctx context.Context) ([]domain.StaffAccount, error) {
	var rows []staffRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT username, password, role, shop, active, created_at
		FROM staff_accounts
		ORDER BY username ASC
	`); err != nil {
		return nil, fmt.Errorf("store/postgres: list staff: %w", err)
	}

	accounts := make([]domain.StaffAccount, 0, len(rows))
	for _, row := range rows {
		accounts = append(accounts, domain.StaffAccount{
			Username:  row.Username,
			Password:  row.Password,
			Role:      row.Role,
			Shop:      row.Shop,
			Active:    row.Active,
			CreatedAt: row.CreatedAt.UTC(),
		})
	}
	return accounts, nil
}

func (s *Store) UpdateStaffPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidMutation
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE staff_accounts
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return fmt.Errorf("store/postgres: update staff password: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}
