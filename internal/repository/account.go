package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shenikar/food_alert_system/internal/models"
	"github.com/shenikar/food_alert_system/internal/service"
)

type AccountRepository struct {
	db *pgxpool.Pool
}

func NewAccountRepository(db *pgxpool.Pool) service.AccountRepository {
	return &AccountRepository{db: db}
}

// Create создает учетную запись. Занятое имя возвращает models.ErrDuplicate.
func (r *AccountRepository) Create(ctx context.Context, account *models.Account) error {
	query := `
		INSERT INTO accounts (id, name, secret_hash, role)
		VALUES ($1, $2, $3, $4) RETURNING created_at;
	`
	err := r.db.QueryRow(ctx, query,
		account.ID,
		account.Name,
		account.SecretHash,
		string(account.Role),
	).Scan(&account.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return models.ErrDuplicate
		}
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// GetByName возвращает учетную запись по имени
func (r *AccountRepository) GetByName(ctx context.Context, name string) (*models.Account, error) {
	query := `
		SELECT id, name, secret_hash, role, created_at
		FROM accounts
		WHERE name = $1;
	`
	return r.getOne(ctx, query, name)
}

// GetByID возвращает учетную запись по UUID
func (r *AccountRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	query := `
		SELECT id, name, secret_hash, role, created_at
		FROM accounts
		WHERE id = $1;
	`
	return r.getOne(ctx, query, id)
}

func (r *AccountRepository) getOne(ctx context.Context, query string, arg any) (*models.Account, error) {
	account := &models.Account{}
	var role string
	err := r.db.QueryRow(ctx, query, arg).Scan(
		&account.ID,
		&account.Name,
		&account.SecretHash,
		&role,
		&account.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	account.Role = models.Role(role)
	return account, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}
