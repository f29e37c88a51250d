package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shenikar/food_alert_system/internal/models"
	"github.com/shenikar/food_alert_system/internal/service"
)

const alertColumns = `id, description, quantity, location, created_at, collected, image_ref, prediction, owner_id`

type AlertRepository struct {
	db          *pgxpool.Pool
	redisClient *redis.Client
	cacheTTL    time.Duration
}

func NewAlertRepository(db *pgxpool.Pool, redisClient *redis.Client, cacheTTL time.Duration) service.AlertRepository {
	return &AlertRepository{
		db:          db,
		redisClient: redisClient,
		cacheTTL:    cacheTTL,
	}
}

// Create создает новую запись об объявлении. created_at и collected выставляет база.
func (r *AlertRepository) Create(ctx context.Context, alert *models.Alert) error {
	query := `
		INSERT INTO alerts (id, description, quantity, location, image_ref, prediction, owner_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING created_at, collected;
	`
	err := r.db.QueryRow(ctx, query,
		alert.ID,
		alert.Description,
		alert.Quantity,
		alert.Location,
		alert.ImageRef,
		labelToText(alert.Prediction),
		alert.OwnerID,
	).Scan(&alert.CreatedAt, &alert.Collected)
	if err != nil {
		if isUniqueViolation(err) {
			return models.ErrDuplicate
		}
		return fmt.Errorf("failed to create alert: %w", err)
	}
	return nil
}

// GetByID возвращает объявление по его UUID
func (r *AlertRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE id = $1;`

	alert, err := scanAlert(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get alert by id: %w", err)
	}
	return alert, nil
}

// ListByOwner возвращает объявления производителя, новые первыми
func (r *AlertRepository) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.Alert, error) {
	query := `
		SELECT ` + alertColumns + `
		FROM alerts
		WHERE owner_id = $1
		ORDER BY created_at DESC, id DESC;
	`
	return r.list(ctx, query, ownerID)
}

// ListOpen возвращает несобранные объявления всех производителей, новые первыми
func (r *AlertRepository) ListOpen(ctx context.Context) ([]*models.Alert, error) {
	query := `
		SELECT ` + alertColumns + `
		FROM alerts
		WHERE collected = FALSE
		ORDER BY created_at DESC, id DESC;
	`
	return r.list(ctx, query)
}

// MarkCollected выполняет проверку и установку флага одним UPDATE
func (r *AlertRepository) MarkCollected(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE alerts SET collected = TRUE
		WHERE id = $1 AND collected = FALSE;
	`
	cmdTag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("failed to mark alert collected: %w", err)
	}
	if cmdTag.RowsAffected() == 1 {
		return true, nil
	}
	// Ни одна строка не обновлена: объявления нет или оно уже собрано
	return false, r.ensureExists(ctx, id)
}

// SetPrediction записывает категорию объявлению с изображением и без категории
func (r *AlertRepository) SetPrediction(ctx context.Context, id uuid.UUID, label models.Label) (bool, error) {
	query := `
		UPDATE alerts SET prediction = $2
		WHERE id = $1 AND image_ref IS NOT NULL AND prediction IS NULL;
	`
	cmdTag, err := r.db.Exec(ctx, query, id, string(label))
	if err != nil {
		return false, fmt.Errorf("failed to set alert prediction: %w", err)
	}
	if cmdTag.RowsAffected() == 1 {
		return true, nil
	}
	return false, r.ensureExists(ctx, id)
}

// Delete удаляет объявление
func (r *AlertRepository) Delete(ctx context.Context, id uuid.UUID) error {
	cmdTag, err := r.db.Exec(ctx, `DELETE FROM alerts WHERE id = $1;`, id)
	if err != nil {
		return fmt.Errorf("failed to delete alert: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (r *AlertRepository) ensureExists(ctx context.Context, id uuid.UUID) error {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM alerts WHERE id = $1);`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check alert existence: %w", err)
	}
	if !exists {
		return models.ErrNotFound
	}
	return nil
}

func (r *AlertRepository) list(ctx context.Context, query string, args ...any) ([]*models.Alert, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	alerts := make([]*models.Alert, 0)
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert row: %w", err)
		}
		alerts = append(alerts, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error list iteration: %w", err)
	}
	return alerts, nil
}

func scanAlert(row pgx.Row) (*models.Alert, error) {
	alert := &models.Alert{}
	var prediction *string
	err := row.Scan(
		&alert.ID,
		&alert.Description,
		&alert.Quantity,
		&alert.Location,
		&alert.CreatedAt,
		&alert.Collected,
		&alert.ImageRef,
		&prediction,
		&alert.OwnerID,
	)
	if err != nil {
		return nil, err
	}
	if prediction != nil {
		label := models.Label(*prediction)
		alert.Prediction = &label
	}
	return alert, nil
}

func labelToText(label *models.Label) *string {
	if label == nil {
		return nil
	}
	s := string(*label)
	return &s
}

func alertCacheKey(id uuid.UUID) string {
	return fmt.Sprintf("alert:%s", id.String())
}

// GetAlertFromCache пытается получить объявление из Redis. Промах кеша возвращает nil, nil.
func (r *AlertRepository) GetAlertFromCache(ctx context.Context, id uuid.UUID) (*models.Alert, error) {
	val, err := r.redisClient.Get(ctx, alertCacheKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get alert from cache: %w", err)
	}

	alert := &models.Alert{}
	if err := json.Unmarshal(val, alert); err != nil {
		return nil, fmt.Errorf("failed to unmarshal alert from cache: %w", err)
	}
	return alert, nil
}

// SetAlertCache сохраняет объявление в Redis
func (r *AlertRepository) SetAlertCache(ctx context.Context, alert *models.Alert) error {
	val, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert for cache: %w", err)
	}
	if err := r.redisClient.Set(ctx, alertCacheKey(alert.ID), val, r.cacheTTL).Err(); err != nil {
		return fmt.Errorf("failed to set alert in cache: %w", err)
	}
	return nil
}

// InvalidateAlertCache удаляет объявление из Redis кэша
func (r *AlertRepository) InvalidateAlertCache(ctx context.Context, id uuid.UUID) error {
	if err := r.redisClient.Del(ctx, alertCacheKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate alert cache: %w", err)
	}
	return nil
}
