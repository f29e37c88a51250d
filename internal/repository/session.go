package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shenikar/food_alert_system/internal/models"
	"github.com/shenikar/food_alert_system/internal/service"
)

// SessionRepository хранит привязки сессий в Redis с истечением по TTL
type SessionRepository struct {
	redisClient *redis.Client
}

func NewSessionRepository(redisClient *redis.Client) service.SessionStore {
	return &SessionRepository{redisClient: redisClient}
}

func sessionKey(id uuid.UUID) string {
	return fmt.Sprintf("session:%s", id.String())
}

func (r *SessionRepository) Save(ctx context.Context, actor *models.Actor, ttl time.Duration) error {
	val, err := json.Marshal(actor)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := r.redisClient.Set(ctx, sessionKey(actor.SessionID), val, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Get возвращает nil, nil, если сессия истекла или удалена
func (r *SessionRepository) Get(ctx context.Context, sessionID uuid.UUID) (*models.Actor, error) {
	val, err := r.redisClient.Get(ctx, sessionKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	actor := &models.Actor{}
	if err := json.Unmarshal(val, actor); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return actor, nil
}

func (r *SessionRepository) Delete(ctx context.Context, sessionID uuid.UUID) error {
	if err := r.redisClient.Del(ctx, sessionKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}
