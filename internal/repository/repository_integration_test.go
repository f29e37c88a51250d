//go:build integration

package repository

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shenikar/food_alert_system/internal/models"
	"github.com/shenikar/food_alert_system/internal/reclassify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

// setupPostgres поднимает PostgreSQL в контейнере и применяет миграции
func setupPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("food_alerts"),
		tcpostgres.WithUsername("food"),
		tcpostgres.WithPassword("food"),
		tcpostgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	m, err := migrate.New("file://../../migrations", strings.Replace(dsn, "postgres://", "pgx5://", 1))
	require.NoError(t, err)
	require.NoError(t, m.Up())

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	opts, err := redis.ParseURL(uri)
	require.NoError(t, err)

	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func createAccount(t *testing.T, repo *AccountRepository, name string, role models.Role) *models.Account {
	t.Helper()
	account := &models.Account{ID: uuid.New(), Name: name, SecretHash: "hash", Role: role}
	require.NoError(t, repo.Create(context.Background(), account))
	return account
}

func newAlert(owner uuid.UUID, description string) *models.Alert {
	return &models.Alert{
		ID:          uuid.Must(uuid.NewV7()),
		Description: description,
		Quantity:    "10 trays",
		Location:    "Canteen B",
		OwnerID:     owner,
	}
}

func TestPostgresRepositories(t *testing.T) {
	pool := setupPostgres(t)
	accounts := NewAccountRepository(pool).(*AccountRepository)
	alerts := NewAlertRepository(pool, nil, time.Minute).(*AlertRepository)
	ctx := context.Background()

	ana := createAccount(t, accounts, "Ana", models.RoleProducer)
	raj := createAccount(t, accounts, "Raj", models.RoleCollector)

	t.Run("accounts", func(t *testing.T) {
		err := accounts.Create(ctx, &models.Account{ID: uuid.New(), Name: "Ana", SecretHash: "x", Role: models.RoleCollector})
		assert.ErrorIs(t, err, models.ErrDuplicate)

		got, err := accounts.GetByName(ctx, "Ana")
		require.NoError(t, err)
		assert.Equal(t, ana.ID, got.ID)
		assert.Equal(t, models.RoleProducer, got.Role)

		got, err = accounts.GetByID(ctx, raj.ID)
		require.NoError(t, err)
		assert.Equal(t, "Raj", got.Name)

		_, err = accounts.GetByName(ctx, "nobody")
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("collector cannot own alerts", func(t *testing.T) {
		err := alerts.Create(ctx, newAlert(raj.ID, "leftovers"))
		require.Error(t, err)
		assert.False(t, errors.Is(err, models.ErrDuplicate))
	})

	t.Run("lifecycle", func(t *testing.T) {
		first := newAlert(ana.ID, "first")
		require.NoError(t, alerts.Create(ctx, first))
		assert.False(t, first.CreatedAt.IsZero())
		assert.False(t, first.Collected)

		handle := "1700000000_0a1b2c3d_rice.jpg"
		second := newAlert(ana.ID, "second")
		second.ImageRef = &handle
		require.NoError(t, alerts.Create(ctx, second))

		own, err := alerts.ListByOwner(ctx, ana.ID)
		require.NoError(t, err)
		require.Len(t, own, 2)
		assert.Equal(t, second.ID, own[0].ID)
		assert.Equal(t, first.ID, own[1].ID)

		// категория без изображения не записывается
		changed, err := alerts.SetPrediction(ctx, first.ID, models.LabelFruits)
		require.NoError(t, err)
		assert.False(t, changed)

		changed, err = alerts.SetPrediction(ctx, second.ID, models.LabelFruits)
		require.NoError(t, err)
		assert.True(t, changed)
		changed, err = alerts.SetPrediction(ctx, second.ID, models.LabelOthers)
		require.NoError(t, err)
		assert.False(t, changed)

		got, err := alerts.GetByID(ctx, second.ID)
		require.NoError(t, err)
		require.NotNil(t, got.Prediction)
		assert.Equal(t, models.LabelFruits, *got.Prediction)
		assert.Equal(t, handle, *got.ImageRef)

		claimed, err := alerts.MarkCollected(ctx, first.ID)
		require.NoError(t, err)
		assert.True(t, claimed)
		claimed, err = alerts.MarkCollected(ctx, first.ID)
		require.NoError(t, err)
		assert.False(t, claimed)

		open, err := alerts.ListOpen(ctx)
		require.NoError(t, err)
		require.Len(t, open, 1)
		assert.Equal(t, second.ID, open[0].ID)

		// откат collected запрещен на уровне базы
		_, err = pool.Exec(ctx, `UPDATE alerts SET collected = FALSE WHERE id = $1`, first.ID)
		assert.Error(t, err)

		require.NoError(t, alerts.Delete(ctx, first.ID))
		assert.ErrorIs(t, alerts.Delete(ctx, first.ID), models.ErrNotFound)
		_, err = alerts.MarkCollected(ctx, first.ID)
		assert.ErrorIs(t, err, models.ErrNotFound)
		_, err = alerts.GetByID(ctx, first.ID)
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("concurrent claims", func(t *testing.T) {
		alert := newAlert(ana.ID, "race")
		require.NoError(t, alerts.Create(ctx, alert))

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners int
		)
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				claimed, err := alerts.MarkCollected(ctx, alert.ID)
				assert.NoError(t, err)
				if claimed {
					mu.Lock()
					winners++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, winners)
	})
}

func TestRedisStores(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()

	t.Run("alert cache", func(t *testing.T) {
		repo := NewAlertRepository(nil, client, time.Minute).(*AlertRepository)
		alert := newAlert(uuid.New(), "cached")

		got, err := repo.GetAlertFromCache(ctx, alert.ID)
		require.NoError(t, err)
		assert.Nil(t, got)

		require.NoError(t, repo.SetAlertCache(ctx, alert))
		got, err = repo.GetAlertFromCache(ctx, alert.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, alert.Description, got.Description)

		require.NoError(t, repo.InvalidateAlertCache(ctx, alert.ID))
		got, err = repo.GetAlertFromCache(ctx, alert.ID)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("sessions", func(t *testing.T) {
		store := NewSessionRepository(client)
		actor := &models.Actor{SessionID: uuid.New(), AccountID: uuid.New(), Name: "Raj", Role: models.RoleCollector}

		require.NoError(t, store.Save(ctx, actor, time.Minute))
		got, err := store.Get(ctx, actor.SessionID)
		require.NoError(t, err)
		assert.Equal(t, actor, got)

		require.NoError(t, store.Delete(ctx, actor.SessionID))
		got, err = store.Get(ctx, actor.SessionID)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("reclassify queue", func(t *testing.T) {
		queue := reclassify.NewRedisQueue(client)

		payload, err := queue.Pop(ctx, 100*time.Millisecond)
		require.NoError(t, err)
		assert.Nil(t, payload)

		require.NoError(t, queue.Push(ctx, []byte("first")))
		require.NoError(t, queue.Push(ctx, []byte("second")))

		payload, err = queue.Pop(ctx, time.Second)
		require.NoError(t, err)
		assert.Equal(t, []byte("first"), payload)
	})
}
