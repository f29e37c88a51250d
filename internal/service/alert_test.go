package service

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shenikar/food_alert_system/internal/classifier"
	"github.com/shenikar/food_alert_system/internal/config"
	"github.com/shenikar/food_alert_system/internal/models"
	"github.com/shenikar/food_alert_system/internal/reclassify"
	"github.com/shenikar/food_alert_system/internal/service/mocks"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type alertMocks struct {
	repo       *mocks.MockAlertRepository
	images     *mocks.MockImageStore
	classifier *mocks.MockClassifier
	publisher  *mocks.MockReclassifyPublisher
}

func newTestConfig() *config.Config {
	return &config.Config{
		MaxUploadBytes:        1 << 20,
		ClassifierTimeout:     time.Second,
		ReclassifyEnabled:     true,
		ReclassifyMaxAttempts: 3,
	}
}

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(&bytes.Buffer{}) // Отключаем вывод логов в тестах
	return logger
}

// newTestAlertService - вспомогательная функция для создания инстанса сервиса с моками.
func newTestAlertService(t *testing.T) (*alertService, alertMocks) {
	ctrl := gomock.NewController(t)
	m := alertMocks{
		repo:       mocks.NewMockAlertRepository(ctrl),
		images:     mocks.NewMockImageStore(ctrl),
		classifier: mocks.NewMockClassifier(ctrl),
		publisher:  mocks.NewMockReclassifyPublisher(ctrl),
	}

	service := NewAlertService(m.repo, m.images, m.classifier, m.publisher, nil, newTestLogger(), newTestConfig())
	return service.(*alertService), m
}

func newProducer() *models.Actor {
	return &models.Actor{SessionID: uuid.New(), AccountID: uuid.New(), Name: "Ana", Role: models.RoleProducer}
}

func newCollector(name string) *models.Actor {
	return &models.Actor{SessionID: uuid.New(), AccountID: uuid.New(), Name: name, Role: models.RoleCollector}
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4))))
	return buf.Bytes()
}

func riceTrays() models.NewAlert {
	return models.NewAlert{
		Description: "10 rice trays",
		Quantity:    "10 trays",
		Location:    "Canteen B",
	}
}

func TestCreateAlert_WithoutImage(t *testing.T) {
	// Подготовка
	service, m := newTestAlertService(t)
	ctx := context.Background()
	producer := newProducer()

	// Ожидания
	m.repo.EXPECT().
		Create(ctx, gomock.Any()).
		DoAndReturn(func(_ context.Context, alert *models.Alert) error {
			assert.Equal(t, producer.AccountID, alert.OwnerID)
			assert.Equal(t, uuid.Version(7), alert.ID.Version())
			alert.CreatedAt = time.Now()
			return nil
		}).
		Times(1)

	// Действие
	result, err := service.CreateAlert(ctx, producer, riceTrays())

	// Проверки
	require.NoError(t, err)
	assert.Empty(t, result.Warning)
	assert.False(t, result.Alert.Collected)
	assert.Nil(t, result.Alert.ImageRef)
	assert.Nil(t, result.Alert.Prediction)
	assert.Equal(t, "Canteen B", result.Alert.Location)
}

func TestCreateAlert_CollectorForbidden(t *testing.T) {
	service, _ := newTestAlertService(t)

	// репозиторий не должен вызываться: у моков нет ожиданий
	result, err := service.CreateAlert(context.Background(), newCollector("Raj"), riceTrays())

	assert.Nil(t, result)
	assert.ErrorIs(t, err, ErrForbidden)
	assert.True(t, IsAuthError(err))
}

func TestCreateAlert_Unauthenticated(t *testing.T) {
	service, _ := newTestAlertService(t)

	_, err := service.CreateAlert(context.Background(), nil, riceTrays())

	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestCreateAlert_Validation(t *testing.T) {
	service, _ := newTestAlertService(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		req   models.NewAlert
		field string
	}{
		{"blank description", models.NewAlert{Description: "   ", Quantity: "1", Location: "B"}, "description"},
		{"blank quantity", models.NewAlert{Description: "rice", Quantity: "\t", Location: "B"}, "quantity"},
		{"blank location", models.NewAlert{Description: "rice", Quantity: "1", Location: ""}, "location"},
		{"long location", models.NewAlert{Description: "rice", Quantity: "1", Location: string(make([]byte, 101))}, "location"},
		{"empty image", models.NewAlert{Description: "rice", Quantity: "1", Location: "B", Image: &models.Upload{Filename: "a.png"}}, "image"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := service.CreateAlert(ctx, newProducer(), tt.req)

			require.ErrorIs(t, err, ErrValidation)
			var vErr *ValidationError
			require.True(t, errors.As(err, &vErr))
			assert.Equal(t, tt.field, vErr.Field)
		})
	}
}

func TestCreateAlert_ImageTooLarge(t *testing.T) {
	service, _ := newTestAlertService(t)
	service.cfg.MaxUploadBytes = 16
	req := riceTrays()
	req.Image = &models.Upload{Filename: "big.png", Data: pngBytes(t)}

	_, err := service.CreateAlert(context.Background(), newProducer(), req)

	assert.ErrorIs(t, err, ErrValidation)
}

func TestCreateAlert_WithImage_Classified(t *testing.T) {
	// Подготовка
	service, m := newTestAlertService(t)
	ctx := context.Background()
	data := pngBytes(t)
	req := riceTrays()
	req.Image = &models.Upload{Filename: "fruit.png", Data: data}
	handle := "1700000000_0a1b2c3d_fruit.png"

	// Ожидания
	m.images.EXPECT().Save(ctx, data, "fruit.png").Return(handle, nil).Times(1)
	m.repo.EXPECT().
		Create(ctx, gomock.Any()).
		DoAndReturn(func(_ context.Context, alert *models.Alert) error {
			require.NotNil(t, alert.ImageRef)
			assert.Equal(t, handle, *alert.ImageRef)
			assert.Nil(t, alert.Prediction)
			return nil
		}).
		Times(1)
	m.classifier.EXPECT().Classify(gomock.Any(), data).Return(models.LabelFruits, nil).Times(1)
	m.repo.EXPECT().SetPrediction(ctx, gomock.Any(), models.LabelFruits).Return(true, nil).Times(1)
	m.repo.EXPECT().InvalidateAlertCache(ctx, gomock.Any()).Return(nil).Times(1)

	// Действие
	result, err := service.CreateAlert(ctx, newProducer(), req)

	// Проверки
	require.NoError(t, err)
	assert.Empty(t, result.Warning)
	require.NotNil(t, result.Alert.Prediction)
	assert.Equal(t, models.LabelFruits, *result.Alert.Prediction)
	assert.Equal(t, handle, *result.Alert.ImageRef)
}

func TestCreateAlert_UnreadableImageIsWarning(t *testing.T) {
	// Подготовка
	service, m := newTestAlertService(t)
	ctx := context.Background()
	req := riceTrays()
	req.Image = &models.Upload{Filename: "broken.png", Data: pngBytes(t)}

	// Ожидания: повторная классификация не ставится, изображение не читается
	m.images.EXPECT().Save(ctx, gomock.Any(), "broken.png").Return("h_broken.png", nil).Times(1)
	m.repo.EXPECT().Create(ctx, gomock.Any()).Return(nil).Times(1)
	m.classifier.EXPECT().Classify(gomock.Any(), gomock.Any()).Return(models.Label(""), classifier.ErrUnreadableImage).Times(1)

	// Действие
	result, err := service.CreateAlert(ctx, newProducer(), req)

	// Проверки
	require.NoError(t, err)
	assert.NotEmpty(t, result.Warning)
	assert.ErrorIs(t, result.ClassificationErr, classifier.ErrUnreadableImage)
	require.NotNil(t, result.Alert.ImageRef)
	assert.Nil(t, result.Alert.Prediction)
}

func TestCreateAlert_ClassifierTimeoutQueuesReclassify(t *testing.T) {
	// Подготовка
	service, m := newTestAlertService(t)
	service.cfg.ClassifierTimeout = 20 * time.Millisecond
	ctx := context.Background()
	req := riceTrays()
	req.Image = &models.Upload{Filename: "slow.png", Data: pngBytes(t)}
	var alertID uuid.UUID

	// Ожидания
	m.images.EXPECT().Save(ctx, gomock.Any(), "slow.png").Return("h_slow.png", nil).Times(1)
	m.repo.EXPECT().
		Create(ctx, gomock.Any()).
		DoAndReturn(func(_ context.Context, alert *models.Alert) error {
			alertID = alert.ID
			return nil
		}).
		Times(1)
	m.classifier.EXPECT().
		Classify(gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ []byte) (models.Label, error) {
			<-ctx.Done()
			return "", ctx.Err()
		}).
		Times(1)
	m.publisher.EXPECT().
		Publish(ctx, gomock.Any()).
		DoAndReturn(func(_ context.Context, job reclassify.Job) error {
			assert.Equal(t, alertID, job.AlertID)
			assert.Zero(t, job.Attempt)
			return nil
		}).
		Times(1)

	// Действие
	start := time.Now()
	result, err := service.CreateAlert(ctx, newProducer(), req)

	// Проверки
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.ErrorIs(t, result.ClassificationErr, classifier.ErrTimeout)
	assert.NotEmpty(t, result.Warning)
	assert.Nil(t, result.Alert.Prediction)
}

func TestCreateAlert_UnknownLabelIsWarning(t *testing.T) {
	service, m := newTestAlertService(t)
	service.cfg.ReclassifyEnabled = false
	ctx := context.Background()
	req := riceTrays()
	req.Image = &models.Upload{Filename: "a.png", Data: pngBytes(t)}

	m.images.EXPECT().Save(ctx, gomock.Any(), "a.png").Return("h_a.png", nil).Times(1)
	m.repo.EXPECT().Create(ctx, gomock.Any()).Return(nil).Times(1)
	m.classifier.EXPECT().Classify(gomock.Any(), gomock.Any()).Return(models.Label("pizza"), nil).Times(1)

	result, err := service.CreateAlert(ctx, newProducer(), req)

	require.NoError(t, err)
	assert.Error(t, result.ClassificationErr)
	assert.Nil(t, result.Alert.Prediction)
}

func TestCreateAlert_WithoutClassifier(t *testing.T) {
	ctrl := gomock.NewController(t)
	repoMock := mocks.NewMockAlertRepository(ctrl)
	imagesMock := mocks.NewMockImageStore(ctrl)
	service := NewAlertService(repoMock, imagesMock, nil, nil, nil, newTestLogger(), newTestConfig())
	ctx := context.Background()
	req := riceTrays()
	req.Image = &models.Upload{Filename: "a.png", Data: pngBytes(t)}

	imagesMock.EXPECT().Save(ctx, gomock.Any(), "a.png").Return("h_a.png", nil).Times(1)
	repoMock.EXPECT().Create(ctx, gomock.Any()).Return(nil).Times(1)

	result, err := service.CreateAlert(ctx, newProducer(), req)

	require.NoError(t, err)
	assert.Equal(t, warnNoClassifier, result.Warning)
	assert.Nil(t, result.Alert.Prediction)
}

func TestCreateAlert_InsertFailureRemovesImage(t *testing.T) {
	// Подготовка
	service, m := newTestAlertService(t)
	ctx := context.Background()
	req := riceTrays()
	req.Image = &models.Upload{Filename: "a.png", Data: pngBytes(t)}

	// Ожидания
	m.images.EXPECT().Save(ctx, gomock.Any(), "a.png").Return("h_a.png", nil).Times(1)
	m.repo.EXPECT().Create(ctx, gomock.Any()).Return(errors.New("db down")).Times(1)
	m.images.EXPECT().Remove(gomock.Any(), "h_a.png").Return(nil).Times(1)

	// Действие
	result, err := service.CreateAlert(ctx, newProducer(), req)

	// Проверки
	require.Error(t, err)
	assert.Nil(t, result)
}

func TestCreateAlert_PredictionUpdateFailureIsWarning(t *testing.T) {
	service, m := newTestAlertService(t)
	ctx := context.Background()
	req := riceTrays()
	req.Image = &models.Upload{Filename: "a.png", Data: pngBytes(t)}

	m.images.EXPECT().Save(ctx, gomock.Any(), "a.png").Return("h_a.png", nil).Times(1)
	m.repo.EXPECT().Create(ctx, gomock.Any()).Return(nil).Times(1)
	m.classifier.EXPECT().Classify(gomock.Any(), gomock.Any()).Return(models.LabelVegetables, nil).Times(1)
	m.repo.EXPECT().SetPrediction(ctx, gomock.Any(), models.LabelVegetables).Return(false, errors.New("db down")).Times(1)
	m.publisher.EXPECT().Publish(ctx, gomock.Any()).Return(nil).Times(1)

	result, err := service.CreateAlert(ctx, newProducer(), req)

	require.NoError(t, err)
	assert.NotEmpty(t, result.Warning)
	assert.Nil(t, result.Alert.Prediction)
}

func TestListAlerts_RoleGate(t *testing.T) {
	service, m := newTestAlertService(t)
	ctx := context.Background()
	producer := newProducer()
	collector := newCollector("Raj")
	own := []*models.Alert{{ID: uuid.New(), OwnerID: producer.AccountID}}

	m.repo.EXPECT().ListByOwner(ctx, producer.AccountID).Return(own, nil).Times(1)
	m.repo.EXPECT().ListOpen(ctx).Return(own, nil).Times(1)

	alerts, err := service.ListOwnAlerts(ctx, producer)
	require.NoError(t, err)
	assert.Equal(t, own, alerts)

	alerts, err = service.ListOpenAlerts(ctx, collector)
	require.NoError(t, err)
	assert.Equal(t, own, alerts)

	_, err = service.ListOwnAlerts(ctx, collector)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = service.ListOpenAlerts(ctx, producer)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestGetAlert_FromCache(t *testing.T) {
	// Подготовка
	service, m := newTestAlertService(t)
	ctx := context.Background()
	producer := newProducer()
	expected := &models.Alert{ID: uuid.New(), OwnerID: producer.AccountID, Description: "из кеша"}

	// Ожидания
	m.repo.EXPECT().GetAlertFromCache(ctx, expected.ID).Return(expected, nil).Times(1)

	// Действие
	alert, err := service.GetAlert(ctx, producer, expected.ID)

	// Проверки
	require.NoError(t, err)
	assert.Equal(t, expected, alert)
}

func TestGetAlert_FromDB(t *testing.T) {
	// Подготовка
	service, m := newTestAlertService(t)
	ctx := context.Background()
	expected := &models.Alert{ID: uuid.New(), OwnerID: uuid.New(), Description: "из БД", Collected: true}

	// Ожидания
	// 1. Промах кеша
	m.repo.EXPECT().GetAlertFromCache(ctx, expected.ID).Return(nil, nil).Times(1)
	// 2. Попадание в БД
	m.repo.EXPECT().GetByID(ctx, expected.ID).Return(expected, nil).Times(1)
	// 3. Запись в кеш
	m.repo.EXPECT().SetAlertCache(ctx, expected).Return(nil).Times(1)

	// Действие
	alert, err := service.GetAlert(ctx, newCollector("Raj"), expected.ID)

	// Проверки
	require.NoError(t, err)
	assert.Equal(t, expected, alert)
}

func TestGetAlert_OpenAlertIsNotCached(t *testing.T) {
	service, m := newTestAlertService(t)
	ctx := context.Background()
	label := models.LabelFruits
	handle := "h_a.png"
	open := &models.Alert{ID: uuid.New(), OwnerID: uuid.New()}
	unclassified := &models.Alert{ID: uuid.New(), OwnerID: uuid.New(), Collected: true, ImageRef: &handle}
	classified := &models.Alert{ID: uuid.New(), OwnerID: uuid.New(), Collected: true, ImageRef: &handle, Prediction: &label}

	// Ожидания: в кеш попадает только объявление в конечном состоянии
	for _, alert := range []*models.Alert{open, unclassified, classified} {
		m.repo.EXPECT().GetAlertFromCache(ctx, alert.ID).Return(nil, nil).Times(1)
		m.repo.EXPECT().GetByID(ctx, alert.ID).Return(alert, nil).Times(1)
	}
	m.repo.EXPECT().SetAlertCache(ctx, classified).Return(nil).Times(1)

	for _, alert := range []*models.Alert{open, unclassified, classified} {
		got, err := service.GetAlert(ctx, newCollector("Raj"), alert.ID)
		require.NoError(t, err)
		assert.Equal(t, alert, got)
	}
}

func TestGetAlert_ClaimedAlertIsNotServedStale(t *testing.T) {
	// Подготовка: кеш в памяти поверх хранилища в памяти
	repo := &cachingAlertRepo{memAlertRepo: newMemAlertRepo(), cache: make(map[uuid.UUID]models.Alert)}
	service := NewAlertService(repo, nil, nil, nil, nil, newTestLogger(), newTestConfig())
	ctx := context.Background()
	raj := newCollector("Raj")

	created, err := service.CreateAlert(ctx, newProducer(), riceTrays())
	require.NoError(t, err)
	id := created.Alert.ID

	// Действие: чтение открытого объявления, затем заявка
	before, err := service.GetAlert(ctx, raj, id)
	require.NoError(t, err)
	assert.False(t, before.Collected)
	_, err = service.Claim(ctx, raj, id)
	require.NoError(t, err)

	// Проверки: запись в кеш от чтения до заявки не могла появиться
	assert.Empty(t, repo.cached())
	after, err := service.GetAlert(ctx, raj, id)
	require.NoError(t, err)
	assert.True(t, after.Collected)
	assert.Len(t, repo.cached(), 1)
}

func TestGetAlert_CacheErrorFallsBackToDB(t *testing.T) {
	service, m := newTestAlertService(t)
	ctx := context.Background()
	expected := &models.Alert{ID: uuid.New(), OwnerID: uuid.New(), Collected: true}

	m.repo.EXPECT().GetAlertFromCache(ctx, expected.ID).Return(nil, errors.New("redis down")).Times(1)
	m.repo.EXPECT().GetByID(ctx, expected.ID).Return(expected, nil).Times(1)
	m.repo.EXPECT().SetAlertCache(ctx, expected).Return(errors.New("redis down")).Times(1)

	alert, err := service.GetAlert(ctx, newCollector("Raj"), expected.ID)

	require.NoError(t, err)
	assert.Equal(t, expected, alert)
}

func TestGetAlert_ForeignProducerForbidden(t *testing.T) {
	service, m := newTestAlertService(t)
	ctx := context.Background()
	alert := &models.Alert{ID: uuid.New(), OwnerID: uuid.New()}

	m.repo.EXPECT().GetAlertFromCache(ctx, alert.ID).Return(alert, nil).Times(1)

	_, err := service.GetAlert(ctx, newProducer(), alert.ID)

	assert.ErrorIs(t, err, ErrForbidden)
}

func TestGetAlert_NotFound(t *testing.T) {
	service, m := newTestAlertService(t)
	ctx := context.Background()
	id := uuid.New()

	m.repo.EXPECT().GetAlertFromCache(ctx, id).Return(nil, nil).Times(1)
	m.repo.EXPECT().GetByID(ctx, id).Return(nil, models.ErrNotFound).Times(1)

	_, err := service.GetAlert(ctx, newCollector("Raj"), id)

	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpenImage(t *testing.T) {
	service, m := newTestAlertService(t)
	ctx := context.Background()
	handle := "h_a.png"
	withImage := &models.Alert{ID: uuid.New(), OwnerID: uuid.New(), ImageRef: &handle}
	withoutImage := &models.Alert{ID: uuid.New(), OwnerID: uuid.New()}
	collector := newCollector("Raj")

	m.repo.EXPECT().GetAlertFromCache(ctx, withImage.ID).Return(withImage, nil).Times(1)
	m.images.EXPECT().Open(ctx, handle).Return(io.NopCloser(bytes.NewReader([]byte("png"))), nil).Times(1)
	m.repo.EXPECT().GetAlertFromCache(ctx, withoutImage.ID).Return(withoutImage, nil).Times(1)

	rc, err := service.OpenImage(ctx, collector, withImage.ID)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), data)
	require.NoError(t, rc.Close())

	_, err = service.OpenImage(ctx, collector, withoutImage.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClaim_IsIdempotent(t *testing.T) {
	// Подготовка
	service, m := newTestAlertService(t)
	ctx := context.Background()
	id := uuid.New()

	// Ожидания
	gomock.InOrder(
		m.repo.EXPECT().MarkCollected(ctx, id).Return(true, nil),
		m.repo.EXPECT().InvalidateAlertCache(ctx, id).Return(nil),
		m.repo.EXPECT().MarkCollected(ctx, id).Return(false, nil),
	)

	// Действие
	first, err := service.Claim(ctx, newCollector("Raj"), id)
	require.NoError(t, err)
	second, err := service.Claim(ctx, newCollector("Sam"), id)
	require.NoError(t, err)

	// Проверки
	assert.True(t, first.Claimed)
	assert.False(t, second.Claimed)
	assert.Equal(t, id, second.AlertID)
}

func TestClaim_Errors(t *testing.T) {
	service, m := newTestAlertService(t)
	ctx := context.Background()
	id := uuid.New()

	m.repo.EXPECT().MarkCollected(ctx, id).Return(false, models.ErrNotFound).Times(1)

	_, err := service.Claim(ctx, newCollector("Raj"), id)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = service.Claim(ctx, newProducer(), id)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestMarkCollected_Owner(t *testing.T) {
	service, m := newTestAlertService(t)
	ctx := context.Background()
	producer := newProducer()
	alert := &models.Alert{ID: uuid.New(), OwnerID: producer.AccountID}

	m.repo.EXPECT().GetAlertFromCache(ctx, alert.ID).Return(alert, nil).Times(2)
	m.repo.EXPECT().MarkCollected(ctx, alert.ID).Return(true, nil).Times(1)
	m.repo.EXPECT().InvalidateAlertCache(ctx, alert.ID).Return(nil).Times(1)
	m.repo.EXPECT().MarkCollected(ctx, alert.ID).Return(false, nil).Times(1)

	require.NoError(t, service.MarkCollected(ctx, producer, alert.ID))
	require.NoError(t, service.MarkCollected(ctx, producer, alert.ID))
}

func TestMarkCollected_NotOwner(t *testing.T) {
	// Подготовка
	service, m := newTestAlertService(t)
	ctx := context.Background()
	alert := &models.Alert{ID: uuid.New(), OwnerID: uuid.New()}

	// Ожидания: MarkCollected в репозитории не вызывается
	m.repo.EXPECT().GetAlertFromCache(ctx, alert.ID).Return(nil, nil).Times(1)
	m.repo.EXPECT().GetByID(ctx, alert.ID).Return(alert, nil).Times(1)

	// Действие
	err := service.MarkCollected(ctx, newProducer(), alert.ID)

	// Проверки
	assert.ErrorIs(t, err, ErrForbidden)
	assert.True(t, IsAuthError(err))
}

func TestDeleteAlert_ReleasesImage(t *testing.T) {
	// Подготовка
	service, m := newTestAlertService(t)
	ctx := context.Background()
	producer := newProducer()
	handle := "h_a.png"
	alert := &models.Alert{ID: uuid.New(), OwnerID: producer.AccountID, ImageRef: &handle}

	// Ожидания
	m.repo.EXPECT().GetAlertFromCache(ctx, alert.ID).Return(alert, nil).Times(1)
	m.repo.EXPECT().Delete(ctx, alert.ID).Return(nil).Times(1)
	m.repo.EXPECT().InvalidateAlertCache(ctx, alert.ID).Return(nil).Times(1)
	m.images.EXPECT().Remove(gomock.Any(), handle).Return(nil).Times(1)

	// Действие
	err := service.DeleteAlert(ctx, producer, alert.ID)

	// Проверки
	require.NoError(t, err)
}

func TestDeleteAlert_ImageRemovalFailureIsNotFatal(t *testing.T) {
	service, m := newTestAlertService(t)
	ctx := context.Background()
	producer := newProducer()
	handle := "h_a.png"
	alert := &models.Alert{ID: uuid.New(), OwnerID: producer.AccountID, ImageRef: &handle}

	m.repo.EXPECT().GetAlertFromCache(ctx, alert.ID).Return(alert, nil).Times(1)
	m.repo.EXPECT().Delete(ctx, alert.ID).Return(nil).Times(1)
	m.repo.EXPECT().InvalidateAlertCache(ctx, alert.ID).Return(nil).Times(1)
	m.images.EXPECT().Remove(gomock.Any(), handle).Return(errors.New("permission denied")).Times(1)

	err := service.DeleteAlert(ctx, producer, alert.ID)

	require.NoError(t, err)
}

func TestDeleteAlert_NotOwnerLeavesAlert(t *testing.T) {
	service, m := newTestAlertService(t)
	ctx := context.Background()
	alert := &models.Alert{ID: uuid.New(), OwnerID: uuid.New()}

	// Delete в репозитории не вызывается
	m.repo.EXPECT().GetAlertFromCache(ctx, alert.ID).Return(alert, nil).Times(1)

	err := service.DeleteAlert(ctx, newProducer(), alert.ID)

	assert.ErrorIs(t, err, ErrForbidden)
}

func TestDeleteAlert_NotFound(t *testing.T) {
	service, m := newTestAlertService(t)
	ctx := context.Background()
	id := uuid.New()

	m.repo.EXPECT().GetAlertFromCache(ctx, id).Return(nil, nil).Times(1)
	m.repo.EXPECT().GetByID(ctx, id).Return(nil, models.ErrNotFound).Times(1)

	err := service.DeleteAlert(ctx, newProducer(), id)

	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteAlert_CollectorForbidden(t *testing.T) {
	service, _ := newTestAlertService(t)

	err := service.DeleteAlert(context.Background(), newCollector("Raj"), uuid.New())

	assert.ErrorIs(t, err, ErrForbidden)
}

func TestClassifyImage(t *testing.T) {
	service, m := newTestAlertService(t)
	ctx := context.Background()
	data := pngBytes(t)

	m.classifier.EXPECT().Classify(gomock.Any(), data).Return(models.LabelCookedFood, nil).Times(1)
	m.classifier.EXPECT().Classify(gomock.Any(), data).Return(models.Label(""), classifier.ErrModelUnavailable).Times(1)

	label, err := service.ClassifyImage(ctx, newCollector("Raj"), models.Upload{Filename: "a.png", Data: data})
	require.NoError(t, err)
	assert.Equal(t, models.LabelCookedFood, label)

	_, err = service.ClassifyImage(ctx, newProducer(), models.Upload{Filename: "a.png", Data: data})
	assert.ErrorIs(t, err, classifier.ErrModelUnavailable)

	_, err = service.ClassifyImage(ctx, nil, models.Upload{Filename: "a.png", Data: data})
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestClassifyImage_RejectsUnknownFormat(t *testing.T) {
	service, _ := newTestAlertService(t)

	// классификатор не вызывается: у мока нет ожиданий
	_, err := service.ClassifyImage(context.Background(), newCollector("Raj"), models.Upload{Filename: "a.jpg", Data: []byte("hello world")})

	require.ErrorIs(t, err, ErrValidation)
	var vErr *ValidationError
	require.True(t, errors.As(err, &vErr))
	assert.Equal(t, "image", vErr.Field)
}

func TestReclassifyAlert(t *testing.T) {
	// Подготовка
	service, m := newTestAlertService(t)
	ctx := context.Background()
	data := pngBytes(t)
	handle := "h_a.png"
	alert := &models.Alert{ID: uuid.New(), OwnerID: uuid.New(), ImageRef: &handle}

	// Ожидания
	m.repo.EXPECT().GetByID(ctx, alert.ID).Return(alert, nil).Times(1)
	m.images.EXPECT().Open(ctx, handle).Return(io.NopCloser(bytes.NewReader(data)), nil).Times(1)
	m.classifier.EXPECT().Classify(gomock.Any(), data).Return(models.LabelVegetables, nil).Times(1)
	m.repo.EXPECT().SetPrediction(ctx, alert.ID, models.LabelVegetables).Return(true, nil).Times(1)
	m.repo.EXPECT().InvalidateAlertCache(ctx, alert.ID).Return(nil).Times(1)

	// Действие
	err := service.ReclassifyAlert(ctx, alert.ID)

	// Проверки
	require.NoError(t, err)
}

func TestReclassifyAlert_Skips(t *testing.T) {
	service, m := newTestAlertService(t)
	ctx := context.Background()
	label := models.LabelFruits
	handle := "h_a.png"
	classified := &models.Alert{ID: uuid.New(), ImageRef: &handle, Prediction: &label}
	deleted := uuid.New()

	m.repo.EXPECT().GetByID(ctx, classified.ID).Return(classified, nil).Times(1)
	m.repo.EXPECT().GetByID(ctx, deleted).Return(nil, models.ErrNotFound).Times(1)

	assert.NoError(t, service.ReclassifyAlert(ctx, classified.ID))
	assert.NoError(t, service.ReclassifyAlert(ctx, deleted))
}

func TestReclassifyAlert_ReturnsClassificationError(t *testing.T) {
	service, m := newTestAlertService(t)
	ctx := context.Background()
	handle := "h_a.png"
	alert := &models.Alert{ID: uuid.New(), ImageRef: &handle}

	m.repo.EXPECT().GetByID(ctx, alert.ID).Return(alert, nil).Times(1)
	m.images.EXPECT().Open(ctx, handle).Return(io.NopCloser(bytes.NewReader(pngBytes(t))), nil).Times(1)
	m.classifier.EXPECT().Classify(gomock.Any(), gomock.Any()).Return(models.Label(""), classifier.ErrModelUnavailable).Times(1)

	err := service.ReclassifyAlert(ctx, alert.ID)

	assert.ErrorIs(t, err, classifier.ErrModelUnavailable)
}

// memAlertRepo - хранилище в памяти с теми же гарантиями, что и Postgres-репозиторий
type memAlertRepo struct {
	mu     sync.Mutex
	alerts map[uuid.UUID]models.Alert
	clock  time.Time
}

func newMemAlertRepo() *memAlertRepo {
	return &memAlertRepo{
		alerts: make(map[uuid.UUID]models.Alert),
		clock:  time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (r *memAlertRepo) Create(_ context.Context, alert *models.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.alerts[alert.ID]; ok {
		return models.ErrDuplicate
	}
	r.clock = r.clock.Add(time.Second)
	alert.CreatedAt = r.clock
	r.alerts[alert.ID] = *alert
	return nil
}

func (r *memAlertRepo) GetByID(_ context.Context, id uuid.UUID) (*models.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	alert, ok := r.alerts[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &alert, nil
}

func (r *memAlertRepo) list(keep func(models.Alert) bool) []*models.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]*models.Alert, 0)
	for _, alert := range r.alerts {
		if keep(alert) {
			a := alert
			result = append(result, &a)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return bytes.Compare(result[i].ID[:], result[j].ID[:]) > 0
	})
	return result
}

func (r *memAlertRepo) ListByOwner(_ context.Context, ownerID uuid.UUID) ([]*models.Alert, error) {
	return r.list(func(a models.Alert) bool { return a.OwnerID == ownerID }), nil
}

func (r *memAlertRepo) ListOpen(_ context.Context) ([]*models.Alert, error) {
	return r.list(func(a models.Alert) bool { return !a.Collected }), nil
}

func (r *memAlertRepo) MarkCollected(_ context.Context, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	alert, ok := r.alerts[id]
	if !ok {
		return false, models.ErrNotFound
	}
	if alert.Collected {
		return false, nil
	}
	alert.Collected = true
	r.alerts[id] = alert
	return true, nil
}

func (r *memAlertRepo) SetPrediction(_ context.Context, id uuid.UUID, label models.Label) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	alert, ok := r.alerts[id]
	if !ok {
		return false, models.ErrNotFound
	}
	if !alert.HasImage() || alert.Prediction != nil {
		return false, nil
	}
	alert.Prediction = &label
	r.alerts[id] = alert
	return true, nil
}

func (r *memAlertRepo) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.alerts[id]; !ok {
		return models.ErrNotFound
	}
	delete(r.alerts, id)
	return nil
}

func (r *memAlertRepo) GetAlertFromCache(context.Context, uuid.UUID) (*models.Alert, error) {
	return nil, nil
}

func (r *memAlertRepo) SetAlertCache(context.Context, *models.Alert) error { return nil }

func (r *memAlertRepo) InvalidateAlertCache(context.Context, uuid.UUID) error { return nil }

// cachingAlertRepo добавляет к memAlertRepo кеш объявлений
type cachingAlertRepo struct {
	*memAlertRepo
	cacheMu sync.Mutex
	cache   map[uuid.UUID]models.Alert
}

func (r *cachingAlertRepo) GetAlertFromCache(_ context.Context, id uuid.UUID) (*models.Alert, error) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	alert, ok := r.cache[id]
	if !ok {
		return nil, nil
	}
	return &alert, nil
}

func (r *cachingAlertRepo) SetAlertCache(_ context.Context, alert *models.Alert) error {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	r.cache[alert.ID] = *alert
	return nil
}

func (r *cachingAlertRepo) InvalidateAlertCache(_ context.Context, id uuid.UUID) error {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	delete(r.cache, id)
	return nil
}

func (r *cachingAlertRepo) cached() []uuid.UUID {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	ids := make([]uuid.UUID, 0, len(r.cache))
	for id := range r.cache {
		ids = append(ids, id)
	}
	return ids
}

func TestLifecycle_CreateListClaim(t *testing.T) {
	repo := newMemAlertRepo()
	service := NewAlertService(repo, nil, nil, nil, nil, newTestLogger(), newTestConfig())
	ctx := context.Background()
	ana := newProducer()
	raj := newCollector("Raj")
	sam := newCollector("Sam")

	// Ana публикует объявление без изображения
	created, err := service.CreateAlert(ctx, ana, riceTrays())
	require.NoError(t, err)
	alert := created.Alert
	assert.False(t, alert.Collected)
	assert.Nil(t, alert.Prediction)
	assert.Nil(t, alert.ImageRef)

	own, err := service.ListOwnAlerts(ctx, ana)
	require.NoError(t, err)
	require.Len(t, own, 1)
	assert.Equal(t, alert.ID, own[0].ID)

	open, err := service.ListOpenAlerts(ctx, raj)
	require.NoError(t, err)
	require.Len(t, open, 1)

	// Raj забирает, повторная заявка Sam ничего не меняет
	first, err := service.Claim(ctx, raj, alert.ID)
	require.NoError(t, err)
	assert.True(t, first.Claimed)

	second, err := service.Claim(ctx, sam, alert.ID)
	require.NoError(t, err)
	assert.False(t, second.Claimed)

	open, err = service.ListOpenAlerts(ctx, sam)
	require.NoError(t, err)
	assert.Empty(t, open)

	stored, err := repo.GetByID(ctx, alert.ID)
	require.NoError(t, err)
	assert.True(t, stored.Collected)

	// MarkCollected не возвращает объявление в open
	require.NoError(t, service.MarkCollected(ctx, ana, alert.ID))
	stored, err = repo.GetByID(ctx, alert.ID)
	require.NoError(t, err)
	assert.True(t, stored.Collected)
}

// memImageStore - хранилище изображений в памяти
type memImageStore struct {
	mu     sync.Mutex
	images map[string][]byte
}

func newMemImageStore() *memImageStore {
	return &memImageStore{images: make(map[string][]byte)}
}

func (s *memImageStore) Save(_ context.Context, data []byte, nameHint string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	handle := uuid.NewString() + "_" + nameHint
	s.images[handle] = append([]byte(nil), data...)
	return handle, nil
}

func (s *memImageStore) Open(_ context.Context, handle string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.images[handle]
	if !ok {
		return nil, models.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *memImageStore) Remove(_ context.Context, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.images, handle)
	return nil
}

// decodingClassifier декодирует изображение так же, как TFLite-классификатор, и всегда возвращает others
type decodingClassifier struct{}

func (decodingClassifier) Classify(_ context.Context, image []byte) (models.Label, error) {
	if _, err := classifier.ToTensor(image, classifier.InputSize); err != nil {
		return "", err
	}
	return models.LabelOthers, nil
}

func TestLifecycle_UndecodableImageCreatesAlert(t *testing.T) {
	valid := pngBytes(t)

	tests := []struct {
		name     string
		filename string
		data     []byte
	}{
		{"truncated png", "tray.png", valid[:len(valid)/2]},
		{"non-image jpg", "photo.jpg", []byte("corrupted bytes, not decodable")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Подготовка
			repo := newMemAlertRepo()
			images := newMemImageStore()
			service := NewAlertService(repo, images, decodingClassifier{}, nil, nil, newTestLogger(), newTestConfig())
			ctx := context.Background()
			ana := newProducer()
			req := riceTrays()
			req.Image = &models.Upload{Filename: tt.filename, Data: tt.data}

			// Действие
			result, err := service.CreateAlert(ctx, ana, req)

			// Проверки
			require.NoError(t, err)
			assert.NotEmpty(t, result.Warning)
			assert.ErrorIs(t, result.ClassificationErr, classifier.ErrUnreadableImage)

			stored, err := repo.GetByID(ctx, result.Alert.ID)
			require.NoError(t, err)
			require.NotNil(t, stored.ImageRef)
			assert.Nil(t, stored.Prediction)

			rc, err := images.Open(ctx, *stored.ImageRef)
			require.NoError(t, err)
			saved, err := io.ReadAll(rc)
			require.NoError(t, err)
			assert.Equal(t, tt.data, saved)

			own, err := service.ListOwnAlerts(ctx, ana)
			require.NoError(t, err)
			assert.Len(t, own, 1)
		})
	}
}

func TestLifecycle_DecodableImageIsClassified(t *testing.T) {
	repo := newMemAlertRepo()
	service := NewAlertService(repo, newMemImageStore(), decodingClassifier{}, nil, nil, newTestLogger(), newTestConfig())
	ctx := context.Background()
	req := riceTrays()
	req.Image = &models.Upload{Filename: "tray.png", Data: pngBytes(t)}

	result, err := service.CreateAlert(ctx, newProducer(), req)

	require.NoError(t, err)
	assert.Empty(t, result.Warning)
	stored, err := repo.GetByID(ctx, result.Alert.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Prediction)
	assert.Equal(t, models.LabelOthers, *stored.Prediction)
}

func TestClassify_CanceledIsNotTimeout(t *testing.T) {
	service, m := newTestAlertService(t)
	ctx, cancel := context.WithCancel(context.Background())

	m.classifier.EXPECT().
		Classify(gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ []byte) (models.Label, error) {
			cancel()
			<-ctx.Done()
			return "", ctx.Err()
		}).
		Times(1)

	_, err := service.classify(ctx, pngBytes(t))

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, classifier.ErrTimeout)
}

func TestLifecycle_ListOrder(t *testing.T) {
	repo := newMemAlertRepo()
	service := NewAlertService(repo, nil, nil, nil, nil, newTestLogger(), newTestConfig())
	ctx := context.Background()
	ana := newProducer()

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		created, err := service.CreateAlert(ctx, ana, riceTrays())
		require.NoError(t, err)
		ids = append(ids, created.Alert.ID)
	}

	own, err := service.ListOwnAlerts(ctx, ana)
	require.NoError(t, err)
	require.Len(t, own, 3)
	assert.Equal(t, ids[2], own[0].ID)
	assert.Equal(t, ids[1], own[1].ID)
	assert.Equal(t, ids[0], own[2].ID)
}

func TestLifecycle_ConcurrentClaimsHaveOneWinner(t *testing.T) {
	repo := newMemAlertRepo()
	service := NewAlertService(repo, nil, nil, nil, nil, newTestLogger(), newTestConfig())
	ctx := context.Background()

	created, err := service.CreateAlert(ctx, newProducer(), riceTrays())
	require.NoError(t, err)

	const collectors = 32
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
		errs    []error
	)
	for i := 0; i < collectors; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := service.Claim(ctx, newCollector("c"), created.Alert.ID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if res.Claimed {
				winners++
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, errs)
	assert.Equal(t, 1, winners)
}

func TestLifecycle_DeleteByStrangerKeepsAlert(t *testing.T) {
	repo := newMemAlertRepo()
	service := NewAlertService(repo, nil, nil, nil, nil, newTestLogger(), newTestConfig())
	ctx := context.Background()
	ana := newProducer()

	created, err := service.CreateAlert(ctx, ana, riceTrays())
	require.NoError(t, err)

	err = service.DeleteAlert(ctx, newProducer(), created.Alert.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = repo.GetByID(ctx, created.Alert.ID)
	require.NoError(t, err)

	require.NoError(t, service.DeleteAlert(ctx, ana, created.Alert.ID))
	_, err = repo.GetByID(ctx, created.Alert.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)

	err = service.DeleteAlert(ctx, ana, created.Alert.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
