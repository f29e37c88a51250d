package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/shenikar/food_alert_system/internal/classifier"
	"github.com/shenikar/food_alert_system/internal/config"
	"github.com/shenikar/food_alert_system/internal/metrics"
	"github.com/shenikar/food_alert_system/internal/models"
	"github.com/shenikar/food_alert_system/internal/reclassify"
	"github.com/sirupsen/logrus"
)

// Ограничения длины полей совпадают с размерами колонок таблицы alerts
const (
	maxDescriptionLen = 200
	maxQuantityLen    = 50
	maxLocationLen    = 100
)

const warnNoClassifier = "image saved, classifier is not configured"

var allowedImageTypes = []string{"image/png", "image/jpeg", "image/gif"}

// AlertRepository определяет контракт хранилища объявлений
type AlertRepository interface {
	Create(ctx context.Context, alert *models.Alert) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Alert, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.Alert, error)
	ListOpen(ctx context.Context) ([]*models.Alert, error)
	// MarkCollected атомарно переводит collected false -> true. Возвращает false, если объявление уже собрано.
	MarkCollected(ctx context.Context, id uuid.UUID) (bool, error)
	// SetPrediction записывает категорию, только если есть изображение и категории еще нет
	SetPrediction(ctx context.Context, id uuid.UUID, label models.Label) (bool, error)
	Delete(ctx context.Context, id uuid.UUID) error

	GetAlertFromCache(ctx context.Context, id uuid.UUID) (*models.Alert, error)
	SetAlertCache(ctx context.Context, alert *models.Alert) error
	InvalidateAlertCache(ctx context.Context, id uuid.UUID) error
}

// ImageStore сохраняет загруженные изображения под уникальными именами
type ImageStore interface {
	Save(ctx context.Context, data []byte, nameHint string) (string, error)
	Open(ctx context.Context, handle string) (io.ReadCloser, error)
	Remove(ctx context.Context, handle string) error
}

// Classifier возвращает категорию еды на изображении
type Classifier interface {
	Classify(ctx context.Context, image []byte) (models.Label, error)
}

// ReclassifyPublisher ставит объявление в очередь повторной классификации
type ReclassifyPublisher interface {
	Publish(ctx context.Context, job reclassify.Job) error
}

// AlertService определяет контракт жизненного цикла объявлений
type AlertService interface {
	CreateAlert(ctx context.Context, actor *models.Actor, req models.NewAlert) (*models.CreateResult, error)
	ListOwnAlerts(ctx context.Context, actor *models.Actor) ([]*models.Alert, error)
	ListOpenAlerts(ctx context.Context, actor *models.Actor) ([]*models.Alert, error)
	GetAlert(ctx context.Context, actor *models.Actor, id uuid.UUID) (*models.Alert, error)
	OpenImage(ctx context.Context, actor *models.Actor, id uuid.UUID) (io.ReadCloser, error)
	Claim(ctx context.Context, actor *models.Actor, id uuid.UUID) (*models.ClaimResult, error)
	MarkCollected(ctx context.Context, actor *models.Actor, id uuid.UUID) error
	DeleteAlert(ctx context.Context, actor *models.Actor, id uuid.UUID) error
	ClassifyImage(ctx context.Context, actor *models.Actor, upload models.Upload) (models.Label, error)
	ReclassifyAlert(ctx context.Context, id uuid.UUID) error
}

type alertService struct {
	repo       AlertRepository
	images     ImageStore
	classifier Classifier
	publisher  ReclassifyPublisher
	metrics    *metrics.AlertMetrics
	logger     *logrus.Logger
	cfg        *config.Config
}

// NewAlertService создает сервис объявлений. classifier и publisher могут быть nil:
// без классификатора объявления создаются без категории.
func NewAlertService(
	repo AlertRepository,
	images ImageStore,
	classifier Classifier,
	publisher ReclassifyPublisher,
	m *metrics.AlertMetrics,
	logger *logrus.Logger,
	cfg *config.Config,
) AlertService {
	return &alertService{
		repo:       repo,
		images:     images,
		classifier: classifier,
		publisher:  publisher,
		metrics:    m,
		logger:     logger,
		cfg:        cfg,
	}
}

// CreateAlert создает объявление. Ошибка классификации не отменяет создание, а возвращается как предупреждение.
func (s *alertService) CreateAlert(ctx context.Context, actor *models.Actor, req models.NewAlert) (*models.CreateResult, error) {
	if err := Authorize(actor, models.RoleProducer); err != nil {
		return nil, err
	}
	log := s.logger.WithFields(logrus.Fields{
		"service":  "alert",
		"method":   "CreateAlert",
		"owner_id": actor.AccountID,
	})
	log.Info("Attempting to create a new alert")

	alert, err := newAlertFromRequest(req)
	if err != nil {
		log.WithError(err).Warn("Invalid alert request")
		return nil, err
	}
	if req.Image != nil {
		if err := s.validateUpload(req.Image); err != nil {
			log.WithError(err).Warn("Invalid alert image")
			return nil, err
		}
	}

	alert.ID, err = uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("service: could not generate alert id: %w", err)
	}
	alert.OwnerID = actor.AccountID
	log = log.WithField("alert_id", alert.ID)

	if req.Image != nil {
		handle, err := s.images.Save(ctx, req.Image.Data, req.Image.Filename)
		if err != nil {
			log.WithError(err).Error("Failed to save alert image")
			return nil, fmt.Errorf("service: could not save image: %w", err)
		}
		alert.ImageRef = &handle
	}

	if err := s.repo.Create(ctx, alert); err != nil {
		log.WithError(err).Error("Failed to create alert in repository")
		if alert.HasImage() {
			s.releaseImage(context.WithoutCancel(ctx), log, *alert.ImageRef)
		}
		return nil, fmt.Errorf("service: could not create alert: %w", err)
	}
	s.metrics.AlertCreated(req.Image != nil)
	log.Info("Alert created successfully")

	result := &models.CreateResult{Alert: alert}
	if req.Image == nil {
		return result, nil
	}
	if s.classifier == nil {
		result.Warning = warnNoClassifier
		return result, nil
	}

	// запись уже в хранилище, категория прикрепляется отдельным обновлением
	var label models.Label
	if isSupportedImage(req.Image.Data) {
		label, err = s.classify(ctx, req.Image.Data)
	} else {
		// формат не распознан: изображение сохранено, классификатор не вызывается
		err = fmt.Errorf("%w: unsupported image format %s", classifier.ErrUnreadableImage, mimetype.Detect(req.Image.Data).String())
		s.metrics.Classification(metrics.OutcomeUnreadable, 0)
	}
	if err != nil {
		log.WithError(err).Warn("Alert created without prediction")
		result.Warning = fmt.Sprintf("alert created without a prediction: %v", err)
		result.ClassificationErr = err
		s.enqueueReclassify(ctx, log, alert.ID, err)
		return result, nil
	}

	changed, err := s.repo.SetPrediction(ctx, alert.ID, label)
	if err != nil {
		log.WithError(err).Error("Failed to store prediction")
		result.Warning = "alert created, prediction could not be stored"
		result.ClassificationErr = err
		s.enqueueReclassify(ctx, log, alert.ID, err)
		return result, nil
	}
	if changed {
		alert.Prediction = &label
		s.invalidateCache(ctx, log, alert.ID)
	}

	log.WithField("prediction", label).Info("Alert classified successfully")
	return result, nil
}

// ListOwnAlerts возвращает объявления производителя, новые первыми
func (s *alertService) ListOwnAlerts(ctx context.Context, actor *models.Actor) ([]*models.Alert, error) {
	if err := Authorize(actor, models.RoleProducer); err != nil {
		return nil, err
	}
	log := s.logger.WithFields(logrus.Fields{
		"service":  "alert",
		"method":   "ListOwnAlerts",
		"owner_id": actor.AccountID,
	})

	alerts, err := s.repo.ListByOwner(ctx, actor.AccountID)
	if err != nil {
		log.WithError(err).Error("Failed to list alerts from repository")
		return nil, fmt.Errorf("service: could not list own alerts: %w", err)
	}

	log.WithField("count", len(alerts)).Info("Alerts listed successfully")
	return alerts, nil
}

// ListOpenAlerts возвращает все несобранные объявления, новые первыми
func (s *alertService) ListOpenAlerts(ctx context.Context, actor *models.Actor) ([]*models.Alert, error) {
	if err := Authorize(actor, models.RoleCollector); err != nil {
		return nil, err
	}
	log := s.logger.WithFields(logrus.Fields{
		"service":    "alert",
		"method":     "ListOpenAlerts",
		"account_id": actor.AccountID,
	})

	alerts, err := s.repo.ListOpen(ctx)
	if err != nil {
		log.WithError(err).Error("Failed to list open alerts from repository")
		return nil, fmt.Errorf("service: could not list open alerts: %w", err)
	}

	log.WithField("count", len(alerts)).Info("Open alerts listed successfully")
	return alerts, nil
}

// GetAlert возвращает объявление. Производитель видит только свои объявления.
func (s *alertService) GetAlert(ctx context.Context, actor *models.Actor, id uuid.UUID) (*models.Alert, error) {
	if err := Authorize(actor, models.RoleAny); err != nil {
		return nil, err
	}
	log := s.logger.WithFields(logrus.Fields{
		"service":  "alert",
		"method":   "GetAlert",
		"alert_id": id,
	})

	alert, err := s.loadAlert(ctx, log, id)
	if err != nil {
		return nil, err
	}
	if err := checkVisible(actor, alert); err != nil {
		log.WithField("account_id", actor.AccountID).Warn("Access to foreign alert denied")
		return nil, err
	}
	return alert, nil
}

// OpenImage открывает изображение объявления. Вызывающий закрывает поток.
func (s *alertService) OpenImage(ctx context.Context, actor *models.Actor, id uuid.UUID) (io.ReadCloser, error) {
	alert, err := s.GetAlert(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if !alert.HasImage() {
		return nil, fmt.Errorf("%w: alert has no image", ErrNotFound)
	}

	rc, err := s.images.Open(ctx, *alert.ImageRef)
	if err != nil {
		s.logger.WithError(err).WithField("alert_id", id).Error("Failed to open alert image")
		return nil, fmt.Errorf("service: could not open image: %w", err)
	}
	return rc, nil
}

// Claim переводит объявление в collected. Повторная заявка на собранное объявление успешна и ничего не меняет.
func (s *alertService) Claim(ctx context.Context, actor *models.Actor, id uuid.UUID) (*models.ClaimResult, error) {
	if err := Authorize(actor, models.RoleCollector); err != nil {
		return nil, err
	}
	log := s.logger.WithFields(logrus.Fields{
		"service":      "alert",
		"method":       "Claim",
		"alert_id":     id,
		"collector_id": actor.AccountID,
	})
	log.Info("Attempting to claim alert")

	claimed, err := s.repo.MarkCollected(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			log.Warn("Attempted to claim a non-existent alert")
			return nil, fmt.Errorf("%w: alert %s", ErrNotFound, id)
		}
		log.WithError(err).Error("Failed to claim alert in repository")
		return nil, fmt.Errorf("service: could not claim alert: %w", err)
	}
	s.metrics.ClaimRecorded(claimed)

	if claimed {
		s.invalidateCache(ctx, log, id)
		log.Info("Alert claimed successfully")
	} else {
		log.Info("Alert was already collected")
	}
	return &models.ClaimResult{AlertID: id, Claimed: claimed}, nil
}

// MarkCollected отмечает собственное объявление производителя собранным
func (s *alertService) MarkCollected(ctx context.Context, actor *models.Actor, id uuid.UUID) error {
	if err := Authorize(actor, models.RoleProducer); err != nil {
		return err
	}
	log := s.logger.WithFields(logrus.Fields{
		"service":  "alert",
		"method":   "MarkCollected",
		"alert_id": id,
		"owner_id": actor.AccountID,
	})

	if _, err := s.loadOwned(ctx, log, actor, id); err != nil {
		return err
	}

	changed, err := s.repo.MarkCollected(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return fmt.Errorf("%w: alert %s", ErrNotFound, id)
		}
		log.WithError(err).Error("Failed to mark alert collected in repository")
		return fmt.Errorf("service: could not mark alert collected: %w", err)
	}
	if changed {
		s.invalidateCache(ctx, log, id)
	}

	log.WithField("changed", changed).Info("Alert marked collected")
	return nil
}

// DeleteAlert удаляет собственное объявление производителя и освобождает изображение
func (s *alertService) DeleteAlert(ctx context.Context, actor *models.Actor, id uuid.UUID) error {
	if err := Authorize(actor, models.RoleProducer); err != nil {
		return err
	}
	log := s.logger.WithFields(logrus.Fields{
		"service":  "alert",
		"method":   "DeleteAlert",
		"alert_id": id,
		"owner_id": actor.AccountID,
	})
	log.Info("Attempting to delete alert")

	alert, err := s.loadOwned(ctx, log, actor, id)
	if err != nil {
		return err
	}

	if err := s.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return fmt.Errorf("%w: alert %s", ErrNotFound, id)
		}
		log.WithError(err).Error("Failed to delete alert in repository")
		return fmt.Errorf("service: could not delete alert: %w", err)
	}
	s.invalidateCache(ctx, log, id)
	s.metrics.AlertDeleted()

	if alert.HasImage() {
		s.releaseImage(context.WithoutCancel(ctx), log, *alert.ImageRef)
	}

	log.Info("Alert deleted successfully")
	return nil
}

// ClassifyImage классифицирует изображение без создания объявления
func (s *alertService) ClassifyImage(ctx context.Context, actor *models.Actor, upload models.Upload) (models.Label, error) {
	if err := Authorize(actor, models.RoleAny); err != nil {
		return "", err
	}
	if err := s.validateImage(&upload); err != nil {
		return "", err
	}
	if s.classifier == nil {
		return "", classifier.ErrModelUnavailable
	}

	label, err := s.classify(ctx, upload.Data)
	if err != nil {
		s.logger.WithError(err).WithField("account_id", actor.AccountID).Warn("Image classification failed")
		return "", err
	}
	return label, nil
}

// ReclassifyAlert повторно классифицирует изображение объявления без категории.
// Удаленное или уже классифицированное объявление пропускается.
func (s *alertService) ReclassifyAlert(ctx context.Context, id uuid.UUID) error {
	log := s.logger.WithFields(logrus.Fields{
		"service":  "alert",
		"method":   "ReclassifyAlert",
		"alert_id": id,
	})
	if s.classifier == nil {
		return classifier.ErrModelUnavailable
	}

	alert, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			log.Info("Alert no longer exists, skipping")
			return nil
		}
		return fmt.Errorf("service: could not load alert: %w", err)
	}
	if alert.Prediction != nil || !alert.HasImage() {
		return nil
	}

	rc, err := s.images.Open(ctx, *alert.ImageRef)
	if err != nil {
		return fmt.Errorf("service: could not open image: %w", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, s.cfg.MaxUploadBytes+1))
	if err != nil {
		return fmt.Errorf("service: could not read image: %w", err)
	}

	label, err := s.classify(ctx, data)
	if err != nil {
		return err
	}

	changed, err := s.repo.SetPrediction(ctx, id, label)
	if err != nil {
		return fmt.Errorf("service: could not store prediction: %w", err)
	}
	if changed {
		s.invalidateCache(ctx, log, id)
	}
	log.WithField("prediction", label).Info("Alert reclassified")
	return nil
}

// classify вызывает классификатор в отдельной горутине с ограничением по времени
func (s *alertService) classify(ctx context.Context, image []byte) (models.Label, error) {
	if s.cfg.ClassifierTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ClassifierTimeout)
		defer cancel()
	}

	type outcome struct {
		label models.Label
		err   error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		label, err := s.classifier.Classify(ctx, image)
		done <- outcome{label: label, err: err}
	}()

	var label models.Label
	var err error
	select {
	case res := <-done:
		label, err = res.label, res.err
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", classifier.ErrTimeout, err)
		}
		if err == nil && !label.Valid() {
			err = fmt.Errorf("classifier returned unknown label %q", label)
		}
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			err = fmt.Errorf("classification canceled: %w", ctx.Err())
		} else {
			err = fmt.Errorf("%w: %v", classifier.ErrTimeout, ctx.Err())
		}
	}

	s.metrics.Classification(classificationOutcome(err), time.Since(start))
	if err != nil {
		return "", err
	}
	return label, nil
}

func (s *alertService) enqueueReclassify(ctx context.Context, log *logrus.Entry, id uuid.UUID, cause error) {
	if s.publisher == nil || !s.cfg.ReclassifyEnabled {
		return
	}
	// нечитаемое изображение не станет читаемым при повторе
	if errors.Is(cause, classifier.ErrUnreadableImage) {
		return
	}
	if err := s.publisher.Publish(ctx, reclassify.Job{AlertID: id}); err != nil {
		log.WithError(err).Error("Failed to enqueue reclassify job")
		return
	}
	log.Info("Alert queued for reclassification")
}

func (s *alertService) loadAlert(ctx context.Context, log *logrus.Entry, id uuid.UUID) (*models.Alert, error) {
	cached, err := s.repo.GetAlertFromCache(ctx, id)
	if err != nil {
		log.WithError(err).Warn("Failed to get alert from cache")
	}
	if cached != nil {
		log.Debug("Alert fetched from cache")
		return cached, nil
	}

	alert, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			log.Warn("Alert not found")
			return nil, fmt.Errorf("%w: alert %s", ErrNotFound, id)
		}
		log.WithError(err).Error("Failed to get alert from repository")
		return nil, fmt.Errorf("service: could not get alert: %w", err)
	}

	// кешируются только объявления в конечном состоянии: параллельная заявка или
	// запись категории не может сделать такую копию устаревшей
	if isSettled(alert) {
		if err := s.repo.SetAlertCache(ctx, alert); err != nil {
			log.WithError(err).Warn("Failed to set alert cache")
		}
	}
	return alert, nil
}

// isSettled сообщает, что поля объявления больше не изменятся
func isSettled(alert *models.Alert) bool {
	return alert.Collected && (alert.Prediction != nil || !alert.HasImage())
}

// loadOwned загружает объявление и проверяет, что актор - его владелец
func (s *alertService) loadOwned(ctx context.Context, log *logrus.Entry, actor *models.Actor, id uuid.UUID) (*models.Alert, error) {
	alert, err := s.loadAlert(ctx, log, id)
	if err != nil {
		return nil, err
	}
	if alert.OwnerID != actor.AccountID {
		log.Warn("Producer does not own the alert")
		return nil, fmt.Errorf("%w: alert %s belongs to another producer", ErrForbidden, id)
	}
	return alert, nil
}

func (s *alertService) invalidateCache(ctx context.Context, log *logrus.Entry, id uuid.UUID) {
	if err := s.repo.InvalidateAlertCache(ctx, id); err != nil {
		log.WithError(err).Warn("Failed to invalidate alert cache")
	}
}

// releaseImage удаляет изображение. Ошибка только логируется.
func (s *alertService) releaseImage(ctx context.Context, log *logrus.Entry, handle string) {
	if err := s.images.Remove(ctx, handle); err != nil {
		s.metrics.ImageCleanupFailed()
		log.WithError(err).WithField("image_ref", handle).Warn("Failed to remove alert image")
	}
}

func (s *alertService) validateUpload(upload *models.Upload) error {
	if len(upload.Data) == 0 {
		return &ValidationError{Field: "image", Reason: "must not be empty"}
	}
	if int64(len(upload.Data)) > s.cfg.MaxUploadBytes {
		return &ValidationError{Field: "image", Reason: fmt.Sprintf("must not exceed %d bytes", s.cfg.MaxUploadBytes)}
	}
	return nil
}

// validateImage дополнительно требует распознанный формат изображения
func (s *alertService) validateImage(upload *models.Upload) error {
	if err := s.validateUpload(upload); err != nil {
		return err
	}
	if !isSupportedImage(upload.Data) {
		return &ValidationError{Field: "image", Reason: "must be a png, jpeg or gif image"}
	}
	return nil
}

func isSupportedImage(data []byte) bool {
	return mimetype.EqualsAny(mimetype.Detect(data).String(), allowedImageTypes...)
}

func checkVisible(actor *models.Actor, alert *models.Alert) error {
	if actor.Role == models.RoleProducer && alert.OwnerID != actor.AccountID {
		return fmt.Errorf("%w: alert belongs to another producer", ErrForbidden)
	}
	return nil
}

func newAlertFromRequest(req models.NewAlert) (*models.Alert, error) {
	alert := &models.Alert{
		Description: strings.TrimSpace(req.Description),
		Quantity:    strings.TrimSpace(req.Quantity),
		Location:    strings.TrimSpace(req.Location),
	}
	fields := []struct {
		name  string
		value string
		max   int
	}{
		{"description", alert.Description, maxDescriptionLen},
		{"quantity", alert.Quantity, maxQuantityLen},
		{"location", alert.Location, maxLocationLen},
	}
	for _, f := range fields {
		if f.value == "" {
			return nil, &ValidationError{Field: f.name, Reason: "must not be empty"}
		}
		if utf8.RuneCountInString(f.value) > f.max {
			return nil, &ValidationError{Field: f.name, Reason: fmt.Sprintf("must be at most %d characters", f.max)}
		}
	}
	return alert, nil
}

func classificationOutcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.Is(err, classifier.ErrUnreadableImage):
		return metrics.OutcomeUnreadable
	case errors.Is(err, classifier.ErrModelUnavailable):
		return metrics.OutcomeUnavailable
	case errors.Is(err, classifier.ErrTimeout):
		return metrics.OutcomeTimeout
	default:
		return metrics.OutcomeError
	}
}
