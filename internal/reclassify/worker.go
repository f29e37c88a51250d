package reclassify

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shenikar/food_alert_system/internal/classifier"
	"github.com/shenikar/food_alert_system/internal/metrics"
	"github.com/sirupsen/logrus"
)

const defaultPollTimeout = time.Second

// Reclassifier выполняет повторную классификацию одного объявления
type Reclassifier interface {
	ReclassifyAlert(ctx context.Context, id uuid.UUID) error
}

// Worker разбирает очередь и повторяет классификацию с экспоненциальной задержкой
type Worker struct {
	queue       Queue
	target      Reclassifier
	logger      *logrus.Logger
	metrics     *metrics.AlertMetrics
	maxAttempts int
	baseDelay   time.Duration
	pollTimeout time.Duration
}

func NewWorker(queue Queue, target Reclassifier, logger *logrus.Logger, m *metrics.AlertMetrics, maxAttempts int, baseDelay time.Duration) *Worker {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Worker{
		queue:       queue,
		target:      target,
		logger:      logger,
		metrics:     m,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		pollTimeout: defaultPollTimeout,
	}
}

// Run обрабатывает очередь до отмены контекста
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Starting reclassify worker...")
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Stopping reclassify worker.")
			return nil
		default:
		}

		payload, err := w.queue.Pop(ctx, w.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.logger.WithError(err).Error("Failed to pop reclassify job")
			sleep(ctx, w.baseDelay)
			continue
		}
		if payload == nil {
			continue
		}

		var job Job
		if err := json.Unmarshal(payload, &job); err != nil {
			w.logger.WithError(err).Error("Failed to unmarshal reclassify job")
			continue
		}
		if job.Attempt < 0 {
			w.logger.WithField("attempt", job.Attempt).Error("Invalid reclassify job attempt, dropping")
			continue
		}
		w.process(ctx, job)
	}
}

func (w *Worker) process(ctx context.Context, job Job) {
	log := w.logger.WithFields(logrus.Fields{
		"alert_id": job.AlertID,
		"attempt":  job.Attempt,
	})
	log.Debug("Processing reclassify job...")

	err := w.target.ReclassifyAlert(ctx, job.AlertID)
	if err == nil {
		log.Info("Alert reclassified")
		w.metrics.ReclassifyJob("done")
		return
	}

	if errors.Is(err, classifier.ErrUnreadableImage) {
		log.WithError(err).Warn("Image is unreadable, dropping reclassify job")
		w.metrics.ReclassifyJob("dropped")
		return
	}
	if job.Attempt+1 >= w.maxAttempts {
		log.WithError(err).Errorf("Failed to reclassify alert after %d attempts", w.maxAttempts)
		w.metrics.ReclassifyJob("dropped")
		return
	}

	delay := w.baseDelay << job.Attempt // экспоненциальная задержка
	log.WithError(err).Warnf("Reclassification failed. Retrying in %v", delay)
	job.Attempt++
	if !sleep(ctx, delay) {
		// воркер останавливается: задание возвращается в очередь без ожидания
		w.requeue(context.WithoutCancel(ctx), log, job)
		return
	}
	w.requeue(ctx, log, job)
}

func (w *Worker) requeue(ctx context.Context, log *logrus.Entry, job Job) {
	payload, err := json.Marshal(job)
	if err != nil {
		log.WithError(err).Error("Failed to marshal reclassify job")
		return
	}
	if err := w.queue.Push(ctx, payload); err != nil {
		log.WithError(err).Error("Failed to requeue reclassify job")
		return
	}
	w.metrics.ReclassifyJob("retried")
}

// sleep ждет d или отмены контекста. Возвращает false, если контекст отменен.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
