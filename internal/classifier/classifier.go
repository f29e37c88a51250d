// Package classifier описывает адаптер классификатора изображений еды:
// закрытый набор категорий, подготовку изображения для модели и ошибки классификации.
package classifier

import (
	"context"
	"errors"
	"fmt"

	"github.com/shenikar/food_alert_system/internal/models"
)

// InputSize - сторона квадратного изображения, на котором обучалась модель
const InputSize = 128

var (
	// ErrUnreadableImage - изображение не удалось декодировать
	ErrUnreadableImage = errors.New("image is unreadable")
	// ErrModelUnavailable - модель не загрузилась при старте или удаленный сервис недоступен
	ErrModelUnavailable = errors.New("classifier model is unavailable")
	// ErrTimeout - классификация не уложилась в отведенное время
	ErrTimeout = errors.New("classification timed out")
)

// Unavailable - классификатор-заглушка для случая, когда модель не загрузилась.
// Отказывает сразу, не пытаясь обработать изображение.
type Unavailable struct {
	Reason error
}

func (u Unavailable) Classify(_ context.Context, _ []byte) (models.Label, error) {
	if u.Reason == nil {
		return "", ErrModelUnavailable
	}
	return "", fmt.Errorf("%w: %v", ErrModelUnavailable, u.Reason)
}

// TopLabel возвращает категорию с максимальной оценкой.
// Оценки должны идти в порядке models.Labels.
func TopLabel(scores []float32) (models.Label, error) {
	if len(scores) != len(models.Labels) {
		return "", fmt.Errorf("model returned %d scores, expected %d", len(scores), len(models.Labels))
	}
	best := 0
	for i := 1; i < len(scores); i++ {
		if scores[i] > scores[best] {
			best = i
		}
	}
	return models.Labels[best], nil
}
