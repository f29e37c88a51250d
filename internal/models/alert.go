package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound возвращается хранилищами, если запись отсутствует
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate возвращается при нарушении уникальности
	ErrDuplicate = errors.New("record already exists")
)

// Label - категория еды, которую возвращает классификатор
type Label string

// Порядок совпадает с порядком выходов обученной модели
const (
	LabelCookedFood Label = "cooked_food"
	LabelFruits     Label = "fruits"
	LabelOthers     Label = "others"
	LabelVegetables Label = "vegetables"
)

// Labels - закрытый набор категорий в порядке выходов модели
var Labels = []Label{LabelCookedFood, LabelFruits, LabelOthers, LabelVegetables}

// Valid сообщает, входит ли метка в закрытый набор
func (l Label) Valid() bool {
	for _, known := range Labels {
		if l == known {
			return true
		}
	}
	return false
}

// Alert - объявление об излишках еды.
// Collected меняется только false -> true, ImageRef и Prediction устанавливаются не более одного раза,
// Prediction без ImageRef не бывает.
type Alert struct {
	ID          uuid.UUID `json:"id"`
	Description string    `json:"description"`
	Quantity    string    `json:"quantity"`
	Location    string    `json:"location"`
	CreatedAt   time.Time `json:"created_at"`
	Collected   bool      `json:"collected"`
	ImageRef    *string   `json:"image_ref,omitempty"`
	Prediction  *Label    `json:"prediction,omitempty"`
	OwnerID     uuid.UUID `json:"owner_id"`
}

// HasImage сообщает, прикреплено ли к объявлению изображение
func (a *Alert) HasImage() bool {
	return a.ImageRef != nil && *a.ImageRef != ""
}
