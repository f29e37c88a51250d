package v1

import (
	"time"

	"github.com/google/uuid"
)

// SignupRequest DTO для регистрации учетной записи
// @Description DTO для регистрации учетной записи
type SignupRequest struct {
	Name   string `json:"name" validate:"required,min=3,max=50"`
	Secret string `json:"secret" validate:"required,min=6,max=72"`
	Role   string `json:"role" validate:"required,oneof=producer collector"`
}

// LoginRequest DTO для входа
// @Description DTO для входа
type LoginRequest struct {
	Name   string `json:"name" validate:"required"`
	Secret string `json:"secret" validate:"required"`
}

// AccountResponse DTO для ответа с информацией об учетной записи
// @Description DTO для ответа с информацией об учетной записи
type AccountResponse struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// LoginResponse DTO для ответа на успешный вход
// @Description DTO для ответа на успешный вход
type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	AccountID uuid.UUID `json:"account_id"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
}

// CreateAlertForm поля multipart-формы создания объявления. Изображение передается в поле image.
// @Description Поля формы создания объявления
type CreateAlertForm struct {
	Description string `form:"description" validate:"required,max=200"`
	Quantity    string `form:"quantity" validate:"required,max=50"`
	Location    string `form:"location" validate:"required,max=100"`
}

// AlertResponse DTO для ответа с информацией об объявлении
// @Description DTO для ответа с информацией об объявлении
type AlertResponse struct {
	ID          uuid.UUID `json:"id"`
	Description string    `json:"description"`
	Quantity    string    `json:"quantity"`
	Location    string    `json:"location"`
	CreatedAt   time.Time `json:"created_at"`
	Collected   bool      `json:"collected"`
	ImageURL    string    `json:"image_url,omitempty"`
	Prediction  string    `json:"prediction,omitempty"`
	OwnerID     uuid.UUID `json:"owner_id"`
}

// CreateAlertResponse DTO для ответа на создание объявления
// @Description Warning заполняется, если изображение не удалось классифицировать
type CreateAlertResponse struct {
	Alert   *AlertResponse `json:"alert"`
	Warning string         `json:"warning,omitempty"`
}

// ClaimResponse DTO для ответа на заявку
// @Description Claimed = false, если объявление уже было собрано
type ClaimResponse struct {
	AlertID   uuid.UUID `json:"alert_id"`
	Collected bool      `json:"collected"`
	Claimed   bool      `json:"claimed"`
}

// ClassifyResponse DTO для ответа классификатора
// @Description DTO для ответа классификатора
type ClassifyResponse struct {
	Label string `json:"label"`
}
