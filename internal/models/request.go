package models

import "github.com/google/uuid"

// Upload - загруженный файл изображения
type Upload struct {
	Filename string
	Data     []byte
}

// NewAlert - параметры создания объявления
type NewAlert struct {
	Description string
	Quantity    string
	Location    string
	Image       *Upload
}

// CreateResult - результат создания объявления.
// Warning заполняется, если объявление создано, но категорию определить не удалось.
type CreateResult struct {
	Alert             *Alert
	Warning           string
	ClassificationErr error
}

// ClaimResult - результат заявки на объявление. Claimed = true только у заявки, которая перевела его в collected.
type ClaimResult struct {
	AlertID uuid.UUID
	Claimed bool
}
