package models

import (
	"time"

	"github.com/google/uuid"
)

// Role - роль учетной записи. Роль назначается при регистрации и больше не меняется.
type Role string

const (
	RoleProducer  Role = "producer"
	RoleCollector Role = "collector"
	// RoleAny используется только при проверке прав: подходит любая аутентифицированная роль
	RoleAny Role = "any"
)

// Valid сообщает, может ли роль быть назначена учетной записи
func (r Role) Valid() bool {
	return r == RoleProducer || r == RoleCollector
}

type Account struct {
	ID         uuid.UUID `json:"id"`
	Name       string    `json:"name"`
	SecretHash string    `json:"-"`
	Role       Role      `json:"role"`
	CreatedAt  time.Time `json:"created_at"`
}

// Actor - привязка сессии к учетной записи, которую HTTP-слой передает в каждый вызов сервиса
type Actor struct {
	SessionID uuid.UUID `json:"session_id"`
	AccountID uuid.UUID `json:"account_id"`
	Name      string    `json:"name"`
	Role      Role      `json:"role"`
}

// Session - результат успешного входа
type Session struct {
	Token     string
	ExpiresAt time.Time
	Actor     Actor
}
