package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shenikar/food_alert_system/internal/config"
	"github.com/shenikar/food_alert_system/internal/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

const (
	minNameLen   = 3
	maxNameLen   = 50
	minSecretLen = 6
	// bcrypt учитывает только первые 72 байта
	maxSecretLen = 72
)

// AccountRepository определяет контракт хранилища учетных записей
type AccountRepository interface {
	Create(ctx context.Context, account *models.Account) error
	GetByName(ctx context.Context, name string) (*models.Account, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
}

// SessionStore хранит привязки сессий. Get возвращает nil, nil, если сессии нет.
type SessionStore interface {
	Save(ctx context.Context, actor *models.Actor, ttl time.Duration) error
	Get(ctx context.Context, sessionID uuid.UUID) (*models.Actor, error)
	Delete(ctx context.Context, sessionID uuid.UUID) error
}

// AuthService определяет контракт шлюза сессий и ролей
type AuthService interface {
	Signup(ctx context.Context, name, secret string, role models.Role) (*models.Account, error)
	Authenticate(ctx context.Context, name, secret string) (*models.Session, error)
	ResolveSession(ctx context.Context, token string) (*models.Actor, error)
	Logout(ctx context.Context, actor *models.Actor) error
}

type authService struct {
	accounts AccountRepository
	sessions SessionStore
	logger   *logrus.Logger
	cfg      *config.Config
	now      func() time.Time
	hashCost int

	dummyOnce sync.Once
	dummyHash []byte
}

func NewAuthService(accounts AccountRepository, sessions SessionStore, logger *logrus.Logger, cfg *config.Config) AuthService {
	return &authService{
		accounts: accounts,
		sessions: sessions,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
		hashCost: bcrypt.DefaultCost,
	}
}

// Authorize проверяет, что актор аутентифицирован и имеет требуемую роль.
// Через него проходит каждая операция жизненного цикла объявления.
func Authorize(actor *models.Actor, required models.Role) error {
	if actor == nil || actor.AccountID == uuid.Nil {
		return ErrUnauthenticated
	}
	if !actor.Role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrForbidden, actor.Role)
	}
	if required == models.RoleAny || actor.Role == required {
		return nil
	}
	return fmt.Errorf("%w: requires role %s", ErrForbidden, required)
}

// Signup регистрирует новую учетную запись
func (s *authService) Signup(ctx context.Context, name, secret string, role models.Role) (*models.Account, error) {
	name = strings.TrimSpace(name)
	log := s.logger.WithFields(logrus.Fields{
		"service": "auth",
		"method":  "Signup",
		"name":    name,
		"role":    role,
	})
	log.Info("Attempting to register a new account")

	if err := validateCredentials(name, secret); err != nil {
		log.WithError(err).Warn("Invalid signup request")
		return nil, err
	}
	if !role.Valid() {
		return nil, &ValidationError{Field: "role", Reason: "must be producer or collector"}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.hashCost)
	if err != nil {
		return nil, fmt.Errorf("service: could not hash secret: %w", err)
	}

	account := &models.Account{
		ID:         uuid.New(),
		Name:       name,
		SecretHash: string(hash),
		Role:       role,
	}
	if err := s.accounts.Create(ctx, account); err != nil {
		if errors.Is(err, models.ErrDuplicate) {
			log.Warn("Account name already taken")
			return nil, ErrAccountExists
		}
		log.WithError(err).Error("Failed to create account in repository")
		return nil, fmt.Errorf("service: could not create account: %w", err)
	}

	log.WithField("account_id", account.ID).Info("Account registered successfully")
	return account, nil
}

// Authenticate проверяет имя и секрет и открывает сессию
func (s *authService) Authenticate(ctx context.Context, name, secret string) (*models.Session, error) {
	name = strings.TrimSpace(name)
	log := s.logger.WithFields(logrus.Fields{
		"service": "auth",
		"method":  "Authenticate",
		"name":    name,
	})

	account, err := s.accounts.GetByName(ctx, name)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		log.WithError(err).Error("Failed to load account")
		return nil, fmt.Errorf("service: could not load account: %w", err)
	}

	if account == nil {
		// сравнение с фиктивным хешем выравнивает время ответа для несуществующих имен
		_ = bcrypt.CompareHashAndPassword(s.timingHash(), []byte(secret))
		log.Warn("Authentication failed")
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.SecretHash), []byte(secret)); err != nil {
		log.Warn("Authentication failed")
		return nil, ErrInvalidCredentials
	}

	actor := &models.Actor{
		SessionID: uuid.New(),
		AccountID: account.ID,
		Name:      account.Name,
		Role:      account.Role,
	}
	if err := s.sessions.Save(ctx, actor, s.cfg.SessionTTL); err != nil {
		log.WithError(err).Error("Failed to store session")
		return nil, fmt.Errorf("service: could not store session: %w", err)
	}

	token, expiresAt, err := issueToken([]byte(s.cfg.SessionSecret), actor, s.now(), s.cfg.SessionTTL)
	if err != nil {
		return nil, fmt.Errorf("service: %w", err)
	}

	log.WithField("account_id", account.ID).Info("Session opened")
	return &models.Session{Token: token, ExpiresAt: expiresAt, Actor: *actor}, nil
}

// ResolveSession проверяет токен и возвращает действующую привязку сессии
func (s *authService) ResolveSession(ctx context.Context, token string) (*models.Actor, error) {
	if token == "" {
		return nil, ErrUnauthenticated
	}
	log := s.logger.WithFields(logrus.Fields{
		"service": "auth",
		"method":  "ResolveSession",
	})

	claims, err := parseToken([]byte(s.cfg.SessionSecret), token)
	if err != nil {
		log.WithError(err).Debug("Rejected session token")
		return nil, ErrUnauthenticated
	}
	sessionID, err := uuid.Parse(claims.ID)
	if err != nil {
		return nil, ErrUnauthenticated
	}
	accountID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, ErrUnauthenticated
	}

	actor, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		log.WithError(err).Error("Failed to load session")
		return nil, fmt.Errorf("service: could not load session: %w", err)
	}
	if actor == nil || actor.AccountID != accountID {
		log.WithField("session_id", sessionID).Debug("Session is missing or revoked")
		return nil, ErrUnauthenticated
	}
	return actor, nil
}

// Logout удаляет привязку сессии. Повторный вызов не является ошибкой.
func (s *authService) Logout(ctx context.Context, actor *models.Actor) error {
	if err := Authorize(actor, models.RoleAny); err != nil {
		return err
	}
	if err := s.sessions.Delete(ctx, actor.SessionID); err != nil {
		s.logger.WithError(err).WithField("account_id", actor.AccountID).Error("Failed to delete session")
		return fmt.Errorf("service: could not delete session: %w", err)
	}
	return nil
}

func (s *authService) timingHash() []byte {
	s.dummyOnce.Do(func() {
		hash, err := bcrypt.GenerateFromPassword([]byte("timing-equalizer"), s.hashCost)
		if err == nil {
			s.dummyHash = hash
		}
	})
	return s.dummyHash
}

func validateCredentials(name, secret string) error {
	n := utf8.RuneCountInString(name)
	if n < minNameLen || n > maxNameLen {
		return &ValidationError{Field: "name", Reason: fmt.Sprintf("must be between %d and %d characters", minNameLen, maxNameLen)}
	}
	if len(secret) < minSecretLen || len(secret) > maxSecretLen {
		return &ValidationError{Field: "secret", Reason: fmt.Sprintf("must be between %d and %d bytes", minSecretLen, maxSecretLen)}
	}
	return nil
}
