package v1

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shenikar/food_alert_system/internal/classifier"
	"github.com/shenikar/food_alert_system/internal/config"
	"github.com/shenikar/food_alert_system/internal/service"
	"github.com/sirupsen/logrus"
)

var errUploadTooLarge = errors.New("upload too large")

type Handler struct {
	alertService service.AlertService
	authService  service.AuthService
	logger       *logrus.Logger
	validate     *validator.Validate
	cfg          *config.Config
	loginLimiter *LoginRateLimiter
}

func NewHandler(alertService service.AlertService, authService service.AuthService, logger *logrus.Logger, cfg *config.Config) *Handler {
	return &Handler{
		alertService: alertService,
		authService:  authService,
		logger:       logger,
		validate:     validator.New(),
		cfg:          cfg,
		loginLimiter: NewLoginRateLimiter(cfg.LoginRatePerMinute),
	}
}

// respondError переводит ошибку сервиса в HTTP-ответ.
// Непредвиденные ошибки логируются, клиент получает обезличенное сообщение.
func (h *Handler) respondError(c *gin.Context, log *logrus.Entry, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, errUploadTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image is too large"})
	case errors.Is(err, service.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
	case errors.Is(err, service.ErrUnauthenticated):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
	case errors.Is(err, service.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "alert not found"})
	case errors.Is(err, service.ErrAccountExists):
		c.JSON(http.StatusConflict, gin.H{"error": "account already exists"})
	case errors.Is(err, classifier.ErrUnreadableImage):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "image is unreadable"})
	case errors.Is(err, classifier.ErrModelUnavailable), errors.Is(err, classifier.ErrTimeout):
		log.WithError(err).Warn("Classifier unavailable")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "classifier unavailable"})
	default:
		log.WithError(err).Error("Request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

func parseAlertID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid alert ID"})
		return uuid.Nil, false
	}
	return id, true
}

// @Summary Get application health status
// @Description Get health status of the application
// @Tags System
// @Accept json
// @Produce json
// @Success 200 {object} map[string]string "Status OK"
// @Router /system/health [get]
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
