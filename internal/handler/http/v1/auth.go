package v1

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"github.com/shenikar/food_alert_system/internal/models"
	"github.com/shenikar/food_alert_system/internal/service"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const actorContextKey = "actor"

// SessionAuthMiddleware - middleware для аутентификации по токену сессии.
// Найденный актор кладется в контекст gin и явно передается в сервис.
func SessionAuthMiddleware(authService service.AuthService, log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		token := ""
		if strings.HasPrefix(authHeader, "Bearer ") {
			token = strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		}

		if token == "" {
			log.Debug("Session token missing from request")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		actor, err := authService.ResolveSession(c.Request.Context(), token)
		if err != nil {
			if errors.Is(err, service.ErrUnauthenticated) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired session"})
				return
			}
			log.WithError(err).Error("Failed to resolve session")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			return
		}

		c.Set(actorContextKey, actor)
		c.Next()
	}
}

// actorFromContext возвращает актора, установленного SessionAuthMiddleware, или nil
func actorFromContext(c *gin.Context) *models.Actor {
	value, ok := c.Get(actorContextKey)
	if !ok {
		return nil
	}
	actor, _ := value.(*models.Actor)
	return actor
}

// LoginRateLimiter ограничивает попытки входа с одного IP-адреса.
// Неактивные ограничители вытесняются из кеша.
type LoginRateLimiter struct {
	mu        sync.Mutex
	limiters  *cache.Cache
	perMinute int
}

func NewLoginRateLimiter(perMinute int) *LoginRateLimiter {
	return &LoginRateLimiter{
		limiters:  cache.New(10*time.Minute, 15*time.Minute),
		perMinute: perMinute,
	}
}

// Allow сообщает, можно ли пропустить очередную попытку с ключа
func (l *LoginRateLimiter) Allow(key string) bool {
	if l == nil || l.perMinute <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if v, found := l.limiters.Get(key); found {
		return v.(*rate.Limiter).Allow()
	}
	limiter := rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMinute)), l.perMinute)
	l.limiters.Set(key, limiter, cache.DefaultExpiration)
	return limiter.Allow()
}

func (l *LoginRateLimiter) Middleware(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(c.ClientIP()) {
			log.WithField("client_ip", c.ClientIP()).Warn("Login rate limit exceeded")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many login attempts, try again later"})
			return
		}
		c.Next()
	}
}
