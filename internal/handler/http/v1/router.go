package v1

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes регистрирует все маршруты API v1
func (h *Handler) RegisterRoutes(api *gin.RouterGroup) {
	requireSession := SessionAuthMiddleware(h.authService, h.logger)

	// Регистрация и сессии
	auth := api.Group("/auth")
	{
		auth.POST("/signup", h.signup)
		auth.POST("/login", h.loginLimiter.Middleware(h.logger), h.login)
		auth.POST("/logout", requireSession, h.logout)
	}

	// Жизненный цикл объявлений, роль проверяет сервис
	alerts := api.Group("/alerts", requireSession)
	{
		alerts.POST("", h.createAlert)
		alerts.GET("/mine", h.listOwnAlerts)
		alerts.GET("/open", h.listOpenAlerts)
		alerts.GET("/:id", h.getAlert)
		alerts.GET("/:id/image", h.getAlertImage)
		alerts.POST("/:id/claim", h.claimAlert)
		alerts.POST("/:id/collected", h.markCollected)
		alerts.DELETE("/:id", h.deleteAlert)
	}

	// Классификация без создания объявления
	api.POST("/classify", requireSession, h.classifyImage)

	// Маршрут Health-check
	api.GET("/system/health", h.healthCheck)
}
