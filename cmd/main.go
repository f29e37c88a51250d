package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/shenikar/food_alert_system/internal/config"
	v1 "github.com/shenikar/food_alert_system/internal/handler/http/v1"
	"github.com/shenikar/food_alert_system/internal/metrics"
	"github.com/shenikar/food_alert_system/internal/reclassify"
	"github.com/shenikar/food_alert_system/internal/repository"
	"github.com/shenikar/food_alert_system/internal/service"
	"github.com/shenikar/food_alert_system/pkg/logger"
	"github.com/shenikar/food_alert_system/pkg/postgres"
	redisclient "github.com/shenikar/food_alert_system/pkg/redis"
	"github.com/sirupsen/logrus"

	_ "github.com/shenikar/food_alert_system/docs"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

// @title Food Alert System API
// @version 1.0
// @description Surplus food alerts between producers and collectors.
// @host localhost:8080
// @BasePath /api/v1
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
func main() {
	if err := rootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run migrations and start the HTTP API with the reclassify worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}

	rootCmd := &cobra.Command{
		Use:           "food-alerts",
		Short:         "Surplus food alert service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serveCmd.RunE,
	}
	rootCmd.AddCommand(serveCmd, migrateCommand(), classifyCommand())
	return rootCmd
}

func migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				logrus.Errorf("Failed to load config: %v", err)
				return err
			}
			log := logger.New(cfg.LogLevel)
			if err := runMigrations(cfg, log); err != nil {
				log.Errorf("Failed to run database migrations: %v", err)
				return err
			}
			return nil
		},
	}
}

func runMigrations(cfg *config.Config, log *logrus.Logger) error {
	log.Info("Running database migrations...")

	migrationURL := cfg.DatabaseURL
	if !strings.HasPrefix(migrationURL, "pgx5://") {
		migrationURL = strings.Replace(migrationURL, "postgres://", "pgx5://", 1)
	}

	m, err := migrate.New(cfg.MigrationsPath, migrationURL)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Info("Database migrations applied successfully")
	return nil
}

func runServe(parent context.Context) error {
	// Загрузка конфигурации
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Errorf("Failed to load config: %v", err)
		return err
	}

	// Инициализация логгера
	log := logger.New(cfg.LogLevel)

	// Контекст для graceful shutdown
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Запуск миграций
	if err := runMigrations(cfg, log); err != nil {
		log.Errorf("Failed to run database migrations: %v", err)
		return err
	}

	// Подключение к PostgreSQL
	dbpool, err := postgres.NewPostgresDB(ctx, cfg)
	if err != nil {
		log.Errorf("Failed to connect to PostgreSQL: %v", err)
		return err
	}
	defer dbpool.Close()
	log.Info("Successfully connected to PostgreSQL")

	// Инициализация Redis клиента
	redisClient, err := redisclient.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	if err != nil {
		log.Errorf("Failed to connect to Redis: %v", err)
		return err
	}
	defer redisClient.Close()
	log.Info("Successfully connected to Redis")

	// Метрики
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	alertMetrics, err := metrics.NewAlertMetrics(registry)
	if err != nil {
		log.Errorf("Failed to register metrics: %v", err)
		return err
	}

	// Хранилище изображений и классификатор
	images, err := newImageStore(ctx, cfg)
	if err != nil {
		log.Errorf("Failed to initialize image storage: %v", err)
		return err
	}
	classifier, closeClassifier := newClassifier(ctx, cfg, log)
	defer closeClassifier()

	// Инициализация репозиториев
	accountRepo := repository.NewAccountRepository(dbpool)
	sessionRepo := repository.NewSessionRepository(redisClient)
	alertRepo := repository.NewAlertRepository(dbpool, redisClient, cfg.AlertCacheTTL)

	// Очередь повторной классификации
	queue := reclassify.NewRedisQueue(redisClient)
	var publisher service.ReclassifyPublisher
	if cfg.ReclassifyEnabled && classifier != nil {
		publisher = reclassify.NewPublisher(queue)
	}

	// Инициализация сервисов
	authService := service.NewAuthService(accountRepo, sessionRepo, log, cfg)
	alertService := service.NewAlertService(alertRepo, images, classifier, publisher, alertMetrics, log, cfg)

	// Инициализация хэндлеров
	handler := v1.NewHandler(alertService, authService, log, cfg)

	// Настройка Gin роутера
	router := gin.Default()
	api := router.Group("/api/v1")
	handler.RegisterRoutes(api)

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	// Добавление маршрута для Swagger UI
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Infof("HTTP server started on port %s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("error starting HTTP server: %w", err)
		}
		return nil
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Received shutdown signal, shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if publisher != nil {
		worker := reclassify.NewWorker(queue, alertService, log, alertMetrics, cfg.ReclassifyMaxAttempts, cfg.ReclassifyBackoff)
		g.Go(func() error {
			return worker.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		log.Errorf("Service stopped with error: %v", err)
		return err
	}

	log.Info("Server gracefully stopped")
	return nil
}
