package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	ImageBackendLocal = "local"
	ImageBackendS3    = "s3"

	ClassifierBackendTFLite      = "tflite"
	ClassifierBackendRekognition = "rekognition"
	ClassifierBackendNone        = "none"
)

// Config - структура для хранения конфигурации приложения
type Config struct {
	DatabaseURL    string `env:"DATABASE_URL"`
	MigrationsPath string `env:"MIGRATIONS_PATH" envDefault:"file://migrations"`
	HTTPPort       string `env:"HTTP_PORT" envDefault:"8080"`
	LogLevel       string `env:"LOG_LEVEL" envDefault:"info"`

	// Redis Config
	RedisAddr string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPass string `env:"REDIS_PASSWORD"`
	RedisDB   int    `env:"REDIS_DB" envDefault:"0"`

	// Session Config
	SessionSecret      string        `env:"SESSION_SECRET"`
	SessionTTL         time.Duration `env:"SESSION_TTL" envDefault:"24h"`
	LoginRatePerMinute int           `env:"LOGIN_RATE_PER_MINUTE" envDefault:"10"`

	AlertCacheTTL time.Duration `env:"ALERT_CACHE_TTL" envDefault:"5m"`

	// Image storage Config
	ImageBackend   string `env:"IMAGE_BACKEND" envDefault:"local"`
	UploadDir      string `env:"UPLOAD_DIR" envDefault:"static/uploads"`
	S3Bucket       string `env:"S3_BUCKET"`
	S3Prefix       string `env:"S3_PREFIX" envDefault:"alerts/"`
	AWSRegion      string `env:"AWS_REGION"`
	MaxUploadBytes int64  `env:"MAX_UPLOAD_BYTES" envDefault:"4194304"`

	// Classifier Config
	ClassifierBackend        string        `env:"CLASSIFIER_BACKEND" envDefault:"tflite"`
	ModelPath                string        `env:"MODEL_PATH" envDefault:"food_waste_model.tflite"`
	ClassifierThreads        int           `env:"CLASSIFIER_THREADS" envDefault:"0"`
	ClassifierTimeout        time.Duration `env:"CLASSIFIER_TIMEOUT" envDefault:"10s"`
	RekognitionMinConfidence float64       `env:"REKOGNITION_MIN_CONFIDENCE" envDefault:"70"`

	// Reclassify Config
	ReclassifyEnabled     bool          `env:"RECLASSIFY_ENABLED" envDefault:"true"`
	ReclassifyMaxAttempts int           `env:"RECLASSIFY_MAX_ATTEMPTS" envDefault:"3"`
	ReclassifyBackoff     time.Duration `env:"RECLASSIFY_BACKOFF" envDefault:"5s"`
}

// LoadConfig загружает конфигурацию из переменных окружения и .env файла
func LoadConfig() (*Config, error) {
	cfg, err := ReadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ReadConfig читает конфигурацию без проверки обязательных параметров.
// Нужна командам, которым не требуются база данных и сессии.
func ReadConfig() (*Config, error) {
	// Загрузка переменных окружения из .env файла (если есть)
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	return &Config{
		DatabaseURL:              os.Getenv("DATABASE_URL"),
		MigrationsPath:           getEnv("MIGRATIONS_PATH", "file://migrations"),
		HTTPPort:                 getEnv("HTTP_PORT", "8080"),
		LogLevel:                 getEnv("LOG_LEVEL", "info"),
		RedisAddr:                getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPass:                os.Getenv("REDIS_PASSWORD"),
		RedisDB:                  getEnvAsInt("REDIS_DB", 0),
		SessionSecret:            os.Getenv("SESSION_SECRET"),
		SessionTTL:               getEnvAsDuration("SESSION_TTL", 24*time.Hour),
		LoginRatePerMinute:       getEnvAsInt("LOGIN_RATE_PER_MINUTE", 10),
		AlertCacheTTL:            getEnvAsDuration("ALERT_CACHE_TTL", 5*time.Minute),
		ImageBackend:             getEnv("IMAGE_BACKEND", ImageBackendLocal),
		UploadDir:                getEnv("UPLOAD_DIR", "static/uploads"),
		S3Bucket:                 os.Getenv("S3_BUCKET"),
		S3Prefix:                 getEnv("S3_PREFIX", "alerts/"),
		AWSRegion:                os.Getenv("AWS_REGION"),
		MaxUploadBytes:           int64(getEnvAsInt("MAX_UPLOAD_BYTES", 4<<20)),
		ClassifierBackend:        getEnv("CLASSIFIER_BACKEND", ClassifierBackendTFLite),
		ModelPath:                getEnv("MODEL_PATH", "food_waste_model.tflite"),
		ClassifierThreads:        getEnvAsInt("CLASSIFIER_THREADS", 0),
		ClassifierTimeout:        getEnvAsDuration("CLASSIFIER_TIMEOUT", 10*time.Second),
		RekognitionMinConfidence: getEnvAsFloat("REKOGNITION_MIN_CONFIDENCE", 70),
		ReclassifyEnabled:        getEnvAsBool("RECLASSIFY_ENABLED", true),
		ReclassifyMaxAttempts:    getEnvAsInt("RECLASSIFY_MAX_ATTEMPTS", 3),
		ReclassifyBackoff:        getEnvAsDuration("RECLASSIFY_BACKOFF", 5*time.Second),
	}, nil
}

// Validate проверяет обязательные параметры и допустимые значения
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL environment variable is required")
	}
	if c.SessionSecret == "" {
		return fmt.Errorf("SESSION_SECRET environment variable is required")
	}

	switch c.ImageBackend {
	case ImageBackendLocal:
	case ImageBackendS3:
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when IMAGE_BACKEND=s3")
		}
	default:
		return fmt.Errorf("unknown IMAGE_BACKEND %q", c.ImageBackend)
	}

	switch c.ClassifierBackend {
	case ClassifierBackendTFLite, ClassifierBackendRekognition, ClassifierBackendNone:
	default:
		return fmt.Errorf("unknown CLASSIFIER_BACKEND %q", c.ClassifierBackend)
	}

	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive")
	}
	return nil
}

// getEnv возвращает значение переменной окружения или значение по умолчанию
func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvAsInt возвращает значение переменной окружения как int или значение по умолчанию
func getEnvAsInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvAsDuration возвращает значение переменной окружения как time.Duration или значение по умолчанию
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if durationValue, err := time.ParseDuration(value); err == nil {
			return durationValue
		}
	}
	return defaultValue
}
