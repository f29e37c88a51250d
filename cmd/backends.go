package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/shenikar/food_alert_system/internal/classifier"
	"github.com/shenikar/food_alert_system/internal/classifier/rekognition"
	"github.com/shenikar/food_alert_system/internal/classifier/tflite"
	"github.com/shenikar/food_alert_system/internal/config"
	"github.com/shenikar/food_alert_system/internal/service"
	"github.com/shenikar/food_alert_system/internal/storage"
	"github.com/shenikar/food_alert_system/pkg/logger"
	"github.com/sirupsen/logrus"
)

// newImageStore выбирает хранилище изображений по IMAGE_BACKEND
func newImageStore(ctx context.Context, cfg *config.Config) (service.ImageStore, error) {
	switch cfg.ImageBackend {
	case config.ImageBackendS3:
		return storage.NewS3Store(ctx, cfg.AWSRegion, cfg.S3Bucket, cfg.S3Prefix)
	default:
		return storage.NewLocalStore(cfg.UploadDir)
	}
}

// newClassifier выбирает классификатор по CLASSIFIER_BACKEND.
// Если модель не загрузилась, сервис продолжает работу с классификатором-заглушкой.
// Для backend=none возвращается nil: объявления создаются без категории.
func newClassifier(ctx context.Context, cfg *config.Config, log *logrus.Logger) (service.Classifier, func()) {
	noop := func() {}

	switch cfg.ClassifierBackend {
	case config.ClassifierBackendNone:
		log.Info("Classifier is disabled")
		return nil, noop

	case config.ClassifierBackendRekognition:
		c, err := rekognition.New(ctx, cfg.AWSRegion, cfg.RekognitionMinConfidence)
		if err != nil {
			log.WithError(err).Error("Failed to initialize Rekognition classifier")
			return classifier.Unavailable{Reason: err}, noop
		}
		log.Info("Using Rekognition classifier")
		return c, noop

	default:
		c, err := tflite.New(cfg.ModelPath, cfg.ClassifierThreads)
		if err != nil {
			log.WithError(err).WithField("model_path", cfg.ModelPath).Error("Failed to load classifier model")
			return classifier.Unavailable{Reason: err}, noop
		}
		log.WithField("model_path", cfg.ModelPath).Info("Classifier model loaded")
		return c, c.Close
	}
}

func classifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "classify <image>",
		Short: "Print the food category of a local image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.ReadConfig()
			if err != nil {
				return err
			}
			if cfg.ClassifierBackend == config.ClassifierBackendNone {
				return fmt.Errorf("CLASSIFIER_BACKEND is none")
			}
			log := logger.New(cfg.LogLevel)
			log.SetOutput(os.Stderr)

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read image: %w", err)
			}

			ctx := cmd.Context()
			c, closeClassifier := newClassifier(ctx, cfg, log)
			defer closeClassifier()

			ctx, cancel := context.WithTimeout(ctx, cfg.ClassifierTimeout+5*time.Second)
			defer cancel()

			label, err := c.Classify(ctx, data)
			if err != nil {
				return fmt.Errorf("classification failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), label)
			return nil
		},
	}
}
