// Package rekognition - удаленный бэкенд классификатора на AWS Rekognition.
// Метки Rekognition сводятся к закрытому набору категорий.
package rekognition

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	"github.com/aws/aws-sdk-go-v2/service/rekognition/types"
	"github.com/shenikar/food_alert_system/internal/classifier"
	"github.com/shenikar/food_alert_system/internal/models"
)

const maxLabels = 15

// DetectLabelsAPI - часть клиента Rekognition, которой пользуется классификатор
type DetectLabelsAPI interface {
	DetectLabels(ctx context.Context, params *rekognition.DetectLabelsInput, optFns ...func(*rekognition.Options)) (*rekognition.DetectLabelsOutput, error)
}

type Classifier struct {
	client        DetectLabelsAPI
	minConfidence float32
}

// New создает клиента Rekognition из стандартной цепочки учетных данных AWS
func New(ctx context.Context, region string, minConfidence float64) (*Classifier, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewWithClient(rekognition.NewFromConfig(cfg), minConfidence), nil
}

func NewWithClient(client DetectLabelsAPI, minConfidence float64) *Classifier {
	return &Classifier{
		client:        client,
		minConfidence: float32(minConfidence),
	}
}

func (c *Classifier) Classify(ctx context.Context, image []byte) (models.Label, error) {
	out, err := c.client.DetectLabels(ctx, &rekognition.DetectLabelsInput{
		Image:         &types.Image{Bytes: image},
		MaxLabels:     aws.Int32(maxLabels),
		MinConfidence: aws.Float32(c.minConfidence),
	})
	if err != nil {
		var invalidFormat *types.InvalidImageFormatException
		var tooLarge *types.ImageTooLargeException
		if errors.As(err, &invalidFormat) || errors.As(err, &tooLarge) {
			return "", fmt.Errorf("%w: %v", classifier.ErrUnreadableImage, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", fmt.Errorf("%w: rekognition: %v", classifier.ErrModelUnavailable, err)
	}
	return mapLabels(out.Labels), nil
}

var (
	cookedNames = map[string]bool{
		"Meal": true, "Dish": true, "Lunch": true, "Dinner": true, "Breakfast": true,
		"Rice": true, "Curry": true, "Bread": true, "Pizza": true, "Noodle": true,
		"Pasta": true, "Soup": true, "Stew": true, "Dal": true, "Roti": true, "Fried Chicken": true,
	}
	fruitNames = map[string]bool{
		"Fruit": true, "Citrus Fruit": true, "Banana": true, "Apple": true, "Orange": true,
		"Grapes": true, "Mango": true, "Berry": true, "Melon": true, "Pineapple": true,
	}
	vegetableNames = map[string]bool{
		"Vegetable": true, "Potato": true, "Tomato": true, "Carrot": true, "Onion": true,
		"Cabbage": true, "Lettuce": true, "Pepper": true, "Cauliflower": true, "Leafy Green Vegetable": true,
	}
)

// mapLabels проходит метки в порядке убывания уверенности и возвращает первую распознанную категорию.
// Всё, что не удалось отнести к готовой еде, фруктам или овощам, считается others.
func mapLabels(labels []types.Label) models.Label {
	for _, l := range labels {
		names := []string{aws.ToString(l.Name)}
		for _, p := range l.Parents {
			names = append(names, aws.ToString(p.Name))
		}
		for _, name := range names {
			switch {
			case cookedNames[name]:
				return models.LabelCookedFood
			case fruitNames[name]:
				return models.LabelFruits
			case vegetableNames[name]:
				return models.LabelVegetables
			}
		}
	}
	return models.LabelOthers
}
