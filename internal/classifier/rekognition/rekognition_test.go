package rekognition

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	"github.com/aws/aws-sdk-go-v2/service/rekognition/types"
	"github.com/shenikar/food_alert_system/internal/classifier"
	"github.com/shenikar/food_alert_system/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDetectLabels struct {
	out   *rekognition.DetectLabelsOutput
	err   error
	input *rekognition.DetectLabelsInput
}

func (f *fakeDetectLabels) DetectLabels(_ context.Context, params *rekognition.DetectLabelsInput, _ ...func(*rekognition.Options)) (*rekognition.DetectLabelsOutput, error) {
	f.input = params
	return f.out, f.err
}

func label(name string, parents ...string) types.Label {
	l := types.Label{Name: aws.String(name)}
	for _, p := range parents {
		l.Parents = append(l.Parents, types.Parent{Name: aws.String(p)})
	}
	return l
}

func TestMapLabels(t *testing.T) {
	tests := []struct {
		name   string
		labels []types.Label
		want   models.Label
	}{
		{"cooked dish", []types.Label{label("Food"), label("Curry", "Food", "Meal")}, models.LabelCookedFood},
		{"fruit by parent", []types.Label{label("Granny Smith", "Apple", "Fruit")}, models.LabelFruits},
		{"vegetable", []types.Label{label("Produce"), label("Carrot", "Vegetable")}, models.LabelVegetables},
		{"highest confidence wins", []types.Label{label("Banana", "Fruit"), label("Tomato", "Vegetable")}, models.LabelFruits},
		{"generic food", []types.Label{label("Food"), label("Plate")}, models.LabelOthers},
		{"no labels", nil, models.LabelOthers},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, mapLabels(tt.labels))
		})
	}
}

func TestClassify_Success(t *testing.T) {
	fake := &fakeDetectLabels{out: &rekognition.DetectLabelsOutput{
		Labels: []types.Label{label("Rice", "Food")},
	}}
	c := NewWithClient(fake, 75)

	got, err := c.Classify(context.Background(), []byte("jpeg-bytes"))

	require.NoError(t, err)
	assert.Equal(t, models.LabelCookedFood, got)
	require.NotNil(t, fake.input)
	assert.Equal(t, []byte("jpeg-bytes"), fake.input.Image.Bytes)
	assert.Equal(t, float32(75), aws.ToFloat32(fake.input.MinConfidence))
}

func TestClassify_InvalidImage(t *testing.T) {
	fake := &fakeDetectLabels{err: &types.InvalidImageFormatException{Message: aws.String("bad format")}}
	c := NewWithClient(fake, 70)

	_, err := c.Classify(context.Background(), []byte("x"))

	assert.True(t, errors.Is(err, classifier.ErrUnreadableImage))
}

func TestClassify_ServiceUnavailable(t *testing.T) {
	fake := &fakeDetectLabels{err: errors.New("connection refused")}
	c := NewWithClient(fake, 70)

	_, err := c.Classify(context.Background(), []byte("x"))

	assert.True(t, errors.Is(err, classifier.ErrModelUnavailable))
}
