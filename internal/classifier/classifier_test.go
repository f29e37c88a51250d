package classifier

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/shenikar/food_alert_system/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodePNG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestToTensor_ScalesAndNormalizes(t *testing.T) {
	data := encodePNG(t, 300, 200, color.RGBA{R: 255, G: 0, B: 51, A: 255})

	tensor, err := ToTensor(data, InputSize)

	require.NoError(t, err)
	require.Len(t, tensor, InputSize*InputSize*3)
	assert.InDelta(t, 1.0, tensor[0], 0.001)
	assert.InDelta(t, 0.0, tensor[1], 0.001)
	assert.InDelta(t, 0.2, tensor[2], 0.001)
	last := len(tensor) - 3
	assert.InDelta(t, 1.0, tensor[last], 0.001)
}

func TestToTensor_Unreadable(t *testing.T) {
	_, err := ToTensor([]byte("definitely not an image"), InputSize)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnreadableImage))
}

func TestToTensor_InvalidSize(t *testing.T) {
	data := encodePNG(t, 4, 4, color.White)

	_, err := ToTensor(data, 0)
	assert.Error(t, err)
}

func TestTopLabel(t *testing.T) {
	label, err := TopLabel([]float32{0.1, 0.7, 0.05, 0.15})
	require.NoError(t, err)
	assert.Equal(t, models.LabelFruits, label)

	label, err = TopLabel([]float32{0.1, 0.1, 0.1, 0.7})
	require.NoError(t, err)
	assert.Equal(t, models.LabelVegetables, label)

	// при равенстве побеждает первая категория
	label, err = TopLabel([]float32{0.25, 0.25, 0.25, 0.25})
	require.NoError(t, err)
	assert.Equal(t, models.LabelCookedFood, label)
}

func TestTopLabel_WrongShape(t *testing.T) {
	_, err := TopLabel([]float32{0.5, 0.5})
	assert.ErrorContains(t, err, "expected 4")
}

func TestUnavailable_FailsFast(t *testing.T) {
	c := Unavailable{Reason: errors.New("open food_waste_model.tflite: no such file")}

	label, err := c.Classify(context.Background(), []byte("img"))

	assert.Empty(t, label)
	assert.True(t, errors.Is(err, ErrModelUnavailable))
	assert.Contains(t, err.Error(), "no such file")
}
