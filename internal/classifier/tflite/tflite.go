// Package tflite - локальный бэкенд классификатора на TensorFlow Lite.
// Модель загружается один раз при старте и переиспользуется всеми запросами.
package tflite

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/shenikar/food_alert_system/internal/classifier"
	"github.com/shenikar/food_alert_system/internal/models"
	tf "github.com/tphakala/go-tflite"
)

type Classifier struct {
	// интерпретатор не потокобезопасен
	mu          sync.Mutex
	interpreter *tf.Interpreter
	inputSize   int
}

// New загружает модель и готовит интерпретатор. threads <= 0 означает runtime.NumCPU().
func New(modelPath string, threads int) (*Classifier, error) {
	modelData, err := os.ReadFile(modelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read model file: %w", err)
	}

	model := tf.NewModel(modelData)
	if model == nil {
		return nil, fmt.Errorf("cannot load TensorFlow Lite model %s", modelPath)
	}

	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	options := tf.NewInterpreterOptions()
	options.SetNumThread(threads)

	interpreter := tf.NewInterpreter(model, options)
	if interpreter == nil {
		return nil, fmt.Errorf("cannot create interpreter")
	}
	if status := interpreter.AllocateTensors(); status != tf.OK {
		interpreter.Delete()
		return nil, fmt.Errorf("tensor allocation failed")
	}

	input := interpreter.GetInputTensor(0)
	if input == nil || input.NumDims() != 4 || input.Dim(1) != input.Dim(2) || input.Dim(3) != 3 {
		interpreter.Delete()
		return nil, fmt.Errorf("unexpected model input shape, want [1 N N 3]")
	}

	output := interpreter.GetOutputTensor(0)
	if output == nil || output.Dim(output.NumDims()-1) != len(models.Labels) {
		interpreter.Delete()
		return nil, fmt.Errorf("unexpected model output shape, want %d classes", len(models.Labels))
	}

	return &Classifier{
		interpreter: interpreter,
		inputSize:   input.Dim(1),
	}, nil
}

// Classify возвращает категорию с наибольшей вероятностью
func (c *Classifier) Classify(ctx context.Context, image []byte) (models.Label, error) {
	tensor, err := classifier.ToTensor(image, c.inputSize)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.interpreter == nil {
		return "", classifier.ErrModelUnavailable
	}

	input := c.interpreter.GetInputTensor(0)
	if input == nil {
		return "", fmt.Errorf("cannot get input tensor")
	}
	copy(input.Float32s(), tensor)

	if status := c.interpreter.Invoke(); status != tf.OK {
		return "", fmt.Errorf("tensor invoke failed: %v", status)
	}

	output := c.interpreter.GetOutputTensor(0)
	scores := make([]float32, output.Dim(output.NumDims()-1))
	copy(scores, output.Float32s())

	return classifier.TopLabel(scores)
}

// Close освобождает интерпретатор. После Close классификатор отвечает ErrModelUnavailable.
func (c *Classifier) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.interpreter != nil {
		c.interpreter.Delete()
		c.interpreter = nil
	}
}
