package classifier

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// ONNXConfig locates the exported classifier model.
type ONNXConfig struct {
	ModelPath   string
	LibraryPath string
	InputName   string
	OutputName  string
	NumClasses  int
	Preprocess  Preprocess
}

var (
	envOnce sync.Once
	envErr  error
)

// initEnvironment initializes onnxruntime once per process.
func initEnvironment(libPath string) error {
	envOnce.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		if !ort.IsInitialized() {
			envErr = ort.InitializeEnvironment()
		}
	})
	return envErr
}

// ONNXClassifier runs the classifier through onnxruntime. The session
// reuses preallocated input and output tensors, so runs are serialized.
type ONNXClassifier struct {
	cfg     ONNXConfig
	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

// NewONNXClassifier loads the model and allocates its I/O tensors.
func NewONNXClassifier(cfg ONNXConfig) (*ONNXClassifier, error) {
	if cfg.ModelPath == "" {
		return nil, errors.New("classifier: model path required")
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("classifier: %w", err)
	}
	if cfg.InputName == "" {
		cfg.InputName = "pixel_values"
	}
	if cfg.OutputName == "" {
		cfg.OutputName = "logits"
	}
	if cfg.NumClasses <= 0 {
		cfg.NumClasses = len(Labels)
	}
	if cfg.Preprocess.Size <= 0 {
		cfg.Preprocess = DefaultPreprocess()
	}

	if err := initEnvironment(cfg.LibraryPath); err != nil {
		return nil, fmt.Errorf("failed to initialize onnxruntime: %w", err)
	}

	s := int64(cfg.Preprocess.Size)
	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, s, s))
	if err != nil {
		return nil, fmt.Errorf("failed to allocate input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(cfg.NumClasses)))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("failed to allocate output tensor: %w", err)
	}
	session, err := ort.NewAdvancedSession(cfg.ModelPath,
		[]string{cfg.InputName}, []string{cfg.OutputName},
		[]ort.Value{input}, []ort.Value{output}, nil)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("failed to create onnx session: %w", err)
	}

	return &ONNXClassifier{cfg: cfg, session: session, input: input, output: output}, nil
}

// Classify implements Classifier.
func (c *ONNXClassifier) Classify(ctx context.Context, img image.Image) (Prediction, error) {
	if err := ctx.Err(); err != nil {
		return Prediction{}, err
	}
	data := c.cfg.Preprocess.Apply(img)

	c.mu.Lock()
	defer c.mu.Unlock()

	copy(c.input.GetData(), data)
	if err := c.session.Run(); err != nil {
		return Prediction{}, fmt.Errorf("classifier inference failed: %w", err)
	}
	logits := make([]float32, len(c.output.GetData()))
	copy(logits, c.output.GetData())
	return Decide(logits), nil
}

// Close releases the session and tensors.
func (c *ONNXClassifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	if c.session != nil {
		errs = append(errs, c.session.Destroy())
		c.session = nil
	}
	if c.input != nil {
		errs = append(errs, c.input.Destroy())
		c.input = nil
	}
	if c.output != nil {
		errs = append(errs, c.output.Destroy())
		c.output = nil
	}
	return errors.Join(errs...)
}
