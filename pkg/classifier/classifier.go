// Package classifier wraps the pretrained benign/malignant tumor classifier.
//
// The model itself is a black box exported to ONNX; this package only owns
// its preprocessing, the session lifecycle and the label mapping.
package classifier

import (
	"context"
	"image"
	"math"

	"github.com/disintegration/imaging"
)

// Labels maps class indices to the names reported to clients.
var Labels = map[int]string{
	0: "benign",
	1: "malignant",
}

// UnknownLabel is reported for indices missing from Labels.
const UnknownLabel = "Unknown"

// Prediction is the classifier output for one image.
type Prediction struct {
	Label      string    `json:"label"`
	Index      int       `json:"index"`
	Confidence float64   `json:"confidence"`
	Scores     []float64 `json:"scores,omitempty"`
}

// Classifier predicts the tumor class of an image.
type Classifier interface {
	Classify(ctx context.Context, img image.Image) (Prediction, error)
}

// Preprocess describes how images are turned into model input.
type Preprocess struct {
	Size int
	Mean [3]float32
	Std  [3]float32
}

// DefaultPreprocess matches a ViT-style image processor: 224x224, pixels
// rescaled by 1/255 and normalized with mean 0.5 and std 0.5.
func DefaultPreprocess() Preprocess {
	return Preprocess{
		Size: 224,
		Mean: [3]float32{0.5, 0.5, 0.5},
		Std:  [3]float32{0.5, 0.5, 0.5},
	}
}

// Apply returns the [3, Size, Size] planar input for img.
func (p Preprocess) Apply(img image.Image) []float32 {
	s := p.Size
	resized := imaging.Resize(img, s, s, imaging.Linear)
	out := make([]float32, 3*s*s)
	plane := s * s
	for y := 0; y < s; y++ {
		for x := 0; x < s; x++ {
			i := resized.PixOffset(x, y)
			j := y*s + x
			for c := 0; c < 3; c++ {
				v := float32(resized.Pix[i+c]) / 255
				out[c*plane+j] = (v - p.Mean[c]) / p.Std[c]
			}
		}
	}
	return out
}

// Decide turns raw logits into a Prediction using argmax and softmax.
func Decide(logits []float32) Prediction {
	if len(logits) == 0 {
		return Prediction{Label: UnknownLabel, Index: -1}
	}
	best := 0
	maxLogit := logits[0]
	for i, v := range logits {
		if v > maxLogit {
			best, maxLogit = i, v
		}
	}

	scores := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		e := math.Exp(float64(v - maxLogit))
		scores[i] = e
		sum += e
	}
	for i := range scores {
		scores[i] /= sum
	}

	label, ok := Labels[best]
	if !ok {
		label = UnknownLabel
	}
	return Prediction{Label: label, Index: best, Confidence: scores[best], Scores: scores}
}
