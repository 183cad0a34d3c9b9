// Package lesionseg segments lesions in medical images.
//
// A Segmenter ties the image codec to the coordinate-attention UNet: it
// decodes a base64 payload, resizes and normalizes it for the network,
// thresholds the predicted mask and renders it back at the original size.
//
// Basic usage:
//
//	net, _, err := unet.Load("unet.safetensors", unet.DefaultConfig())
//	if err != nil {
//		log.Fatal(err)
//	}
//	seg := lesionseg.New(net, codec.NewProcessor())
//
//	res, err := seg.SegmentPayload(ctx, "data:image/png;base64,...", types.ModeSideBySide)
//	if err != nil {
//		log.Fatal(err)
//	}
//	url, _ := codec.EncodePNGDataURL(res.Rendered)
//	fmt.Printf("coverage %.2f%%\n", res.Stats.Coverage*100)
//
// The package consists of these main components:
//
//  1. Tensor (pkg/tensor): NCHW float32 tensors and the layer kernels
//  2. UNet (pkg/unet): the segmentation network and checkpoint loading
//  3. Codec (pkg/codec): payload decoding, tensor conversion and mask rendering
//  4. Server (internal/server): the HTTP endpoints
package lesionseg

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/tonk/lesionseg/pkg/codec"
	"github.com/tonk/lesionseg/pkg/types"
	"github.com/tonk/lesionseg/pkg/unet"
	"github.com/tonk/lesionseg/pkg/vision"
)

// Version of the lesion segmentation service
const Version = "1.0.0"

// ErrUnknownMode is returned for render modes other than side_by_side and
// overlay.
var ErrUnknownMode = errors.New("unknown render mode")

// OverlayAlpha is the tint opacity used by the overlay mode.
const OverlayAlpha = 0.45

// Result is the outcome of segmenting one image.
type Result struct {
	// Mask is the binary mask at network resolution.
	Mask *image.Gray
	// Rendered is the side-by-side or overlay image at the original size.
	Rendered *image.NRGBA
	// Stats describes the mask.
	Stats codec.MaskStats
	// Lesions are the connected mask components, largest first, normalized
	// to the image.
	Lesions []types.Box
	Elapsed time.Duration
}

// Segmenter runs the segmentation network on images.
type Segmenter struct {
	proc    *codec.Processor
	net     *unet.Network
	regions vision.RegionConfig
}

// New creates a Segmenter. The processor input size must be a multiple
// of 16 for the network to accept it.
func New(net *unet.Network, proc *codec.Processor) *Segmenter {
	if proc == nil {
		proc = codec.NewProcessor()
	}
	return &Segmenter{proc: proc, net: net, regions: vision.DefaultRegionConfig()}
}

// SetRegionConfig changes how individual lesions are extracted from the mask.
func (s *Segmenter) SetRegionConfig(cfg vision.RegionConfig) {
	s.regions = cfg
}

// Processor returns the codec the segmenter decodes with.
func (s *Segmenter) Processor() *codec.Processor {
	return s.proc
}

// Network returns the underlying network.
func (s *Segmenter) Network() *unet.Network {
	return s.net
}

// Segment predicts the lesion mask of img and renders it in the given mode.
// An empty mode means side_by_side.
func (s *Segmenter) Segment(ctx context.Context, img image.Image, mode string) (*Result, error) {
	if mode == "" {
		mode = types.ModeSideBySide
	}
	if mode != types.ModeSideBySide && mode != types.ModeOverlay {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}

	start := time.Now()
	logits, err := s.net.Forward(ctx, s.proc.ToTensor(img))
	if err != nil {
		return nil, fmt.Errorf("segmentation failed: %w", err)
	}
	mask, err := s.proc.MaskFromLogits(logits)
	if err != nil {
		return nil, err
	}

	mw, mh := mask.Bounds().Dx(), mask.Bounds().Dy()
	regions := vision.FindRegions(mask, s.regions)
	lesions := make([]types.Box, len(regions))
	for i, r := range regions {
		lesions[i] = r.Box(mw, mh)
	}

	var rendered *image.NRGBA
	if mode == types.ModeOverlay {
		rendered = codec.TintOverlay(img, mask, codec.LesionTint, OverlayAlpha)
		codec.DrawBoxes(rendered, lesions, codec.OutlineColor)
	} else {
		rendered = codec.CombineWithMask(img, mask)
	}

	return &Result{
		Mask:     mask,
		Rendered: rendered,
		Stats:    codec.Stats(mask),
		Lesions:  lesions,
		Elapsed:  time.Since(start),
	}, nil
}

// SegmentPayload decodes a base64 or data URL payload and segments it. The
// decoded bytes are returned so callers can key caches on them.
func (s *Segmenter) SegmentPayload(ctx context.Context, payload, mode string) (*Result, []byte, error) {
	img, raw, err := s.proc.DecodePayload(payload)
	if err != nil {
		return nil, nil, err
	}
	res, err := s.Segment(ctx, img, mode)
	if err != nil {
		return nil, raw, err
	}
	return res, raw, nil
}

// Response converts a result into the JSON body of /segment-image.
func (r *Result) Response() (types.SegmentationResponse, error) {
	url, err := codec.EncodePNGDataURL(r.Rendered)
	if err != nil {
		return types.SegmentationResponse{}, err
	}
	return types.SegmentationResponse{
		Prediction: url,
		Coverage:   r.Stats.Coverage,
		Pixels:     r.Stats.Pixels,
		Box:        r.Stats.Box,
		Lesions:    r.Lesions,
	}, nil
}
