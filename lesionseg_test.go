package lesionseg

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonk/lesionseg/pkg/codec"
	"github.com/tonk/lesionseg/pkg/types"
	"github.com/tonk/lesionseg/pkg/unet"
	"github.com/tonk/lesionseg/pkg/vision"
)

// createTestImage creates a simple test image
func createTestImage(width, height int) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))

	// Create a pattern with a bright lesion-like blob in the center
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if x > width/3 && x < 2*width/3 && y > height/3 && y < 2*height/3 {
				img.Set(x, y, color.NRGBA{220, 120, 110, 255})
			} else {
				img.Set(x, y, color.NRGBA{64, 64, 64, 255})
			}
		}
	}

	return img
}

func newTestSegmenter(t *testing.T) *Segmenter {
	t.Helper()
	cfg := unet.DefaultConfig()
	cfg.BaseWidth = 4
	net, err := unet.New(cfg)
	require.NoError(t, err)
	net.Init(rand.New(rand.NewPCG(3, 4)))

	proc := codec.NewProcessorWithOptions(codec.Options{InputSize: 32})
	return New(net, proc)
}

func TestNew(t *testing.T) {
	s := New(nil, nil)
	require.NotNil(t, s)
	assert.Equal(t, 256, s.Processor().Options().InputSize)
	assert.Nil(t, s.Network())
}

func TestSegmentSideBySide(t *testing.T) {
	s := newTestSegmenter(t)

	res, err := s.Segment(context.Background(), createTestImage(40, 24), "")
	require.NoError(t, err)

	assert.Equal(t, image.Rect(0, 0, 32, 32), res.Mask.Bounds())
	assert.Equal(t, 80, res.Rendered.Bounds().Dx())
	assert.Equal(t, 24, res.Rendered.Bounds().Dy())
	assert.GreaterOrEqual(t, res.Stats.Coverage, 0.0)
	assert.LessOrEqual(t, res.Stats.Coverage, 1.0)

	// mask pixels are strictly binary
	for _, v := range res.Mask.Pix {
		assert.True(t, v == 0 || v == 255)
	}
}

func TestSegmentOverlay(t *testing.T) {
	s := newTestSegmenter(t)

	res, err := s.Segment(context.Background(), createTestImage(40, 24), types.ModeOverlay)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 40, 24), res.Rendered.Bounds())
}

func TestSegmentUnknownMode(t *testing.T) {
	s := newTestSegmenter(t)

	_, err := s.Segment(context.Background(), createTestImage(16, 16), "heatmap")
	assert.ErrorIs(t, err, ErrUnknownMode)
}

func TestSegmentCancelled(t *testing.T) {
	s := newTestSegmenter(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Segment(ctx, createTestImage(16, 16), "")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSegmentPayload(t *testing.T) {
	s := newTestSegmenter(t)

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, createTestImage(30, 20)))
	payload := "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())

	res, raw, err := s.SegmentPayload(context.Background(), payload, types.ModeSideBySide)
	require.NoError(t, err)
	assert.Equal(t, buf.Bytes(), raw)

	resp, err := res.Response()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(resp.Prediction, codec.PNGDataURLPrefix))
	assert.Equal(t, res.Stats.Pixels, resp.Pixels)

	// the rendered PNG round-trips to 2W x H
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(resp.Prediction, codec.PNGDataURLPrefix))
	require.NoError(t, err)
	cfg, err := png.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 60, cfg.Width)
	assert.Equal(t, 20, cfg.Height)
}

func TestSegmentPayloadInvalid(t *testing.T) {
	s := newTestSegmenter(t)

	_, _, err := s.SegmentPayload(context.Background(), "data:image/png;base64,!!!", "")
	assert.ErrorIs(t, err, codec.ErrInvalidPayload)

	_, _, err = s.SegmentPayload(context.Background(), base64.StdEncoding.EncodeToString([]byte("plain text")), "")
	assert.ErrorIs(t, err, codec.ErrUnsupportedFormat)
}

func TestSegmentLesions(t *testing.T) {
	s := newTestSegmenter(t)
	s.SetRegionConfig(vision.RegionConfig{MaxRegions: 2})

	res, err := s.Segment(context.Background(), createTestImage(32, 32), types.ModeOverlay)
	require.NoError(t, err)

	assert.LessOrEqual(t, len(res.Lesions), 2)
	assert.Equal(t, len(vision.FindRegions(res.Mask, vision.RegionConfig{MaxRegions: 2})), len(res.Lesions))
	for _, b := range res.Lesions {
		assert.True(t, b.W > 0 && b.W <= 1)
		assert.True(t, b.H > 0 && b.H <= 1)
	}
}
