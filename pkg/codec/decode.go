// Package codec turns base64 image payloads into network input tensors and
// turns network logits back into PNG mask overlays.
package codec

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var (
	// ErrInvalidPayload is returned for payloads that are not valid base64
	// or data URLs.
	ErrInvalidPayload = errors.New("codec: invalid image payload")
	// ErrUnsupportedFormat is returned when no registered decoder accepts
	// the bytes.
	ErrUnsupportedFormat = errors.New("codec: unknown or unsupported image format")
	// ErrTooLarge is returned when the decoded image exceeds MaxPixels.
	ErrTooLarge = errors.New("codec: image too large")
)

// DecodeDataURL extracts the raw bytes of a "data:<mime>;base64,<payload>"
// string. A bare base64 payload without the header is accepted as well;
// the returned media type is empty in that case.
func DecodeDataURL(s string) ([]byte, string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, "", fmt.Errorf("%w: empty payload", ErrInvalidPayload)
	}

	var mediaType string
	payload := s
	if strings.HasPrefix(s, "data:") {
		comma := strings.IndexByte(s, ',')
		if comma < 0 {
			return nil, "", fmt.Errorf("%w: data URL without payload", ErrInvalidPayload)
		}
		meta := s[len("data:"):comma]
		payload = s[comma+1:]
		if !strings.HasSuffix(meta, ";base64") {
			return nil, "", fmt.Errorf("%w: data URL is not base64 encoded", ErrInvalidPayload)
		}
		mediaType = strings.TrimSuffix(meta, ";base64")
	} else if comma := strings.IndexByte(s, ','); comma >= 0 {
		// a header without the data: scheme, split like the web client does
		payload = s[comma+1:]
	}

	payload = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t':
			return -1
		}
		return r
	}, payload)

	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if data, err := enc.DecodeString(payload); err == nil {
			if len(data) == 0 {
				break
			}
			return data, mediaType, nil
		}
	}
	return nil, "", fmt.Errorf("%w: not valid base64", ErrInvalidPayload)
}

// DecodeImage decodes image bytes with the registered decoders, falling back
// to the libwebp decoder, and returns an opaque RGB image.
func (p *Processor) DecodeImage(data []byte) (image.Image, string, error) {
	if p.opts.MaxPixels > 0 {
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
			if cfg.Width*cfg.Height > p.opts.MaxPixels {
				return nil, "", fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrTooLarge, cfg.Width, cfg.Height, p.opts.MaxPixels)
			}
		}
	}

	if img, format, err := image.Decode(bytes.NewReader(data)); err == nil {
		return toRGB(img), format, nil
	}
	if img, err := webp.Decode(bytes.NewReader(data)); err == nil {
		return toRGB(img), "webp", nil
	}
	return nil, "", ErrUnsupportedFormat
}

// DecodePayload decodes a data URL or base64 string into an RGB image and
// also returns the raw bytes, which callers use as a cache key.
func (p *Processor) DecodePayload(s string) (image.Image, []byte, error) {
	data, _, err := DecodeDataURL(s)
	if err != nil {
		return nil, nil, err
	}
	img, _, err := p.DecodeImage(data)
	if err != nil {
		return nil, nil, err
	}
	return img, data, nil
}

// LoadImage loads an image file with WebP support.
func (p *Processor) LoadImage(path string) (image.Image, error) {
	if img, err := imaging.Open(path); err == nil {
		return toRGB(img), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	img, _, err := p.DecodeImage(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// toRGB copies img into a zero-origin NRGBA image with every pixel fully
// opaque. Alpha is discarded without compositing: sources that store
// straight colour (NRGBA, NRGBA64, paletted) keep it under transparent
// pixels. Premultiplied sources have no colour left at alpha 0 and become
// black there.
func toRGB(img image.Image) *image.NRGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))

	switch src := img.(type) {
	case *image.NRGBA:
		for y := 0; y < h; y++ {
			si := src.PixOffset(b.Min.X, b.Min.Y+y)
			di := dst.PixOffset(0, y)
			copy(dst.Pix[di:di+4*w], src.Pix[si:si+4*w])
		}
	case *image.NRGBA64:
		for y := 0; y < h; y++ {
			si := src.PixOffset(b.Min.X, b.Min.Y+y)
			di := dst.PixOffset(0, y)
			for x := 0; x < w; x++ {
				// big-endian 16-bit channels, keep the high byte
				for c := 0; c < 3; c++ {
					dst.Pix[di+4*x+c] = src.Pix[si+8*x+2*c]
				}
			}
		}
	case *image.Paletted:
		palette := make([]color.NRGBA, len(src.Palette))
		for i, c := range src.Palette {
			palette[i] = color.NRGBAModel.Convert(c).(color.NRGBA)
		}
		for y := 0; y < h; y++ {
			si := src.PixOffset(b.Min.X, b.Min.Y+y)
			for x := 0; x < w; x++ {
				idx := int(src.Pix[si+x])
				if idx < len(palette) {
					dst.SetNRGBA(x, y, palette[idx])
				}
			}
		}
	default:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				dst.SetNRGBA(x, y, color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA))
			}
		}
	}

	for i := 3; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = 0xff
	}
	return dst
}
