package main

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{uint8(x * 9), uint8(y * 9), 120, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
}

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "lesionseg "))
}

func TestWeightsInitAndInspect(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unet.safetensors")

	out, err := runCLI(t, "weights", "init", path, "--base-width", "4", "--seed", "7")
	require.NoError(t, err)
	assert.Contains(t, out, "wrote")

	_, err = runCLI(t, "weights", "init", path, "--base-width", "4")
	assert.Error(t, err, "existing file needs --force")

	out, err = runCLI(t, "weights", "inspect", path, "--check", "--base-width", "4")
	require.NoError(t, err)
	assert.Contains(t, out, "inc.double_conv.0.weight")
	assert.Contains(t, out, "outc.bias")
	assert.Contains(t, out, "base_width: 4")
	assert.Contains(t, out, "checkpoint matches the network")

	out, err = runCLI(t, "weights", "inspect", path, "--filter", "outc")
	require.NoError(t, err)
	assert.Contains(t, out, "2 tensors")

	_, err = runCLI(t, "weights", "inspect", path, "--check", "--base-width", "8")
	assert.Error(t, err)
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg", "config.yaml")
	out, err := runCLI(t, "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)
	assert.FileExists(t, path)
}

func TestSegmentCommand(t *testing.T) {
	t.Setenv("LESIONSEG_MODEL_RANDOM_INIT", "true")
	t.Setenv("LESIONSEG_MODEL_BASE_WIDTH", "4")
	t.Setenv("LESIONSEG_MODEL_INPUT_SIZE", "32")
	t.Setenv("LESIONSEG_LOGGING_LEVEL", "error")

	dir := t.TempDir()
	inDir := filepath.Join(dir, "in")
	require.NoError(t, os.MkdirAll(inDir, 0755))
	writePNG(t, filepath.Join(inDir, "scan.png"), 20, 12)
	outDir := filepath.Join(dir, "out")

	out, err := runCLI(t, "segment", inDir, "--out", outDir, "--mask")
	require.NoError(t, err)
	assert.Contains(t, out, "scan.png")

	rendered := filepath.Join(outDir, "scan_side_by_side.png")
	require.FileExists(t, rendered)
	f, err := os.Open(rendered)
	require.NoError(t, err)
	defer f.Close()
	cfg, err := png.DecodeConfig(f)
	require.NoError(t, err)
	assert.Equal(t, 40, cfg.Width)
	assert.Equal(t, 12, cfg.Height)

	assert.FileExists(t, filepath.Join(outDir, "scan_mask.png"))
}

func TestClassifyRequiresClassifier(t *testing.T) {
	t.Setenv("LESIONSEG_MODEL_RANDOM_INIT", "true")
	_, err := runCLI(t, "classify", "x.png")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "classifier is disabled")
}
