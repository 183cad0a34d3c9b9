package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsImageFile(t *testing.T) {
	assert.True(t, isImageFile("scan.PNG"))
	assert.True(t, isImageFile("a/b/c.webp"))
	assert.True(t, isImageFile("x.tif"))
	assert.False(t, isImageFile("notes.txt"))
	assert.False(t, isImageFile("noext"))
}

func TestGenerateOutputFilename(t *testing.T) {
	assert.Equal(t, filepath.Join("out", "scan_mask.png"), GenerateOutputFilename("in/scan.jpg", "out", "_mask", ""))
	assert.Equal(t, filepath.Join("out", "scan.webp"), GenerateOutputFilename("scan.jpg", "out", "", "webp"))
}

func TestListImageFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, EnsureDir(filepath.Join(dir, "sub")))
	for _, name := range []string{"b.png", "a.jpg", "sub/c.webp", "readme.md"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644))
	}

	files, err := ListImageFiles(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "a.jpg"),
		filepath.Join(dir, "b.png"),
		filepath.Join(dir, "sub", "c.webp"),
	}, files)

	assert.True(t, DirExists(dir))
	assert.False(t, DirExists(filepath.Join(dir, "a.jpg")))
	assert.False(t, DirExists(filepath.Join(dir, "missing")))
}

func TestFormatFileSize(t *testing.T) {
	assert.Equal(t, "512 B", FormatFileSize(512))
	assert.Equal(t, "1.0 KB", FormatFileSize(1024))
	assert.Equal(t, "1.5 MB", FormatFileSize(1536*1024))
	assert.Equal(t, "2.0 GB", FormatFileSize(2<<30))
}
