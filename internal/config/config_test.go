package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, ":5000", cfg.Server.Addr)
	assert.Equal(t, 256, cfg.Model.InputSize)
	assert.Equal(t, 0.5, cfg.Model.Threshold)
	assert.Equal(t, 64, cfg.Model.BaseWidth)
	assert.Equal(t, "gpt-3.5-turbo", cfg.LLM.Model)
	assert.Equal(t, 0.5, cfg.LLM.Temperature)
	assert.Equal(t, []float64{0.5, 0.5, 0.5}, cfg.Classifier.Mean)
	assert.Equal(t, 24*time.Hour, cfg.Cache.TTL)

	// defaults need either weights or random init
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model.weights_path")

	cfg.Model.RandomInit = true
	assert.NoError(t, cfg.Validate())
}

func TestLoadFile(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	path := writeConfig(t, `
server:
  addr: ":9000"
  queue_timeout: 5s
model:
  weights_path: /models/unet.safetensors
  input_size: 128
llm:
  provider: ollama
  base_url: http://localhost:11434
  model: llama3
cache:
  enabled: true
  ttl: 1h
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, 5*time.Second, cfg.Server.QueueTimeout)
	assert.Equal(t, "/models/unet.safetensors", cfg.Model.WeightsPath)
	assert.Equal(t, 128, cfg.Model.InputSize)
	assert.Equal(t, "ollama", cfg.LLM.Provider)
	assert.Equal(t, "llama3", cfg.LLM.Model)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, time.Hour, cfg.Cache.TTL)
	// untouched keys keep their defaults
	assert.Equal(t, "release", cfg.Server.Mode)
	assert.Equal(t, "localhost:6379", cfg.Cache.Addr)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("LESIONSEG_SERVER_ADDR", ":7000")
	t.Setenv("LESIONSEG_MODEL_RANDOM_INIT", "true")
	t.Setenv("LESIONSEG_SERVER_MAX_CONCURRENT", "8")
	t.Setenv("LESIONSEG_LLM_TEMPERATURE", "0")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 0.0, cfg.LLM.Temperature)

	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.True(t, cfg.Model.RandomInit)
	assert.Equal(t, 8, cfg.Server.MaxConcurrent)
	assert.Equal(t, "sk-env", cfg.LLM.APIKey)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := writeConfig(t, "model:\n  random_init: true\n  input_size: 250\n")
	_, err = Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model.input_size")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"mode", func(c *Config) { c.Server.Mode = "prod" }, "server.mode"},
		{"body", func(c *Config) { c.Server.MaxBodyBytes = 0 }, "server.max_body_bytes"},
		{"concurrency", func(c *Config) { c.Server.MaxConcurrent = 0 }, "server.max_concurrent"},
		{"threshold", func(c *Config) { c.Model.Threshold = 1 }, "model.threshold"},
		{"classifier path", func(c *Config) { c.Classifier.Enabled = true }, "classifier.model_path"},
		{"classifier std", func(c *Config) {
			c.Classifier.Enabled = true
			c.Classifier.ModelPath = "m.onnx"
			c.Classifier.Std = []float64{0.5, 0, 0.5}
		}, "classifier.std"},
		{"provider", func(c *Config) { c.LLM.Provider = "bard" }, "llm.provider"},
		{"cache", func(c *Config) {
			c.Cache.Enabled = true
			c.Cache.Addr = ""
		}, "cache.addr"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.Model.RandomInit = true
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.field)
		})
	}
}

func TestSaveToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, SaveToFile(path))

	cfg, err := Load(path)
	// defaults alone are not a valid serving setup
	require.Error(t, err)
	assert.Nil(t, cfg)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "input_size")
}
