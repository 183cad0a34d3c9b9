package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// LESIONSEG_SERVER_ADDR overrides server.addr.
const EnvPrefix = "LESIONSEG"

// Config holds the application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Model      ModelConfig      `mapstructure:"model"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	Mode            string        `mapstructure:"mode"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	MaxConcurrent   int           `mapstructure:"max_concurrent"`
	QueueTimeout    time.Duration `mapstructure:"queue_timeout"`
}

// ModelConfig holds segmentation network settings
type ModelConfig struct {
	WeightsPath string  `mapstructure:"weights_path"`
	RandomInit  bool    `mapstructure:"random_init"`
	BaseWidth   int     `mapstructure:"base_width"`
	InputSize   int     `mapstructure:"input_size"`
	Threshold   float64 `mapstructure:"threshold"`
	MaxPixels   int     `mapstructure:"max_pixels"`
	Workers     int     `mapstructure:"workers"`
}

// ClassifierConfig holds the tumor classifier settings
type ClassifierConfig struct {
	Enabled     bool      `mapstructure:"enabled"`
	ModelPath   string    `mapstructure:"model_path"`
	LibraryPath string    `mapstructure:"library_path"`
	InputName   string    `mapstructure:"input_name"`
	OutputName  string    `mapstructure:"output_name"`
	InputSize   int       `mapstructure:"input_size"`
	Mean        []float64 `mapstructure:"mean"`
	Std         []float64 `mapstructure:"std"`
}

// LLMConfig holds the language model backend settings
type LLMConfig struct {
	Provider    string        `mapstructure:"provider"`
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	Temperature float64       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// CacheConfig holds redis result cache settings
type CacheConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// Default returns a configuration with default values
func Default() *Config {
	cfg, err := decode(newViper())
	if err != nil {
		// defaults always decode
		panic(err)
	}
	return cfg
}

// Load reads configuration from a YAML file, a .env file in the working
// directory and LESIONSEG_* environment variables, in increasing priority.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	// The conventional OpenAI variable is honoured when no key is configured.
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveToFile writes the default configuration as YAML
func SaveToFile(filename string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := newViper()
	v.SetConfigType("yaml")
	if err := v.WriteConfigAs(filename); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	switch c.Server.Mode {
	case "debug", "release", "test":
	default:
		errs = append(errs, fmt.Errorf("server.mode must be debug, release or test, got %q", c.Server.Mode))
	}
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr cannot be empty"))
	}
	if c.Server.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("server.max_body_bytes must be positive"))
	}
	if c.Server.MaxConcurrent < 1 {
		errs = append(errs, errors.New("server.max_concurrent must be at least 1"))
	}
	if c.Server.QueueTimeout <= 0 {
		errs = append(errs, errors.New("server.queue_timeout must be positive"))
	}

	if c.Model.WeightsPath == "" && !c.Model.RandomInit {
		errs = append(errs, errors.New("model.weights_path is required unless model.random_init is set"))
	}
	if c.Model.BaseWidth < 1 {
		errs = append(errs, errors.New("model.base_width must be positive"))
	}
	if c.Model.InputSize < 16 || c.Model.InputSize%16 != 0 {
		errs = append(errs, errors.New("model.input_size must be a positive multiple of 16"))
	}
	if c.Model.Threshold <= 0 || c.Model.Threshold >= 1 {
		errs = append(errs, errors.New("model.threshold must be between 0 and 1"))
	}
	if c.Model.Workers < 0 {
		errs = append(errs, errors.New("model.workers cannot be negative"))
	}

	if c.Classifier.Enabled {
		if c.Classifier.ModelPath == "" {
			errs = append(errs, errors.New("classifier.model_path is required when the classifier is enabled"))
		}
		if len(c.Classifier.Mean) != 3 || len(c.Classifier.Std) != 3 {
			errs = append(errs, errors.New("classifier.mean and classifier.std need three values"))
		}
		for _, s := range c.Classifier.Std {
			if s == 0 {
				errs = append(errs, errors.New("classifier.std values must be non-zero"))
				break
			}
		}
	}

	switch strings.ToLower(c.LLM.Provider) {
	case "openai", "ollama", "none", "":
	default:
		errs = append(errs, fmt.Errorf("llm.provider must be openai, ollama or none, got %q", c.LLM.Provider))
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errs = append(errs, errors.New("llm.temperature must be between 0 and 2"))
	}

	if c.Cache.Enabled && c.Cache.Addr == "" {
		errs = append(errs, errors.New("cache.addr is required when the cache is enabled"))
	}

	return errors.Join(errs...)
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.yaml"
	}
	return filepath.Join(home, ".config", "lesionseg", "config.yaml")
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":5000")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 2*time.Minute)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.max_body_bytes", 20*1024*1024)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.max_concurrent", 2)
	v.SetDefault("server.queue_timeout", 30*time.Second)

	v.SetDefault("model.weights_path", "")
	v.SetDefault("model.random_init", false)
	v.SetDefault("model.base_width", 64)
	v.SetDefault("model.input_size", 256)
	v.SetDefault("model.threshold", 0.5)
	v.SetDefault("model.max_pixels", 40_000_000)
	v.SetDefault("model.workers", 0)

	v.SetDefault("classifier.enabled", false)
	v.SetDefault("classifier.model_path", "")
	v.SetDefault("classifier.library_path", "")
	v.SetDefault("classifier.input_name", "pixel_values")
	v.SetDefault("classifier.output_name", "logits")
	v.SetDefault("classifier.input_size", 224)
	v.SetDefault("classifier.mean", []float64{0.5, 0.5, 0.5})
	v.SetDefault("classifier.std", []float64{0.5, 0.5, 0.5})

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.model", "gpt-3.5-turbo")
	v.SetDefault("llm.temperature", 0.5)
	v.SetDefault("llm.max_tokens", 0)
	v.SetDefault("llm.timeout", 2*time.Minute)

	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.addr", "localhost:6379")
	v.SetDefault("cache.password", "")
	v.SetDefault("cache.db", 0)
	v.SetDefault("cache.ttl", 24*time.Hour)

	v.SetDefault("logging.level", "info")
}
