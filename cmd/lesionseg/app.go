package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tonk/lesionseg"
	"github.com/tonk/lesionseg/internal/cache"
	"github.com/tonk/lesionseg/internal/config"
	"github.com/tonk/lesionseg/pkg/classifier"
	"github.com/tonk/lesionseg/pkg/client"
	"github.com/tonk/lesionseg/pkg/codec"
	"github.com/tonk/lesionseg/pkg/ollama"
	"github.com/tonk/lesionseg/pkg/openai"
	"github.com/tonk/lesionseg/pkg/tensor"
	"github.com/tonk/lesionseg/pkg/unet"
)

// buildSegmenter loads the network once and pairs it with the codec.
func buildSegmenter(cfg *config.Config, logger *zap.Logger) (*lesionseg.Segmenter, error) {
	if cfg.Model.Workers > 0 {
		tensor.SetWorkers(cfg.Model.Workers)
	}

	ucfg := unet.DefaultConfig()
	ucfg.BaseWidth = cfg.Model.BaseWidth

	var net *unet.Network
	if cfg.Model.WeightsPath != "" {
		start := time.Now()
		n, unexpected, err := unet.Load(cfg.Model.WeightsPath, ucfg)
		if err != nil {
			return nil, fmt.Errorf("load weights %s: %w", cfg.Model.WeightsPath, err)
		}
		if len(unexpected) > 0 {
			logger.Warn("checkpoint has unused tensors",
				zap.Int("count", len(unexpected)),
				zap.Strings("names", unexpected))
		}
		logger.Info("segmentation weights loaded",
			zap.String("path", cfg.Model.WeightsPath),
			zap.Int("parameters", n.NumParameters()),
			zap.Duration("elapsed", time.Since(start)))
		net = n
	} else {
		n, err := unet.New(ucfg)
		if err != nil {
			return nil, err
		}
		seed := uint64(time.Now().UnixNano())
		n.Init(rand.New(rand.NewPCG(seed, seed>>1)))
		logger.Warn("no weights configured, using random initialization")
		net = n
	}

	proc := codec.NewProcessorWithOptions(codec.Options{
		InputSize: cfg.Model.InputSize,
		Threshold: float32(cfg.Model.Threshold),
		MaxPixels: cfg.Model.MaxPixels,
	})
	return lesionseg.New(net, proc), nil
}

// buildClassifier returns nil when the classifier is disabled.
func buildClassifier(cfg *config.Config) (*classifier.ONNXClassifier, error) {
	if !cfg.Classifier.Enabled {
		return nil, nil
	}
	pre := classifier.DefaultPreprocess()
	if cfg.Classifier.InputSize > 0 {
		pre.Size = cfg.Classifier.InputSize
	}
	for i := 0; i < 3 && i < len(cfg.Classifier.Mean); i++ {
		pre.Mean[i] = float32(cfg.Classifier.Mean[i])
	}
	for i := 0; i < 3 && i < len(cfg.Classifier.Std); i++ {
		pre.Std[i] = float32(cfg.Classifier.Std[i])
	}
	return classifier.NewONNXClassifier(classifier.ONNXConfig{
		ModelPath:   cfg.Classifier.ModelPath,
		LibraryPath: cfg.Classifier.LibraryPath,
		InputName:   cfg.Classifier.InputName,
		OutputName:  cfg.Classifier.OutputName,
		Preprocess:  pre,
	})
}

// buildTextClient returns nil when no language model is configured.
func buildTextClient(cfg *config.Config, logger *zap.Logger) (client.TextClient, error) {
	llm := cfg.LLM
	switch strings.ToLower(llm.Provider) {
	case "ollama":
		url := llm.BaseURL
		if url == "" {
			url = "http://localhost:11434"
		}
		c, err := ollama.NewClient(url, llm.Model, llm.Temperature)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "openai":
		if llm.APIKey == "" && llm.BaseURL == "" {
			logger.Warn("no OpenAI API key or base URL configured, vitals analysis disabled")
			return nil, nil
		}
		c, err := openai.NewClient(openai.Options{
			APIKey:      llm.APIKey,
			BaseURL:     llm.BaseURL,
			Model:       llm.Model,
			Temperature: float32(llm.Temperature),
			MaxTokens:   llm.MaxTokens,
			Timeout:     llm.Timeout,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, nil
	}
}

// buildCache connects to redis; an unreachable server disables caching.
func buildCache(ctx context.Context, cfg *config.Config, logger *zap.Logger) cache.Cache {
	if !cfg.Cache.Enabled {
		return cache.Noop{}
	}
	r := cache.NewRedis(cache.Options{
		Addr:     cfg.Cache.Addr,
		Password: cfg.Cache.Password,
		DB:       cfg.Cache.DB,
		TTL:      cfg.Cache.TTL,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.Ping(pingCtx); err != nil {
		logger.Warn("redis connection failed, cache disabled", zap.Error(err))
		_ = r.Close()
		return cache.Noop{}
	}
	logger.Info("redis connected successfully", zap.String("addr", cfg.Cache.Addr))
	return r
}
