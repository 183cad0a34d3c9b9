// Package server exposes the segmentation, classification and vitals
// endpoints over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tonk/lesionseg"
	"github.com/tonk/lesionseg/internal/cache"
	"github.com/tonk/lesionseg/pkg/classifier"
	"github.com/tonk/lesionseg/pkg/codec"
	"github.com/tonk/lesionseg/pkg/insights"
)

// Options tunes the HTTP layer.
type Options struct {
	Mode            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64
	AllowedOrigins  []string
	MaxConcurrent   int
	QueueTimeout    time.Duration
}

// BuildInfo is reported by /version.
type BuildInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
}

// Deps are the collaborators behind the endpoints. Classifier and Insights
// may be nil, in which case their endpoints answer 503.
type Deps struct {
	Segmenter  *lesionseg.Segmenter
	Classifier classifier.Classifier
	Insights   *insights.Analyzer
	Cache      cache.Cache
	Logger     *zap.Logger
	Build      BuildInfo
}

// Server is the HTTP front end.
type Server struct {
	opts    Options
	deps    Deps
	proc    *codec.Processor
	limiter *limiter
	metrics *metrics
	engine  *gin.Engine
}

// New wires the router. Segmenter is required.
func New(opts Options, deps Deps) (*Server, error) {
	if deps.Segmenter == nil {
		return nil, errors.New("server: segmenter is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Cache == nil {
		deps.Cache = cache.Noop{}
	}
	if deps.Build.Version == "" {
		deps.Build.Version = lesionseg.Version
	}
	if opts.Mode != "" {
		gin.SetMode(opts.Mode)
	}

	s := &Server{
		opts:    opts,
		deps:    deps,
		proc:    deps.Segmenter.Processor(),
		limiter: newLimiter(opts.MaxConcurrent, opts.QueueTimeout),
		metrics: newMetrics(),
	}
	s.engine = s.routes()
	return s, nil
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(requestID())
	r.Use(recovery(s.deps.Logger))
	r.Use(accessLog(s.deps.Logger))
	r.Use(instrument(s.metrics))
	r.Use(corsMiddleware(s.opts.AllowedOrigins))
	r.Use(limitBody(s.opts.MaxBodyBytes))

	r.GET("/health", s.health)
	r.GET("/version", s.version)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{})))

	r.POST("/analyze-image", s.analyzeImage)
	r.POST("/segment-image", s.segmentImage)
	r.POST("/analyze-vitals", s.analyzeVitals)
	return r
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.deps.Logger.Info("server starting", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	timeout := s.opts.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.deps.Logger.Info("shutting down server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
