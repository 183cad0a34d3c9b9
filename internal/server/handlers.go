package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tonk/lesionseg"
	"github.com/tonk/lesionseg/internal/cache"
	"github.com/tonk/lesionseg/pkg/insights"
	"github.com/tonk/lesionseg/pkg/types"
)

const (
	endpointClassify = "analyze-image"
	endpointSegment  = "segment-image"
)

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"version":    s.deps.Build.Version,
		"classifier": s.deps.Classifier != nil,
		"insights":   s.deps.Insights != nil,
	})
}

func (s *Server) version(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Build)
}

// analyzeImage classifies a tumor image as benign or malignant.
func (s *Server) analyzeImage(c *gin.Context) {
	req, ok := s.bindImage(c, "Missing 'image_data' field")
	if !ok {
		return
	}
	if s.deps.Classifier == nil {
		s.fail(c, http.StatusServiceUnavailable, errors.New("classifier is not configured"))
		return
	}

	img, raw, err := s.proc.DecodePayload(req.ImageData)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}

	key := cache.Key(endpointClassify, raw)
	var cached types.ClassificationResponse
	if s.lookup(c, endpointClassify, key, &cached) {
		cached.Cached = true
		c.JSON(http.StatusOK, cached)
		return
	}

	release, err := s.limiter.acquire(c.Request.Context())
	if err != nil {
		s.busy(c, err)
		return
	}
	defer release()
	start := time.Now()
	pred, err := s.deps.Classifier.Classify(c.Request.Context(), img)
	s.metrics.inference.WithLabelValues("classifier").Observe(time.Since(start).Seconds())
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}

	resp := types.ClassificationResponse{Prediction: pred.Label, Confidence: pred.Confidence}
	s.store(c, key, resp)
	c.JSON(http.StatusOK, resp)
}

// segmentImage returns the lesion mask rendered next to or over the input.
func (s *Server) segmentImage(c *gin.Context) {
	req, ok := s.bindImage(c, "Missing image_data")
	if !ok {
		return
	}
	mode := req.Mode
	if mode == "" {
		mode = types.ModeSideBySide
	}
	if mode != types.ModeSideBySide && mode != types.ModeOverlay {
		s.fail(c, http.StatusBadRequest, lesionseg.ErrUnknownMode)
		return
	}

	img, raw, err := s.proc.DecodePayload(req.ImageData)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}

	key := cache.Key(endpointSegment, raw, mode)
	var cached types.SegmentationResponse
	if s.lookup(c, endpointSegment, key, &cached) {
		cached.Cached = true
		c.JSON(http.StatusOK, cached)
		return
	}

	release, err := s.limiter.acquire(c.Request.Context())
	if err != nil {
		s.busy(c, err)
		return
	}
	defer release()
	res, err := s.deps.Segmenter.Segment(c.Request.Context(), img, mode)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	s.metrics.inference.WithLabelValues("unet").Observe(res.Elapsed.Seconds())

	resp, err := res.Response()
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}

	s.deps.Logger.Debug("segmented image",
		zap.String("request_id", c.GetString(requestIDKey)),
		zap.Int("lesion_pixels", resp.Pixels),
		zap.Float64("coverage", resp.Coverage),
		zap.Duration("elapsed", res.Elapsed))

	s.store(c, key, resp)
	c.JSON(http.StatusOK, resp)
}

// analyzeVitals asks the language model for insights about the vitals.
func (s *Server) analyzeVitals(c *gin.Context) {
	if s.deps.Insights == nil {
		s.fail(c, http.StatusServiceUnavailable, errors.New("language model is not configured"))
		return
	}

	var vitals map[string]any
	if err := c.ShouldBindJSON(&vitals); err != nil {
		s.failBind(c, err)
		return
	}

	start := time.Now()
	list, err := s.deps.Insights.Analyze(c.Request.Context(), vitals)
	s.metrics.inference.WithLabelValues("llm").Observe(time.Since(start).Seconds())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, insights.ErrNoVitals) {
			status = http.StatusBadRequest
		}
		s.fail(c, status, err)
		return
	}

	c.JSON(http.StatusOK, types.VitalsResponse{Insights: list})
}

// bindImage decodes an ImageRequest and answers 400 when image_data is
// missing.
func (s *Server) bindImage(c *gin.Context, missing string) (types.ImageRequest, bool) {
	var req types.ImageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.failBind(c, err)
		return req, false
	}
	if req.ImageData == "" {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: missing})
		return req, false
	}
	return req, true
}

func (s *Server) failBind(c *gin.Context, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		s.fail(c, http.StatusRequestEntityTooLarge, err)
		return
	}
	s.fail(c, http.StatusBadRequest, err)
}

func (s *Server) busy(c *gin.Context, err error) {
	if errors.Is(err, ErrBusy) {
		s.metrics.rejected.Inc()
	}
	s.fail(c, http.StatusServiceUnavailable, err)
}

func (s *Server) fail(c *gin.Context, status int, err error) {
	_ = c.Error(err)
	c.JSON(status, types.ErrorResponse{Error: err.Error()})
}

// lookup reads a cached response. Cache errors are logged and treated as
// misses.
func (s *Server) lookup(c *gin.Context, endpoint, key string, dst any) bool {
	found, err := s.deps.Cache.Get(c.Request.Context(), key, dst)
	if err != nil {
		s.deps.Logger.Warn("failed to get cache", zap.String("key", key), zap.Error(err))
		s.metrics.cache.WithLabelValues(endpoint, "error").Inc()
		return false
	}
	if found {
		s.metrics.cache.WithLabelValues(endpoint, "hit").Inc()
		return true
	}
	s.metrics.cache.WithLabelValues(endpoint, "miss").Inc()
	return false
}

func (s *Server) store(c *gin.Context, key string, value any) {
	// the write outlives a cancelled request
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), 2*time.Second)
	defer cancel()
	if err := s.deps.Cache.Set(ctx, key, value); err != nil {
		s.deps.Logger.Warn("failed to set cache", zap.String("key", key), zap.Error(err))
	}
}
