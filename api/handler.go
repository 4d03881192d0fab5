package api

import (
	"psdconverter/config"
	"psdconverter/services"
	"psdconverter/worker"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Handler serves the conversion API.
type Handler struct {
	orch     *worker.Orchestrator
	storage  *services.StorageArea
	s3       *services.S3Source
	settings *config.Config
	limiter  *rate.Limiter
	logger   *zap.Logger
}

// Config holds the dependencies of a Handler. S3 is optional.
type Config struct {
	Orchestrator *worker.Orchestrator
	Storage      *services.StorageArea
	S3           *services.S3Source
	Settings     *config.Config
	Logger       *zap.Logger
}

func NewHandler(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	var limiter *rate.Limiter
	if cfg.Settings.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Settings.RateLimit), cfg.Settings.RateBurst)
	}

	return &Handler{
		orch:     cfg.Orchestrator,
		storage:  cfg.Storage,
		s3:       cfg.S3,
		settings: cfg.Settings,
		limiter:  limiter,
		logger:   cfg.Logger,
	}
}

// retryAfter is the Retry-After hint for overload responses, in seconds.
func (h *Handler) retryAfter() int {
	if h.settings.QueueWait > 0 {
		return h.settings.QueueWait
	}
	return 1
}
