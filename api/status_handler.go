package api

import (
	"net/http"
)

type HealthResponse struct {
	Status   string `json:"status"`
	Capacity int    `json:"capacity"`
	InFlight int    `json:"in_flight"`
}

// ConfigResponse lists the limits clients need to know before uploading.
type ConfigResponse struct {
	MaxTotalRequestSizeMB    int64  `json:"max_total_request_size_mb"`
	MaxSingleFileSizeMB      int64  `json:"max_single_file_size_mb"`
	MaxFilesCount            int    `json:"max_files_count"`
	MaxImagePixels           int64  `json:"max_image_pixels"`
	ConversionTimeoutSeconds int    `json:"conversion_timeout_seconds"`
	UploadTimeoutSeconds     int    `json:"upload_timeout_seconds"`
	QueueWaitSeconds         int    `json:"queue_wait_seconds"`
	GateBackend              string `json:"gate_backend"`
	GateCapacity             int    `json:"gate_capacity"`
	S3Enabled                bool   `json:"s3_enabled"`
}

// Health reports liveness.
// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	gate := h.orch.Gate()
	JSON(w, http.StatusOK, HealthResponse{
		Status:   "healthy",
		Capacity: gate.Capacity(),
		InFlight: gate.InFlight(),
	})
}

// ShowConfig reports the effective limits.
// GET /config
func (h *Handler) ShowConfig(w http.ResponseWriter, r *http.Request) {
	s := h.settings
	JSON(w, http.StatusOK, ConfigResponse{
		MaxTotalRequestSizeMB:    s.MaxTotalSize >> 20,
		MaxSingleFileSizeMB:      s.MaxFileSize >> 20,
		MaxFilesCount:            s.MaxFiles,
		MaxImagePixels:           s.MaxPixels,
		ConversionTimeoutSeconds: s.ConversionTimeout,
		UploadTimeoutSeconds:     s.UploadTimeout,
		QueueWaitSeconds:         s.QueueWait,
		GateBackend:              s.GateBackend,
		GateCapacity:             h.orch.Gate().Capacity(),
		S3Enabled:                h.s3 != nil,
	})
}
