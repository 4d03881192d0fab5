package api

import (
	"net/http"
)

// RegisterRoutes registers every API route on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	chain := Chain(
		RequestID(),
		Recovery(h.logger),
		Logging(h.logger),
	)
	convert := Chain(chain, RateLimit(h.limiter))

	// Conversion
	mux.Handle("POST /convert", convert(http.HandlerFunc(h.Convert)))
	mux.Handle("POST /api/convert", convert(http.HandlerFunc(h.ConvertBatch)))
	mux.Handle("POST /convert/batch", convert(http.HandlerFunc(h.ConvertBatch)))
	mux.Handle("POST /api/convert/batch", convert(http.HandlerFunc(h.ConvertBatch)))
	mux.Handle("POST /convert/s3", convert(http.HandlerFunc(h.ConvertS3)))

	// Status
	mux.Handle("GET /health", chain(http.HandlerFunc(h.Health)))
	mux.Handle("GET /config", chain(http.HandlerFunc(h.ShowConfig)))
}
