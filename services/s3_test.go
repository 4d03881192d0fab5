package services

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"psdconverter/config"
	"psdconverter/testsupport"
)

func newTestS3Source(t *testing.T, handler http.HandlerFunc) *S3Source {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := config.Default()
	cfg.S3Bucket = "uploads"
	cfg.S3Region = "us-east-1"
	cfg.S3Endpoint = server.URL
	cfg.S3UsePathStyle = true
	cfg.AWSS3AccessKey = "test"
	cfg.AWSS3SecretKey = "test"

	src, err := NewS3Source(cfg)
	if err != nil {
		t.Fatalf("NewS3Source failed: %v", err)
	}
	return src
}

func TestS3Source_Open(t *testing.T) {
	t.Parallel()

	payload := testsupport.PSD(8, 8, 512)
	src := newTestS3Source(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/uploads/designs/poster.psd" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/vnd.adobe.photoshop")
		_, _ = w.Write(payload)
	})

	body, size, err := src.Open(context.Background(), "/designs/poster.psd")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if size != int64(len(payload)) || len(data) != len(payload) {
		t.Fatalf("expected %d bytes, got size=%d read=%d", len(payload), size, len(data))
	}
}

func TestS3Source_MissingKey(t *testing.T) {
	t.Parallel()

	src := newTestS3Source(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`)
	})

	_, _, err := src.Open(context.Background(), "missing.psd")
	if !errors.Is(err, ErrObjectNotFound) || !errors.Is(err, ErrValidation) {
		t.Fatalf("expected not-found validation error, got %v", err)
	}

	if _, _, err := src.Open(context.Background(), "  "); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected empty key to be rejected, got %v", err)
	}
}
