package logging

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew_Formats(t *testing.T) {
	t.Parallel()

	for _, format := range []string{"json", "console", ""} {
		logger, err := New(Options{Format: format, Level: "debug"})
		if err != nil {
			t.Fatalf("New(%q) returned error: %v", format, err)
		}
		logger.Info("message", zap.String("k", "v"))
		_ = logger.Sync()
	}
}

func TestNew_InvalidLevelDefaultsToInfo(t *testing.T) {
	t.Parallel()

	logger, err := New(Options{Format: "json", Level: "loud"})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if logger.Core().Enabled(zap.DebugLevel) {
		t.Fatal("expected debug to be disabled")
	}
	if !logger.Core().Enabled(zap.InfoLevel) {
		t.Fatal("expected info to be enabled")
	}
}

func TestNew_UnknownFormat(t *testing.T) {
	t.Parallel()

	if _, err := New(Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestWithContextAddsRequestID(t *testing.T) {
	t.Parallel()

	core, observed := observer.New(zap.InfoLevel)
	logger := zap.New(core)

	ctx := WithRequestID(context.Background(), "req-xyz")
	WithContext(ctx, logger).Info("contextual log")
	WithContext(context.Background(), logger).Info("plain log")

	records := observed.All()
	if len(records) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(records))
	}
	if got := records[0].ContextMap()[FieldRequestID]; got != "req-xyz" {
		t.Fatalf("expected request id field, got %v", got)
	}
	if _, ok := records[1].ContextMap()[FieldRequestID]; ok {
		t.Fatal("did not expect request id without one in context")
	}
}
