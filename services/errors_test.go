package services

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestWrap(t *testing.T) {
	t.Parallel()

	err := Wrap(ErrStorage, "stage", "write input file", io.ErrShortWrite)
	if !errors.Is(err, ErrStorage) || !errors.Is(err, io.ErrShortWrite) {
		t.Fatalf("expected both marker and cause to be wrapped: %v", err)
	}
	if !strings.Contains(err.Error(), "stage: write input file") {
		t.Fatalf("missing detail: %v", err)
	}

	if err := Wrap(nil, "", "", nil); !errors.Is(err, ErrStorage) || !strings.Contains(err.Error(), "service failure") {
		t.Fatalf("unexpected default wrap: %v", err)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	for _, marker := range markers {
		if got := Classify(Wrap(marker, "op", "msg", nil)); got != marker {
			t.Fatalf("Classify = %v, want %v", got, marker)
		}
	}
	if got := Classify(&ProcessError{Marker: ErrTimeout}); got != ErrTimeout {
		t.Fatalf("Classify(ProcessError) = %v", got)
	}
	if Classify(errors.New("plain")) != nil {
		t.Fatal("expected nil for untagged error")
	}
}
