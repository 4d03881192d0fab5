package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation = errors.New("validation error")
	ErrStorage    = errors.New("storage error")
	ErrOverloaded = errors.New("overloaded")
	ErrConversion = errors.New("conversion error")
	ErrTimeout    = errors.New("timeout")
	ErrCanceled   = errors.New("canceled")
)

var markers = []error{ErrValidation, ErrStorage, ErrOverloaded, ErrConversion, ErrTimeout, ErrCanceled}

// Wrap builds an error message that includes operation context while tagging
// it with marker for later classification. marker should be one of the
// exported sentinel errors above; nil means ErrStorage.
func Wrap(marker error, operation, message string, err error) error {
	if marker == nil {
		marker = ErrStorage
	}
	detail := buildDetail(operation, message)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Classify returns the marker err is tagged with, or nil when err carries
// none of them.
func Classify(err error) error {
	for _, m := range markers {
		if errors.Is(err, m) {
			return m
		}
	}
	return nil
}

func buildDetail(operation, message string) string {
	parts := make([]string, 0, 2)
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
