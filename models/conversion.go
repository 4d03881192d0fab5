package models

import (
	"fmt"
	"time"
)

// ConversionRequest is created when an upload arrives and lives exactly as
// long as one orchestrator call.
type ConversionRequest struct {
	ID             string    `json:"id"`
	SourceFilename string    `json:"sourceFilename"`
	ReceivedAt     time.Time `json:"receivedAt"`
}

type FileKind int

const (
	KindInput FileKind = iota
	KindOutput
	KindArchive
)

func (k FileKind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindOutput:
		return "output"
	case KindArchive:
		return "archive"
	default:
		return fmt.Sprintf("FileKind(%d)", int(k))
	}
}

// StagedFile is a file resident in the storage area.
type StagedFile struct {
	Path string   `json:"path"`
	Size int64    `json:"size"`
	Kind FileKind `json:"kind"`
}

type ConversionResult struct {
	RequestID  string        `json:"requestId"`
	OutputPath string        `json:"outputPath"`
	ByteSize   int64         `json:"byteSize"`
	Duration   time.Duration `json:"duration"`
}

// Stage names the state-machine step a conversion failed in.
type Stage string

const (
	StageValidation Stage = "validation"
	StageStaging    Stage = "staging"
	StageQueueing   Stage = "queueing"
	StageConversion Stage = "conversion"
	StageTimeout    Stage = "timeout"
)

// ConversionFailure is the only error type returned across the orchestrator
// boundary. Err carries the classification marker.
type ConversionFailure struct {
	RequestID string
	Stage     Stage
	Detail    string
	Err       error
}

func (f *ConversionFailure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s failed: %s: %v", f.Stage, f.Detail, f.Err)
	}
	return fmt.Sprintf("%s failed: %s", f.Stage, f.Detail)
}

func (f *ConversionFailure) Unwrap() error {
	return f.Err
}
