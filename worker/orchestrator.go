package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"psdconverter/logging"
	"psdconverter/models"
	"psdconverter/services"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// Invoker runs the external converter. *services.ConverterInvoker satisfies it.
type Invoker interface {
	Run(ctx context.Context, inputPath, outputPath string, timeout time.Duration) (services.ExitStatus, error)
}

// Limits bounds what a single conversion may consume.
type Limits struct {
	MaxFileSize int64
	MaxPixels   int64
	// MinFreeDisk is the free space that must remain in the upload root after
	// the upload is written. Zero disables disk admission.
	MinFreeDisk uint64
	Timeout     time.Duration
}

type Config struct {
	Storage *services.StorageArea
	Invoker Invoker
	Gate    Gate
	Limits  Limits
	Logger  *zap.Logger
	Metrics *Metrics
}

// Orchestrator drives one conversion request from intake to cleanup:
// Received, Validated, Staged, Queued, Converting, then Completed or Failed.
type Orchestrator struct {
	storage *services.StorageArea
	invoker Invoker
	gate    Gate
	limits  Limits
	logger  *zap.Logger
	metrics *Metrics
}

func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	if cfg.Limits.Timeout <= 0 {
		cfg.Limits.Timeout = services.DefaultConversionTimeout
	}
	cfg.Metrics.Capacity.Set(float64(cfg.Gate.Capacity()))

	return &Orchestrator{
		storage: cfg.Storage,
		invoker: cfg.Invoker,
		gate:    cfg.Gate,
		limits:  cfg.Limits,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
}

// Upload is one incoming file. Size is the declared length, or -1 when the
// client did not declare one. Reserve is disk space the same request still
// needs beyond this file, such as the archive a batch writes; disk admission
// counts it.
type Upload struct {
	Filename string
	Size     int64
	Reserve  int64
	Body     io.Reader
}

// Deliver consumes the converted output before it is removed. An error from
// Deliver fails the conversion.
type Deliver func(out models.StagedFile, r io.Reader) error

// Job is an upload that passed validation and sits in the upload root.
type Job struct {
	Request models.ConversionRequest
	Input   models.StagedFile
	Header  services.PSDHeader

	storage *services.StorageArea
	once    sync.Once
}

// Touch marks the staged input as fresh so the sweeper leaves it alone while
// the job waits for its turn.
func (j *Job) Touch() error {
	return j.storage.Touch(j.Request.ID, models.KindInput)
}

// Close removes every file of the job. Run calls it; callers only need it
// for jobs they decide not to run.
func (j *Job) Close() {
	j.once.Do(func() {
		j.storage.Cleanup(j.Request.ID)
	})
}

func (o *Orchestrator) requestLogger(ctx context.Context, req models.ConversionRequest) *zap.Logger {
	return logging.WithContext(ctx, o.logger).With(
		zap.String("conversion_id", req.ID),
		zap.String("filename", req.SourceFilename),
	)
}

func failure(req models.ConversionRequest, stage models.Stage, detail string, err error) *models.ConversionFailure {
	return &models.ConversionFailure{
		RequestID: req.ID,
		Stage:     stage,
		Detail:    detail,
		Err:       err,
	}
}

// finish records the terminal state of a request.
func (o *Orchestrator) finish(logger *zap.Logger, req models.ConversionRequest, err error) {
	elapsed := time.Since(req.ReceivedAt)
	o.metrics.Duration.Observe(elapsed.Seconds())

	if err == nil {
		o.metrics.Conversions.WithLabelValues(OutcomeCompleted).Inc()
		logger.Info("conversion completed", zap.Duration("duration", elapsed))
		return
	}

	var f *models.ConversionFailure
	stage := models.StageConversion
	if errors.As(err, &f) {
		stage = f.Stage
	}
	outcome := string(stage)
	if errors.Is(err, services.ErrCanceled) {
		outcome = "canceled"
	}
	o.metrics.Conversions.WithLabelValues(outcome).Inc()

	fields := []zap.Field{zap.String(logging.FieldStage, string(stage)), zap.Duration("duration", elapsed), zap.Error(err)}
	switch {
	case stage == models.StageValidation, errors.Is(err, services.ErrCanceled):
		logger.Info("conversion rejected", fields...)
	case stage == models.StageQueueing:
		logger.Warn("conversion not admitted", fields...)
	default:
		logger.Error("conversion failed", fields...)
	}
}

// Stage validates the upload and writes it to the upload root. On failure
// nothing is left on disk.
func (o *Orchestrator) Stage(ctx context.Context, up Upload) (*Job, error) {
	req := models.ConversionRequest{
		ID:             o.storage.NewID(),
		SourceFilename: up.Filename,
		ReceivedAt:     time.Now(),
	}
	logger := o.requestLogger(ctx, req)

	job, err := o.stage(ctx, req, up)
	if err != nil {
		o.storage.Cleanup(req.ID)
		o.finish(logger, req, err)
		return nil, err
	}

	o.metrics.StagedBytes.Add(float64(job.Input.Size))
	logger.Debug("upload staged",
		zap.String("size", humanize.IBytes(uint64(job.Input.Size))),
		zap.Uint32("width", job.Header.Width),
		zap.Uint32("height", job.Header.Height),
	)
	return job, nil
}

func (o *Orchestrator) stage(ctx context.Context, req models.ConversionRequest, up Upload) (*Job, error) {
	if !services.HasPSDExtension(up.Filename) {
		return nil, failure(req, models.StageValidation, "only .psd files are accepted",
			services.Wrap(services.ErrValidation, "validate", fmt.Sprintf("unsupported file %q", up.Filename), nil))
	}
	if up.Size > o.limits.MaxFileSize {
		return nil, failure(req, models.StageValidation, "file too large",
			services.Wrap(services.ErrValidation, "validate",
				fmt.Sprintf("file exceeds the %s limit", humanize.IBytes(uint64(o.limits.MaxFileSize))), nil))
	}
	if up.Body == nil {
		return nil, failure(req, models.StageValidation, "empty upload",
			services.Wrap(services.ErrValidation, "validate", "empty upload", nil))
	}

	head := make([]byte, services.PSDHeaderSize)
	n, err := io.ReadFull(up.Body, head)
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded):
		return nil, failure(req, models.StageValidation, "upload timed out",
			services.Wrap(services.ErrValidation, "validate", "reading upload", err))
	case ctx.Err() != nil:
		return nil, failure(req, models.StageValidation, "request cancelled",
			services.Wrap(services.ErrCanceled, "validate", "reading upload", ctx.Err()))
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return nil, failure(req, models.StageValidation, "not a PSD file",
			services.Wrap(services.ErrValidation, "validate", fmt.Sprintf("upload is only %d bytes", n), nil))
	case err != nil:
		return nil, failure(req, models.StageValidation, "could not read upload",
			services.Wrap(services.ErrValidation, "validate", "reading upload", err))
	}

	header, err := services.ParsePSDHeader(head)
	if err != nil {
		return nil, failure(req, models.StageValidation, "not a PSD file", err)
	}
	if err := header.CheckLimits(o.limits.MaxPixels); err != nil {
		return nil, failure(req, models.StageValidation, "image dimensions out of range", err)
	}

	if err := o.admitDisk(up.Size, up.Reserve); err != nil {
		return nil, failure(req, models.StageStaging, "insufficient disk space", err)
	}

	input, err := o.storage.Stage(req.ID, io.MultiReader(bytes.NewReader(head), up.Body), o.limits.MaxFileSize)
	if err != nil {
		switch {
		case errors.Is(err, os.ErrDeadlineExceeded):
			return nil, failure(req, models.StageValidation, "upload timed out", err)
		case ctx.Err() != nil:
			return nil, failure(req, models.StageStaging, "request cancelled",
				services.Wrap(services.ErrCanceled, "stage", "reading upload", ctx.Err()))
		case errors.Is(err, services.ErrValidation):
			return nil, failure(req, models.StageValidation, "invalid upload", err)
		default:
			return nil, failure(req, models.StageStaging, "could not store upload", err)
		}
	}

	return &Job{
		Request: req,
		Input:   input,
		Header:  header,
		storage: o.storage,
	}, nil
}

// admitDisk refuses an upload that would leave less than MinFreeDisk free
// once the upload and the reserved space are written. Platforms without a
// free-space probe are always admitted.
func (o *Orchestrator) admitDisk(declared, reserve int64) error {
	if o.limits.MinFreeDisk == 0 {
		return nil
	}
	free, err := o.storage.FreeBytes()
	if err != nil {
		o.logger.Debug("free space probe unavailable", zap.Error(err))
		return nil
	}

	expected := declared
	if expected <= 0 {
		expected = o.limits.MaxFileSize
	}
	if reserve > 0 {
		expected += reserve
	}
	need := o.limits.MinFreeDisk + uint64(expected)
	if free < need {
		return services.Wrap(services.ErrOverloaded, "disk admission",
			fmt.Sprintf("%s free, %s required", humanize.IBytes(free), humanize.IBytes(need)), nil)
	}
	return nil
}

// Run converts a staged job and hands the output to deliver. The job's files
// are removed and its gate token released before Run returns, whatever the
// outcome. The returned OutputPath no longer exists at that point.
func (o *Orchestrator) Run(ctx context.Context, job *Job, deliver Deliver) (result *models.ConversionResult, err error) {
	req := job.Request
	logger := o.requestLogger(ctx, req)

	defer job.Close()
	defer func() { o.finish(logger, req, err) }()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("conversion panicked", zap.Any("panic", r), zap.Stack("stack"))
			result = nil
			err = failure(req, models.StageConversion, "internal error",
				services.Wrap(services.ErrConversion, "orchestrator", fmt.Sprintf("panic: %v", r), nil))
		}
	}()

	token, err := o.gate.Acquire(ctx)
	if err != nil {
		return nil, failure(req, models.StageQueueing, "no conversion slot available", err)
	}
	o.metrics.QueueWait.Observe(token.Waited.Seconds())
	logger.Debug("conversion slot acquired", zap.String("token", token.ID), zap.Duration("waited", token.Waited))

	status, err := o.invoke(ctx, job, token)
	if status.Duration > 0 {
		o.metrics.ConverterDuration.Observe(status.Duration.Seconds())
	}
	if err != nil {
		var pe *services.ProcessError
		if errors.As(err, &pe) {
			logger.Warn("converter failed",
				zap.Int("exit_code", pe.Status.ExitCode),
				zap.String("stderr", pe.Status.Stderr),
				zap.Duration("converter_duration", pe.Status.Duration),
			)
		}
		if errors.Is(err, services.ErrTimeout) {
			return nil, failure(req, models.StageTimeout, "conversion timed out", err)
		}
		if services.Classify(err) == nil {
			err = services.Wrap(services.ErrConversion, "convert", "", err)
		}
		return nil, failure(req, models.StageConversion, "conversion failed", err)
	}

	out, err := o.storage.Stat(req.ID, models.KindOutput)
	if err != nil {
		return nil, failure(req, models.StageConversion, "conversion produced no output",
			services.Wrap(services.ErrConversion, "convert", "stat output", err))
	}

	if deliver != nil {
		if err := o.deliver(ctx, out, deliver); err != nil {
			return nil, failure(req, models.StageConversion, "could not deliver output", err)
		}
	}

	return &models.ConversionResult{
		RequestID:  req.ID,
		OutputPath: out.Path,
		ByteSize:   out.Size,
		Duration:   time.Since(req.ReceivedAt),
	}, nil
}

// invoke holds the token for exactly the converter run.
func (o *Orchestrator) invoke(ctx context.Context, job *Job, token *Token) (services.ExitStatus, error) {
	o.metrics.InFlight.Inc()
	defer func() {
		o.metrics.InFlight.Dec()
		o.gate.Release(token)
	}()
	return o.invoker.Run(ctx, job.Input.Path, o.storage.OutputPath(job.Request.ID), o.limits.Timeout)
}

func (o *Orchestrator) deliver(ctx context.Context, out models.StagedFile, deliver Deliver) error {
	f, err := os.Open(out.Path)
	if err != nil {
		return services.Wrap(services.ErrStorage, "deliver", "open output", err)
	}
	defer f.Close()

	if err := deliver(out, f); err != nil {
		switch {
		case ctx.Err() != nil:
			return services.Wrap(services.ErrCanceled, "deliver", "client went away", err)
		case services.Classify(err) != nil:
			return err
		default:
			return services.Wrap(services.ErrStorage, "deliver", "", err)
		}
	}
	return nil
}

// Convert stages and runs one upload.
func (o *Orchestrator) Convert(ctx context.Context, up Upload, deliver Deliver) (*models.ConversionResult, error) {
	job, err := o.Stage(ctx, up)
	if err != nil {
		return nil, err
	}
	return o.Run(ctx, job, deliver)
}

func (o *Orchestrator) Gate() Gate {
	return o.gate
}

func (o *Orchestrator) Limits() Limits {
	return o.limits
}
