package api

import (
	"archive/zip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"psdconverter/logging"
	"psdconverter/models"
	"psdconverter/services"
	"psdconverter/worker"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// multipartOverhead is the slack allowed on top of the file size limits for
// part headers and boundaries.
const multipartOverhead = 1 << 20

func isFileField(p *multipart.Part) bool {
	name := p.FormName()
	return (name == "file" || name == "files") && p.FileName() != ""
}

// nextFilePart returns the next file part, skipping plain form fields. It
// returns nil, nil when the body holds no further file.
func nextFilePart(mr *multipart.Reader) (*multipart.Part, error) {
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if isFileField(part) {
			return part, nil
		}
		part.Close()
	}
}

// pngName derives the download name from the client's file name. The client
// name is never used on disk.
func pngName(filename string) string {
	base := path.Base(strings.ReplaceAll(filename, `\`, "/"))
	stem := strings.TrimSuffix(base, path.Ext(base))
	if stem == "" || stem == "." || stem == "/" {
		stem = "converted"
	}
	return stem + ".png"
}

func attachment(filename string) string {
	if v := mime.FormatMediaType("attachment", map[string]string{"filename": filename}); v != "" {
		return v
	}
	return `attachment; filename="download"`
}

// uniqueName returns name, or the first "<stem>-<n><ext>" not yet in seen,
// and records the result.
func uniqueName(seen map[string]bool, name string) string {
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	candidate := name
	for n := 2; seen[candidate]; n++ {
		candidate = fmt.Sprintf("%s-%d%s", stem, n, ext)
	}
	seen[candidate] = true
	return candidate
}

// uploadDeadline bounds how long the request body may take to arrive. The
// returned func lifts the deadline once the body is read: an expired read
// deadline cancels the request context, even in the middle of a conversion.
func (h *Handler) uploadDeadline(w http.ResponseWriter) func() {
	d := h.settings.UploadTimeoutDuration()
	if d <= 0 {
		return func() {}
	}
	rc := http.NewResponseController(w)
	if err := rc.SetReadDeadline(time.Now().Add(d)); err != nil {
		h.logger.Debug("read deadline not supported", zap.Error(err))
		return func() {}
	}
	return func() { _ = rc.SetReadDeadline(time.Time{}) }
}

// writeIntakeError answers a failure to read the multipart structure itself.
func writeIntakeError(w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded):
		Error(w, http.StatusRequestTimeout, ErrCodeUploadTimeout, "upload timed out")
	case errors.As(err, &maxErr):
		Error(w, http.StatusBadRequest, ErrCodeValidation, "request body too large")
	default:
		BadRequest(w, "malformed multipart body")
	}
}

// Convert converts a single uploaded PSD and streams back the PNG. Requests
// carrying more than one file are refused; they belong on /convert/batch.
// POST /convert
func (h *Handler) Convert(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.settings.MaxFileSize+multipartOverhead)
	liftDeadline := h.uploadDeadline(w)
	defer liftDeadline()

	mr, err := r.MultipartReader()
	if err != nil {
		BadRequest(w, "expected a multipart/form-data upload")
		return
	}

	part, err := nextFilePart(mr)
	if err != nil {
		writeIntakeError(w, err)
		return
	}
	if part == nil {
		BadRequest(w, "no file provided")
		return
	}

	job, err := h.orch.Stage(r.Context(), worker.Upload{Filename: part.FileName(), Size: -1, Body: part})
	part.Close()
	if err != nil {
		h.writeFailure(w, err)
		return
	}

	extra, err := nextFilePart(mr)
	if extra != nil {
		extra.Close()
	}
	if err != nil || extra != nil {
		job.Close()
		if err != nil {
			writeIntakeError(w, err)
			return
		}
		Error(w, http.StatusBadRequest, ErrCodeValidation, "only one file per request, use /convert/batch for multiple files")
		return
	}
	liftDeadline()

	h.runAndStream(w, r, job)
}

// runAndStream converts a staged job and streams the PNG back.
func (h *Handler) runAndStream(w http.ResponseWriter, r *http.Request, job *worker.Job) {
	name := pngName(job.Request.SourceFilename)
	committed := false
	deliver := func(out models.StagedFile, body io.Reader) error {
		committed = true
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Content-Length", strconv.FormatInt(out.Size, 10))
		w.Header().Set("Content-Disposition", attachment(name))
		w.WriteHeader(http.StatusOK)
		_, err := io.Copy(w, body)
		return err
	}

	if _, err := h.orch.Run(r.Context(), job, deliver); err != nil {
		if committed {
			// Status line already sent; the client sees a short body.
			return
		}
		h.writeFailure(w, err)
	}
}

// ConvertBatch converts every uploaded PSD and returns the PNGs as one zip.
// All files are validated and staged before the first conversion starts.
// POST /convert/batch, POST /api/convert
func (h *Handler) ConvertBatch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.settings.MaxTotalSize+multipartOverhead)
	liftDeadline := h.uploadDeadline(w)
	defer liftDeadline()
	ctx := r.Context()
	logger := logging.WithContext(ctx, h.logger)

	mr, err := r.MultipartReader()
	if err != nil {
		BadRequest(w, "expected a multipart/form-data upload")
		return
	}

	var (
		jobs    []*worker.Job
		details []string
		total   int64
		files   int
	)
	defer func() {
		for _, job := range jobs {
			job.Close()
		}
	}()

	tooLarge := fmt.Sprintf("total upload size exceeds the %s limit", humanize.IBytes(uint64(h.settings.MaxTotalSize)))
	var maxErr *http.MaxBytesError

intake:
	for {
		part, err := mr.NextPart()
		switch {
		case errors.Is(err, io.EOF):
			break intake
		case errors.As(err, &maxErr):
			details = append(details, tooLarge)
			break intake
		case err != nil:
			writeIntakeError(w, err)
			return
		}
		if !isFileField(part) {
			part.Close()
			continue
		}

		files++
		if files > h.settings.MaxFiles {
			part.Close()
			JSON(w, http.StatusBadRequest, BatchErrorResponse{
				Error:   ErrorDetail{Code: ErrCodeValidation, Message: "validation failed"},
				Details: []string{fmt.Sprintf("too many files, the maximum is %d", h.settings.MaxFiles)},
			})
			return
		}

		name := part.FileName()
		// The archive will hold roughly what was staged so far.
		job, err := h.orch.Stage(ctx, worker.Upload{Filename: name, Size: -1, Reserve: total, Body: part})
		part.Close()
		switch {
		case err == nil:
			jobs = append(jobs, job)
			total += job.Input.Size
		case errors.Is(err, os.ErrDeadlineExceeded):
			h.writeFailure(w, err)
			return
		case errors.As(err, &maxErr):
			details = append(details, tooLarge)
			break intake
		case errors.Is(err, services.ErrValidation):
			details = append(details, fmt.Sprintf("%s: %s", name, validationReason(err)))
		default:
			h.writeFailure(w, err)
			return
		}
	}

	if total > h.settings.MaxTotalSize && len(details) == 0 {
		details = append(details, tooLarge)
	}
	if len(details) > 0 {
		JSON(w, http.StatusBadRequest, BatchErrorResponse{
			Error:   ErrorDetail{Code: ErrCodeValidation, Message: "validation failed"},
			Details: details,
		})
		return
	}
	if len(jobs) == 0 {
		BadRequest(w, "no files provided")
		return
	}
	liftDeadline()

	archiveID := h.storage.NewID()
	archive, err := h.storage.CreateArchive(archiveID)
	if err != nil {
		InternalError(w, logger, err)
		return
	}
	defer h.storage.Cleanup(archiveID)
	defer archive.Close()

	zw := zip.NewWriter(archive)
	names := make(map[string]bool)
	var failed []string
	converted := 0

	for i, job := range jobs {
		h.refresh(logger, archiveID, jobs[i:])
		entry := uniqueName(names, pngName(job.Request.SourceFilename))
		_, err := h.orch.Run(ctx, job, func(_ models.StagedFile, body io.Reader) error {
			fw, err := zw.CreateHeader(&zip.FileHeader{Name: entry, Method: zip.Deflate, Modified: time.Now()})
			if err != nil {
				return err
			}
			_, err = io.Copy(fw, body)
			return err
		})
		if err == nil {
			converted++
			continue
		}
		if errors.Is(err, services.ErrConversion) || errors.Is(err, services.ErrTimeout) {
			failed = append(failed, job.Request.SourceFilename)
			continue
		}
		// Overload, cancellation or a broken archive ends the whole batch.
		h.writeFailure(w, err)
		return
	}

	if err := zw.Close(); err != nil {
		InternalError(w, logger, err)
		return
	}
	if converted == 0 {
		JSON(w, http.StatusInternalServerError, BatchErrorResponse{
			Error:       ErrorDetail{Code: ErrCodeConversionFailed, Message: "no files were successfully converted"},
			FailedFiles: failed,
		})
		return
	}

	info, err := archive.Stat()
	if err != nil {
		InternalError(w, logger, err)
		return
	}
	if _, err := archive.Seek(0, io.SeekStart); err != nil {
		InternalError(w, logger, err)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	w.Header().Set("Content-Disposition", attachment(fmt.Sprintf("converted_%d_files.zip", converted)))
	if len(failed) > 0 {
		w.Header().Set("X-Failed-Files", strconv.Itoa(len(failed)))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, archive); err != nil {
		logger.Warn("archive delivery interrupted", zap.Error(err))
	}
}

// refresh keeps the archive and the jobs still waiting in a batch from being
// swept as stale while earlier jobs convert.
func (h *Handler) refresh(logger *zap.Logger, archiveID string, pending []*worker.Job) {
	if err := h.storage.Touch(archiveID, models.KindArchive); err != nil {
		logger.Warn("failed to refresh batch archive", zap.Error(err))
	}
	for _, job := range pending {
		if err := job.Touch(); err != nil {
			logger.Warn("failed to refresh staged input", zap.String("conversion_id", job.Request.ID), zap.Error(err))
		}
	}
}

type convertS3Request struct {
	Key string `json:"key"`
}

// ConvertS3 converts an object from the configured bucket.
// POST /convert/s3
func (h *Handler) ConvertS3(w http.ResponseWriter, r *http.Request) {
	if h.s3 == nil {
		NotFound(w, "S3 source is not configured")
		return
	}

	var req convertS3Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Key) == "" {
		BadRequest(w, "key is required")
		return
	}

	body, size, err := h.s3.Open(r.Context(), req.Key)
	if err != nil {
		if errors.Is(err, services.ErrObjectNotFound) {
			NotFound(w, "object not found")
			return
		}
		logging.WithContext(r.Context(), h.logger).Error("failed to open S3 object", zap.String("key", req.Key), zap.Error(err))
		h.writeFailure(w, err)
		return
	}
	defer body.Close()

	job, err := h.orch.Stage(r.Context(), worker.Upload{Filename: path.Base(req.Key), Size: size, Body: body})
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	h.runAndStream(w, r, job)
}
