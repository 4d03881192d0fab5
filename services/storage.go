package services

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"psdconverter/models"

	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	inputExtension   = ".psd"
	outputExtension  = ".png"
	archiveExtension = ".zip"
	lockFileName     = ".psdconverter.lock"
)

// StorageArea owns the two transient roots. Every file it manages is named by
// an internally generated request id, never by anything a client sent.
type StorageArea struct {
	uploadDir    string
	convertedDir string
	logger       *zap.Logger
	lock         *flock.Flock
}

func NewStorageArea(uploadDir, convertedDir string, logger *zap.Logger) *StorageArea {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StorageArea{
		uploadDir:    filepath.Clean(uploadDir),
		convertedDir: filepath.Clean(convertedDir),
		logger:       logger,
		lock:         flock.New(filepath.Join(uploadDir, lockFileName)),
	}
}

// Init creates both roots.
func (s *StorageArea) Init() error {
	for _, dir := range []string{s.uploadDir, s.convertedDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Wrap(ErrStorage, "init", dir, err)
		}
	}
	return nil
}

// Lock takes an exclusive lock on the upload root so that a second server
// process cannot share (and sweep) the same directories.
func (s *StorageArea) Lock() error {
	ok, err := s.lock.TryLock()
	if err != nil {
		return Wrap(ErrStorage, "lock", s.lock.Path(), err)
	}
	if !ok {
		return Wrap(ErrStorage, "lock", fmt.Sprintf("%s is held by another process", s.lock.Path()), nil)
	}
	return nil
}

func (s *StorageArea) Unlock() error {
	return s.lock.Unlock()
}

func (s *StorageArea) UploadDir() string    { return s.uploadDir }
func (s *StorageArea) ConvertedDir() string { return s.convertedDir }

// NewID returns a fresh request id.
func (s *StorageArea) NewID() string {
	return uuid.NewString()
}

// ValidID reports whether id has the canonical form produced by NewID.
func ValidID(id string) bool {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return false
	}
	return parsed != uuid.Nil && parsed.String() == id
}

func (s *StorageArea) InputPath(id string) string {
	return filepath.Join(s.uploadDir, id+inputExtension)
}

func (s *StorageArea) OutputPath(id string) string {
	return filepath.Join(s.convertedDir, id+outputExtension)
}

func (s *StorageArea) ArchivePath(id string) string {
	return filepath.Join(s.convertedDir, id+archiveExtension)
}

func (s *StorageArea) path(id string, kind models.FileKind) string {
	switch kind {
	case models.KindOutput:
		return s.OutputPath(id)
	case models.KindArchive:
		return s.ArchivePath(id)
	default:
		return s.InputPath(id)
	}
}

// Stage writes at most limit bytes from r to the input path of id. The file is
// created exclusively; a partial file is removed on failure.
func (s *StorageArea) Stage(id string, r io.Reader, limit int64) (models.StagedFile, error) {
	if !ValidID(id) {
		return models.StagedFile{}, Wrap(ErrValidation, "stage", fmt.Sprintf("rejected request id %q", id), nil)
	}

	path := s.InputPath(id)
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return models.StagedFile{}, Wrap(ErrStorage, "stage", "create input file", err)
	}

	src := &sourceReader{r: io.LimitReader(r, limit+1)}
	n, copyErr := io.Copy(file, src)
	closeErr := file.Close()

	fail := func(err error) (models.StagedFile, error) {
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			s.logger.Warn("failed to remove partial upload", zap.String("path", path), zap.Error(rmErr))
		}
		return models.StagedFile{}, err
	}

	switch {
	case src.err != nil:
		return fail(Wrap(ErrValidation, "stage", "reading upload", src.err))
	case copyErr != nil && errors.Is(copyErr, syscall.ENOSPC):
		return fail(Wrap(ErrStorage, "stage", "disk full", copyErr))
	case copyErr != nil:
		return fail(Wrap(ErrStorage, "stage", "write input file", copyErr))
	case closeErr != nil:
		return fail(Wrap(ErrStorage, "stage", "close input file", closeErr))
	case n > limit:
		return fail(Wrap(ErrValidation, "stage", fmt.Sprintf("file exceeds the %s limit", humanize.IBytes(uint64(limit))), nil))
	case n == 0:
		return fail(Wrap(ErrValidation, "stage", "empty upload", nil))
	}

	return models.StagedFile{Path: path, Size: n, Kind: models.KindInput}, nil
}

// Stat describes an existing file of the given kind for id.
func (s *StorageArea) Stat(id string, kind models.FileKind) (models.StagedFile, error) {
	path := s.path(id, kind)
	info, err := os.Stat(path)
	if err != nil {
		return models.StagedFile{}, err
	}
	if !info.Mode().IsRegular() {
		return models.StagedFile{}, fmt.Errorf("%s is not a regular file", path)
	}
	return models.StagedFile{Path: path, Size: info.Size(), Kind: kind}, nil
}

// CreateArchive creates the archive file for id exclusively.
func (s *StorageArea) CreateArchive(id string) (*os.File, error) {
	if !ValidID(id) {
		return nil, Wrap(ErrValidation, "archive", fmt.Sprintf("rejected request id %q", id), nil)
	}
	file, err := os.OpenFile(s.ArchivePath(id), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, Wrap(ErrStorage, "archive", "create archive file", err)
	}
	return file, nil
}

// Cleanup removes every file derived from id. It is idempotent and never
// fails the caller.
func (s *StorageArea) Cleanup(id string) {
	if !ValidID(id) {
		s.logger.Warn("cleanup skipped for invalid request id", zap.String("request_id", id))
		return
	}
	for _, path := range []string{s.InputPath(id), s.OutputPath(id), s.ArchivePath(id)} {
		err := os.Remove(path)
		switch {
		case err == nil:
			s.logger.Debug("removed staged file", zap.String("path", path))
		case errors.Is(err, fs.ErrNotExist):
		default:
			s.logger.Warn("failed to remove staged file", zap.String("path", path), zap.Error(err))
		}
	}
}

// Touch resets the modification time of a staged file so Sweep treats it as
// fresh.
func (s *StorageArea) Touch(id string, kind models.FileKind) error {
	if !ValidID(id) {
		return Wrap(ErrValidation, "touch", fmt.Sprintf("rejected request id %q", id), nil)
	}
	now := time.Now()
	if err := os.Chtimes(s.path(id, kind), now, now); err != nil {
		return Wrap(ErrStorage, "touch", "refresh staged file", err)
	}
	return nil
}

// Sweep removes id-named files older than olderThan from both roots and
// returns how many were removed.
func (s *StorageArea) Sweep(olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	var errs []error

	for _, dir := range []string{s.uploadDir, s.convertedDir} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, entry := range entries {
			if !entry.Type().IsRegular() {
				continue
			}
			name := entry.Name()
			if !ValidID(strings.TrimSuffix(name, filepath.Ext(name))) {
				continue
			}
			info, err := entry.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			path := filepath.Join(dir, name)
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, err)
				continue
			}
			removed++
			s.logger.Info("removed stale file", zap.String("path", path), zap.Duration("age", time.Since(info.ModTime())))
		}
	}
	return removed, errors.Join(errs...)
}

// FreeBytes reports the space available to unprivileged writers in the
// upload root.
func (s *StorageArea) FreeBytes() (uint64, error) {
	return freeBytes(s.uploadDir)
}

// sourceReader remembers read-side failures so they can be told apart from
// write failures after io.Copy.
type sourceReader struct {
	r   io.Reader
	err error
}

func (r *sourceReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if err != nil && err != io.EOF {
		r.err = err
	}
	return n, err
}
