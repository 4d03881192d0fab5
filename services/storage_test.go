package services

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"psdconverter/models"
	"psdconverter/testsupport"
)

func newTestStorage(t *testing.T) *StorageArea {
	t.Helper()

	root := t.TempDir()
	s := NewStorageArea(filepath.Join(root, "uploads"), filepath.Join(root, "converted"), nil)
	if err := s.Init(); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	return s
}

type failingReader struct{ err error }

func (r failingReader) Read([]byte) (int, error) { return 0, r.err }

func TestStorageArea_StageAndCleanup(t *testing.T) {
	t.Parallel()

	s := newTestStorage(t)
	id := s.NewID()
	payload := testsupport.PSD(10, 10, 4096)

	staged, err := s.Stage(id, bytes.NewReader(payload), 1<<20)
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	if staged.Path != s.InputPath(id) || staged.Size != int64(len(payload)) || staged.Kind != models.KindInput {
		t.Fatalf("unexpected staged file %+v", staged)
	}
	if filepath.Dir(staged.Path) != s.UploadDir() {
		t.Fatalf("input staged outside the upload root: %s", staged.Path)
	}

	if err := os.WriteFile(s.OutputPath(id), []byte("png"), 0o600); err != nil {
		t.Fatalf("failed to write output: %v", err)
	}
	out, err := s.Stat(id, models.KindOutput)
	if err != nil || out.Size != 3 {
		t.Fatalf("Stat output = %+v, %v", out, err)
	}

	s.Cleanup(id)
	s.Cleanup(id)

	for _, p := range []string{s.InputPath(id), s.OutputPath(id)} {
		if _, err := os.Stat(p); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("expected %s to be removed, stat err = %v", p, err)
		}
	}
}

func TestStorageArea_StageRejectsForeignIDs(t *testing.T) {
	t.Parallel()

	s := newTestStorage(t)
	for _, id := range []string{
		"",
		"../../etc/passwd",
		"photo.psd",
		"00000000-0000-0000-0000-000000000000",
		strings.ToUpper(s.NewID()),
		"{" + s.NewID() + "}",
	} {
		_, err := s.Stage(id, strings.NewReader("8BPS"), 1024)
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("Stage(%q) = %v, want ErrValidation", id, err)
		}
	}
	if names := testsupport.DirEntries(t, s.UploadDir()); len(names) != 0 {
		t.Fatalf("expected no staged files, got %v", names)
	}
}

func TestStorageArea_StageLimitAndReadErrors(t *testing.T) {
	t.Parallel()

	s := newTestStorage(t)

	_, err := s.Stage(s.NewID(), bytes.NewReader(make([]byte, 2048)), 1024)
	if !errors.Is(err, ErrValidation) || !strings.Contains(err.Error(), "limit") {
		t.Fatalf("expected size limit validation error, got %v", err)
	}

	_, err = s.Stage(s.NewID(), failingReader{err: errors.New("connection reset")}, 1024)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected read failure to be a validation error, got %v", err)
	}

	_, err = s.Stage(s.NewID(), strings.NewReader(""), 1024)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected empty upload to be rejected, got %v", err)
	}

	if names := testsupport.DirEntries(t, s.UploadDir()); len(names) != 0 {
		t.Fatalf("partial files left behind: %v", names)
	}
}

func TestStorageArea_StageUnwritableRoot(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	s := NewStorageArea(filepath.Join(root, "missing"), filepath.Join(root, "converted"), nil)

	_, err := s.Stage(s.NewID(), strings.NewReader("data"), 1024)
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
}

func TestStorageArea_StageIsExclusive(t *testing.T) {
	t.Parallel()

	s := newTestStorage(t)
	id := s.NewID()
	if _, err := s.Stage(id, strings.NewReader("first"), 1024); err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	if _, err := s.Stage(id, strings.NewReader("second"), 1024); !errors.Is(err, ErrStorage) {
		t.Fatalf("expected second Stage of the same id to fail, got %v", err)
	}
	data, _ := os.ReadFile(s.InputPath(id))
	if string(data) != "first" {
		t.Fatalf("staged file was overwritten: %q", data)
	}
}

func TestStorageArea_ConcurrentStagingNeverCollides(t *testing.T) {
	t.Parallel()

	s := newTestStorage(t)
	const n = 32

	var wg sync.WaitGroup
	ids := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		ids[i] = s.NewID()
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Stage(ids[i], strings.NewReader(fmt.Sprintf("payload-%d", i)), 1024)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("Stage %d failed: %v", i, errs[i])
		}
		data, err := os.ReadFile(s.InputPath(ids[i]))
		if err != nil || string(data) != fmt.Sprintf("payload-%d", i) {
			t.Fatalf("payload %d corrupted: %q, %v", i, data, err)
		}
	}
}

func TestStorageArea_SweepRemovesOnlyStaleIDFiles(t *testing.T) {
	t.Parallel()

	s := newTestStorage(t)
	stale := s.NewID()
	fresh := s.NewID()
	old := time.Now().Add(-2 * time.Hour)

	for _, p := range []string{s.InputPath(stale), s.OutputPath(stale), s.InputPath(fresh)} {
		if err := os.WriteFile(p, []byte("x"), 0o600); err != nil {
			t.Fatalf("write %s: %v", p, err)
		}
	}
	foreign := filepath.Join(s.UploadDir(), "keep-me.psd")
	if err := os.WriteFile(foreign, []byte("x"), 0o600); err != nil {
		t.Fatalf("write foreign: %v", err)
	}
	for _, p := range []string{s.InputPath(stale), s.OutputPath(stale), foreign} {
		if err := os.Chtimes(p, old, old); err != nil {
			t.Fatalf("chtimes %s: %v", p, err)
		}
	}

	removed, err := s.Sweep(time.Hour)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removed files, got %d", removed)
	}
	if _, err := os.Stat(s.InputPath(fresh)); err != nil {
		t.Fatalf("fresh file removed: %v", err)
	}
	if _, err := os.Stat(foreign); err != nil {
		t.Fatalf("non-id file removed: %v", err)
	}
}

func TestStorageArea_TouchKeepsFileFromSweep(t *testing.T) {
	t.Parallel()

	s := newTestStorage(t)
	id := s.NewID()
	if err := os.WriteFile(s.InputPath(id), []byte("x"), 0o600); err != nil {
		t.Fatalf("write input: %v", err)
	}
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(s.InputPath(id), old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	if err := s.Touch(id, models.KindInput); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	removed, err := s.Sweep(time.Hour)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if removed != 0 {
		t.Fatalf("touched file was swept")
	}

	if err := s.Touch(s.NewID(), models.KindInput); !errors.Is(err, ErrStorage) {
		t.Fatalf("expected storage error for a missing file, got %v", err)
	}
	if err := s.Touch("../etc", models.KindInput); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for a foreign id, got %v", err)
	}
}

func TestStorageArea_LockIsExclusive(t *testing.T) {
	t.Parallel()

	s := newTestStorage(t)
	if err := s.Lock(); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	defer s.Unlock()

	other := NewStorageArea(s.UploadDir(), s.ConvertedDir(), nil)
	if err := other.Lock(); !errors.Is(err, ErrStorage) {
		t.Fatalf("expected second lock to fail with ErrStorage, got %v", err)
	}
}

func TestStorageArea_CreateArchiveCleanedUp(t *testing.T) {
	t.Parallel()

	s := newTestStorage(t)
	id := s.NewID()
	f, err := s.CreateArchive(id)
	if err != nil {
		t.Fatalf("CreateArchive failed: %v", err)
	}
	_, _ = f.WriteString("PK")
	_ = f.Close()

	s.Cleanup(id)
	if names := testsupport.DirEntries(t, s.ConvertedDir()); len(names) != 0 {
		t.Fatalf("archive left behind: %v", names)
	}
}
