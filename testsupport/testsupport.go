// Package testsupport holds fixtures shared by package tests: synthetic PSD
// payloads and shell scripts standing in for the external converter.
package testsupport

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// Shell runs the fake converter scripts. Scripts are passed as an argument
// rather than executed directly, which avoids ETXTBSY when parallel tests
// write and start scripts at the same time.
const Shell = "/bin/sh"

// Converter scripts receive the input path as $1 and the output path as $2.
const (
	CopyScript    = `cp "$1" "$2"`
	FailScript    = `echo "convert: improper image header" >&2; exit 1`
	NoOutput      = `exit 0`
	SleepScript   = `exec sleep 5`
	SlowCopy      = `sleep 0.3; cp "$1" "$2"`
	PNGSignature  = "\x89PNG\r\n\x1a\n"
	WritePNGShell = `printf '\211PNG\r\n\032\n' > "$2" && cat "$1" >> "$2"`
)

// PSD returns a syntactically valid PSD header for an RGB 8-bit image
// followed by padding so the payload is size bytes long.
func PSD(width, height uint32, size int) []byte {
	if size < 26 {
		size = 26
	}
	b := make([]byte, size)
	copy(b, "8BPS")
	binary.BigEndian.PutUint16(b[4:6], 1)
	binary.BigEndian.PutUint16(b[12:14], 3)
	binary.BigEndian.PutUint32(b[14:18], height)
	binary.BigEndian.PutUint32(b[18:22], width)
	binary.BigEndian.PutUint16(b[22:24], 8)
	binary.BigEndian.PutUint16(b[24:26], 3)
	for i := 26; i < size; i++ {
		b[i] = byte(i % 251)
	}
	return b
}

// WriteScript stores body as a shell script in a temp dir and returns its path.
func WriteScript(t testing.TB, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "converter.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o644); err != nil {
		t.Fatalf("failed to write converter script: %v", err)
	}
	return path
}

// ConverterArgs builds invoker argument templates that run script with the
// input and output paths.
func ConverterArgs(script string) []string {
	return []string{script, "{input}", "{output}"}
}

// DirEntries lists file names in dir, failing the test on error.
func DirEntries(t testing.TB, dir string) []string {
	t.Helper()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("failed to read %s: %v", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Name() == ".psdconverter.lock" {
			continue
		}
		names = append(names, e.Name())
	}
	return names
}
