//go:build unix

package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"psdconverter/testsupport"
)

func writeTestConfig(t *testing.T, script string) string {
	t.Helper()

	base := t.TempDir()
	body := fmt.Sprintf(`upload_dir = %q
converted_dir = %q
converter_binary = %q
converter_args = [%q, "{input}", "{output}"]
conversion_timeout = 5
log_level = "error"
`, filepath.Join(base, "uploads"), filepath.Join(base, "converted"), testsupport.Shell, script)

	path := filepath.Join(base, "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestConfigShowPrintsTOML(t *testing.T) {
	t.Parallel()

	path := writeTestConfig(t, testsupport.WriteScript(t, testsupport.CopyScript))
	out, err := runCLI(t, "--config", path, "config", "show")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	if !strings.Contains(out, "conversion_timeout = 5") {
		t.Fatalf("expected conversion_timeout in output, got:\n%s", out)
	}
	if !strings.Contains(out, "converter_binary") || !strings.Contains(out, testsupport.Shell) {
		t.Fatalf("expected converter_binary in output, got:\n%s", out)
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	path := writeTestConfig(t, testsupport.WriteScript(t, testsupport.CopyScript))
	out, err := runCLI(t, "-c", path, "config", "validate")
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	if !strings.Contains(out, "configuration OK") {
		t.Fatalf("unexpected output %q", out)
	}

	bad := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(bad, []byte("converter_args = [\"{input}\"]\n"), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	if _, err := runCLI(t, "-c", bad, "config", "validate"); err == nil {
		t.Fatal("expected validation error for missing {output} placeholder")
	}
}

func TestConvertCommandWritesOutput(t *testing.T) {
	t.Parallel()

	path := writeTestConfig(t, testsupport.WriteScript(t, testsupport.WritePNGShell))
	dir := t.TempDir()
	input := filepath.Join(dir, "poster.psd")
	if err := os.WriteFile(input, testsupport.PSD(4, 4, 256), 0o644); err != nil {
		t.Fatalf("failed to write input: %v", err)
	}

	out, err := runCLI(t, "-c", path, "convert", input)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}

	output := filepath.Join(dir, "poster.png")
	data, err := os.ReadFile(output)
	if err != nil {
		t.Fatalf("expected output file: %v", err)
	}
	if !bytes.HasPrefix(data, []byte(testsupport.PNGSignature)) {
		t.Fatal("output is not a PNG")
	}
	if !strings.Contains(out, "poster.png") {
		t.Fatalf("expected summary line, got %q", out)
	}

	names := testsupport.DirEntries(t, dir)
	if len(names) != 2 {
		t.Fatalf("expected only input and output in %s, got %v", dir, names)
	}
}

func TestConvertCommandFailure(t *testing.T) {
	t.Parallel()

	path := writeTestConfig(t, testsupport.WriteScript(t, testsupport.FailScript))
	dir := t.TempDir()
	input := filepath.Join(dir, "broken.psd")
	if err := os.WriteFile(input, testsupport.PSD(4, 4, 256), 0o644); err != nil {
		t.Fatalf("failed to write input: %v", err)
	}
	output := filepath.Join(dir, "out.png")

	if _, err := runCLI(t, "-c", path, "convert", input, output); err == nil {
		t.Fatal("expected conversion error")
	}
	if _, err := os.Stat(output); !os.IsNotExist(err) {
		t.Fatalf("expected no output file, stat err = %v", err)
	}

	if _, err := runCLI(t, "-c", path, "convert", filepath.Join(dir, "notes.txt")); err == nil {
		t.Fatal("expected error for non-PSD input")
	}
}
