package guest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// minimalWasm is a valid empty Wasm 1.0 module.
var minimalWasm = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

// writeBundle creates dir/name with the given manifest and Wasm files.
func writeBundle(t *testing.T, dir, name, manifest string, files map[string][]byte) string {
	t.Helper()

	bundle := filepath.Join(dir, name)
	if err := os.MkdirAll(bundle, 0755); err != nil {
		t.Fatal(err)
	}
	if manifest != "" {
		if err := os.WriteFile(filepath.Join(bundle, ManifestFile), []byte(manifest), 0644); err != nil {
			t.Fatal(err)
		}
	}
	for file, data := range files {
		if err := os.WriteFile(filepath.Join(bundle, file), data, 0644); err != nil {
			t.Fatal(err)
		}
	}
	return bundle
}

const validManifest = `name: twelf
version: 1.7.1
program: twelf-server
wasm:
  file: twelf.wasm
  size: 2048
exports:
  open: twelf_open
description: Twelf elaborator
license: BSD-3-Clause
`

func TestParseManifest_Valid(t *testing.T) {
	dir := writeBundle(t, t.TempDir(), "twelf", validManifest, map[string][]byte{"twelf.wasm": minimalWasm})

	manifest, err := ParseManifest(dir)
	if err != nil {
		t.Fatalf("ParseManifest() failed: %v", err)
	}

	if manifest.Name != "twelf" {
		t.Errorf("expected Name 'twelf', got '%s'", manifest.Name)
	}
	if manifest.Version != "1.7.1" {
		t.Errorf("expected Version '1.7.1', got '%s'", manifest.Version)
	}
	if manifest.Program != "twelf-server" {
		t.Errorf("expected Program 'twelf-server', got '%s'", manifest.Program)
	}
	if manifest.Exports.Open != "twelf_open" {
		t.Errorf("expected Exports.Open 'twelf_open', got '%s'", manifest.Exports.Open)
	}
	if manifest.WasmPath() != filepath.Join(dir, "twelf.wasm") {
		t.Errorf("unexpected WasmPath '%s'", manifest.WasmPath())
	}
	if manifest.Dir() != dir {
		t.Errorf("expected Dir '%s', got '%s'", dir, manifest.Dir())
	}
}

func TestParseManifest_NotFound(t *testing.T) {
	_, err := ParseManifest(filepath.Join(t.TempDir(), "nonexistent"))

	var notFound *ManifestNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected ManifestNotFoundError, got %T (%v)", err, err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Error("ManifestNotFoundError should unwrap to os.ErrNotExist")
	}
}

func TestParseManifest_InvalidYAML(t *testing.T) {
	dir := writeBundle(t, t.TempDir(), "broken", "name: [twelf\nversion: 1.0.0\n", nil)

	_, err := ParseManifest(dir)

	var parseErr *ManifestParseError
	if !errors.As(err, &parseErr) {
		t.Errorf("expected ManifestParseError, got %T (%v)", err, err)
	}
}

func TestParseManifest_ValidationErrors(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
		field    string
	}{
		{
			name:     "missing name",
			manifest: "version: 1.0.0\nwasm:\n  file: twelf.wasm\n",
			field:    "name",
		},
		{
			name:     "missing version",
			manifest: "name: twelf\nwasm:\n  file: twelf.wasm\n",
			field:    "version",
		},
		{
			name:     "bad version",
			manifest: "name: twelf\nversion: latest\nwasm:\n  file: twelf.wasm\n",
			field:    "version",
		},
		{
			name:     "missing wasm file",
			manifest: "name: twelf\nversion: 1.0.0\n",
			field:    "wasm.file",
		},
		{
			name:     "wasm file without extension",
			manifest: "name: twelf\nversion: 1.0.0\nwasm:\n  file: twelf.bin\n",
			field:    "wasm.file",
		},
		{
			name:     "negative size",
			manifest: "name: twelf\nversion: 1.0.0\nwasm:\n  file: twelf.wasm\n  size: -1\n",
			field:    "wasm.size",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := writeBundle(t, t.TempDir(), "guest", tt.manifest, map[string][]byte{"twelf.wasm": minimalWasm})

			_, err := ParseManifest(dir)

			var validationErr *ManifestValidationError
			if !errors.As(err, &validationErr) {
				t.Fatalf("expected ManifestValidationError, got %T (%v)", err, err)
			}
			if validationErr.Field != tt.field {
				t.Errorf("expected Field '%s', got '%s'", tt.field, validationErr.Field)
			}
		})
	}
}

func TestParseManifest_WasmNotFound(t *testing.T) {
	dir := writeBundle(t, t.TempDir(), "twelf", validManifest, nil)

	_, err := ParseManifest(dir)

	var wasmErr *WasmNotFoundError
	if !errors.As(err, &wasmErr) {
		t.Fatalf("expected WasmNotFoundError, got %T (%v)", err, err)
	}
	if wasmErr.WasmFile != "twelf.wasm" {
		t.Errorf("expected WasmFile 'twelf.wasm', got '%s'", wasmErr.WasmFile)
	}
}

func TestManifestValidationError_Message(t *testing.T) {
	err := &ManifestValidationError{Path: "g/manifest.yaml", Field: "name", Message: "name is required"}

	expected := "manifest validation failed at 'g/manifest.yaml': name is required (field: name)"
	if err.Error() != expected {
		t.Errorf("Error message = %s, want %s", err.Error(), expected)
	}
}
