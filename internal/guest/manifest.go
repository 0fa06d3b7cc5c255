package guest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ManifestFile is the file name a bundle directory must contain.
const ManifestFile = "manifest.yaml"

// Manifest represents the bundle manifest.yaml structure.
type Manifest struct {
	Name        string      `yaml:"name" validate:"required,max=64"`
	Version     string      `yaml:"version" validate:"required,semver"`
	Program     string      `yaml:"program" validate:"omitempty,max=255"`
	Wasm        WasmConfig  `yaml:"wasm"`
	Exports     ExportNames `yaml:"exports"`
	Description string      `yaml:"description"`
	License     string      `yaml:"license"`

	// Internal fields
	dir string // Directory containing manifest
}

// WasmConfig holds Wasm module configuration.
type WasmConfig struct {
	File string `yaml:"file" validate:"required,endswith=.wasm"`
	Size int    `yaml:"size" validate:"gte=0"` // KB
}

// ExportNames overrides the entry point names the host calls.
type ExportNames struct {
	Open       string `yaml:"open"`
	Allocate   string `yaml:"allocate"`
	Execute    string `yaml:"execute"`
	PrintParse string `yaml:"print_parse"`
}

var validate = newValidator()

// newValidator reports fields by their yaml names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ParseManifest reads and parses manifest.yaml from a directory.
func ParseManifest(dir string) (*Manifest, error) {
	manifestPath := filepath.Join(dir, ManifestFile)

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, &ManifestNotFoundError{
			Path: manifestPath,
			Err:  err,
		}
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, &ManifestParseError{
			Path: manifestPath,
			Err:  err,
		}
	}

	m.dir = dir

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// Validate checks manifest fields and that the referenced module exists.
func (m *Manifest) Validate() error {
	if err := validate.Struct(m); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return m.fieldError(fieldErrs[0])
		}
		return &ManifestValidationError{Path: m.Path(), Message: err.Error()}
	}

	if _, err := os.Stat(m.WasmPath()); errors.Is(err, os.ErrNotExist) {
		return &WasmNotFoundError{
			ManifestPath: m.Path(),
			WasmFile:     m.Wasm.File,
		}
	}

	return nil
}

func (m *Manifest) fieldError(fe validator.FieldError) error {
	// Namespace is "Manifest.wasm.file"; drop the struct name.
	_, field, _ := strings.Cut(fe.Namespace(), ".")

	var message string
	switch fe.Tag() {
	case "required":
		message = field + " is required"
	case "semver":
		message = fmt.Sprintf("%s must be a semantic version, got %q", field, fe.Value())
	case "endswith":
		message = fmt.Sprintf("%s must end with %s", field, fe.Param())
	case "max":
		message = fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
	default:
		message = fmt.Sprintf("%s fails '%s' %s", field, fe.Tag(), fe.Param())
	}

	return &ManifestValidationError{
		Path:    m.Path(),
		Field:   field,
		Message: message,
	}
}

// Path returns the manifest file path.
func (m *Manifest) Path() string {
	return filepath.Join(m.dir, ManifestFile)
}

// WasmPath returns the path to the Wasm file.
func (m *Manifest) WasmPath() string {
	return filepath.Join(m.dir, m.Wasm.File)
}

// Dir returns the directory containing the manifest.
func (m *Manifest) Dir() string {
	return m.dir
}
