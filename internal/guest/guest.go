// Package guest loads packaged guest modules: a directory holding
// manifest.yaml and the .wasm file it names.
package guest

import (
	"time"

	guestabi "github.com/woxQAQ/twelf-lsp/api/wasm"
	"github.com/woxQAQ/twelf-lsp/internal/wasm"
)

// Guest is a loaded bundle with its manifest and compiled module.
type Guest struct {
	// Manifest is the parsed bundle metadata
	Manifest *Manifest

	// Compiled is the compiled Wasm module
	Compiled *wasm.CompiledModule

	// LoadedAt is when the guest was loaded
	LoadedAt time.Time
}

// Name returns the guest name.
func (g *Guest) Name() string {
	return g.Manifest.Name
}

// Version returns the guest version.
func (g *Guest) Version() string {
	return g.Manifest.Version
}

// Program returns argv[0] for the guest, defaulting to its name.
func (g *Guest) Program() string {
	if g.Manifest.Program != "" {
		return g.Manifest.Program
	}
	return g.Manifest.Name
}

// Exports returns the entry point names, with defaults filled in.
func (g *Guest) Exports() guestabi.Exports {
	return guestabi.Exports{
		Open:       g.Manifest.Exports.Open,
		Allocate:   g.Manifest.Exports.Allocate,
		Execute:    g.Manifest.Exports.Execute,
		PrintParse: g.Manifest.Exports.PrintParse,
	}.WithDefaults()
}
