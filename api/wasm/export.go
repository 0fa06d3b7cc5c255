//go:build wasm

package wasm

// This file documents the export surface a guest must provide to be hosted.
// Names are the defaults; a guest manifest may rename any of them.
//
// NOTE: uint32 is used for pointers and lengths because WebAssembly uses a 32-bit
// linear memory model. All Wasm memory addresses are represented as 32-bit integers.
// See: https://github.com/golang/go/issues/59156

// Exported items a guest must provide:
//
// memory (exported linear memory, name "memory")
//
// //go:wasmexport open
// func open(argc, argv uint32)
//
// //go:wasmexport allocate
// func allocate(size uint32) uint32
//
// //go:wasmexport execute
// func execute() uint32
//
// //go:wasmexport printParse
// func printParse() uint32
//
// allocate must return a non-zero pointer to size writable bytes. The host
// copies the UTF-8 input there before calling execute or printParse, which
// read it back and return 0 (OK) or 1 (ABORT).
