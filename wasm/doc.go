// Package wasm provides WebAssembly core module parsing and encoding.
//
// The codec is section-oriented: sections that rewrites need to understand
// (types, imports, functions, memories, globals, exports, start, elements,
// code) are decoded into Go structures, while tables and data segments are
// carried through as raw payloads. Function bodies are kept as raw bytes and
// walked with the instruction scanner.
//
// # Parsing
//
//	module, err := wasm.ParseModule(data)
//	if err != nil {
//	    return err
//	}
//
// Component-model binaries are recognized and rejected with ErrComponent.
//
// # Instructions
//
// Walk decodes every instruction of a body, reporting its byte range and,
// for call and ref.func, the referenced function index:
//
//	err := wasm.Walk(body.Code, func(ins wasm.Instruction) error {
//	    if ins.Opcode == wasm.OpLoop { ... }
//	    return nil
//	})
//
// Opcodes from proposals the sandbox does not run (threads, tail calls,
// exception handling, GC, multi-memory) yield ErrUnsupportedOpcode.
//
// # Encoding
//
// Module.Encode serializes a module back to the binary format; a parse
// followed by Encode yields an equivalent module.
package wasm
