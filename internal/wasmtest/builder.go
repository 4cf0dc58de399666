// Package wasmtest builds small core wasm modules in code for tests.
package wasmtest

import (
	"github.com/wippyai/wasm-sandbox/wasm"
)

var (
	I32 = wasm.ValI32
	I64 = wasm.ValI64
	F64 = wasm.ValF64
)

// Vals is shorthand for a value type list.
func Vals(vs ...wasm.ValType) []wasm.ValType { return vs }

type funcDef struct {
	locals []wasm.ValType
	body   []byte
	typ    uint32
}

type dataSeg struct {
	bytes  []byte
	offset int32
}

type elemSeg struct {
	funcs  []uint32
	offset int32
}

// Builder assembles a module. Imports must be declared before functions so
// that returned function indices stay stable.
type Builder struct {
	mod     wasm.Module
	funcs   []funcDef
	data    []dataSeg
	elems   []elemSeg
	table   *uint32
	nImport uint32
}

// New returns an empty module builder.
func New() *Builder {
	return &Builder{}
}

// ImportFunc declares a function import and returns its function index.
func (b *Builder) ImportFunc(module, name string, params, results []wasm.ValType) uint32 {
	if len(b.funcs) > 0 {
		panic("wasmtest: imports must precede function definitions")
	}
	ti := b.mod.TypeIndex(wasm.FuncType{Params: params, Results: results})
	b.mod.Imports = append(b.mod.Imports, wasm.Import{Module: module, Name: name, Kind: wasm.KindFunc, TypeIdx: ti})
	b.nImport++
	return b.nImport - 1
}

// ImportMemory declares a memory import. Used to build nonconformant modules.
func (b *Builder) ImportMemory(module, name string, min uint32) *Builder {
	desc := append([]byte{wasm.LimitsNoMax}, wasm.EncodeLEB128u(min)...)
	b.mod.Imports = append(b.mod.Imports, wasm.Import{Module: module, Name: name, Kind: wasm.KindMemory, Desc: desc})
	return b
}

// Func defines a function and returns its index. The body is terminated
// with end automatically.
func (b *Builder) Func(params, results, locals []wasm.ValType, body ...[]byte) uint32 {
	ti := b.mod.TypeIndex(wasm.FuncType{Params: params, Results: results})
	b.funcs = append(b.funcs, funcDef{typ: ti, locals: locals, body: Seq(body...)})
	return b.nImport + uint32(len(b.funcs)) - 1
}

// Export exports function idx under name.
func (b *Builder) Export(name string, idx uint32) *Builder {
	b.mod.Exports = append(b.mod.Exports, wasm.Export{Name: name, Kind: wasm.KindFunc, Index: idx})
	return b
}

// Memory defines the module's memory with an optional maximum.
func (b *Builder) Memory(min uint32, max ...uint32) *Builder {
	lim := wasm.Limits{Min: min}
	if len(max) > 0 {
		mx := max[0]
		lim.Max = &mx
	}
	b.mod.Memories = append(b.mod.Memories, lim)
	return b
}

// SharedMemory defines a shared memory. Used to build nonconformant modules.
func (b *Builder) SharedMemory(min, max uint32) *Builder {
	b.mod.Memories = append(b.mod.Memories, wasm.Limits{Min: min, Max: &max, Shared: true})
	return b
}

// ExportMemory exports memory 0 under name.
func (b *Builder) ExportMemory(name string) *Builder {
	b.mod.Exports = append(b.mod.Exports, wasm.Export{Name: name, Kind: wasm.KindMemory})
	return b
}

// Data places bytes at offset in memory 0.
func (b *Builder) Data(offset int32, data []byte) *Builder {
	b.data = append(b.data, dataSeg{offset: offset, bytes: data})
	return b
}

// Table defines a funcref table with the given minimum size.
func (b *Builder) Table(min uint32) *Builder {
	b.table = &min
	return b
}

// Elem fills the table starting at offset with the given function indices.
func (b *Builder) Elem(offset int32, funcs ...uint32) *Builder {
	b.elems = append(b.elems, elemSeg{offset: offset, funcs: funcs})
	return b
}

// MutableGlobalI32 defines a mutable i32 global and returns its index.
func (b *Builder) MutableGlobalI32(init int32) uint32 {
	b.mod.Globals = append(b.mod.Globals, wasm.Global{
		Type:    wasm.ValI32,
		Mutable: true,
		Init:    Seq(I32Const(init), []byte{wasm.OpEnd}),
	})
	return uint32(len(b.mod.Globals) - 1)
}

// Start sets the start function.
func (b *Builder) Start(idx uint32) *Builder {
	b.mod.Start = &idx
	return b
}

// Custom appends a custom section.
func (b *Builder) Custom(name string, data []byte) *Builder {
	b.mod.Customs = append(b.mod.Customs, wasm.CustomSection{Name: name, Data: data})
	return b
}

// Module returns the assembled module structure.
func (b *Builder) Module() *wasm.Module {
	m := b.mod
	m.Functions = nil
	m.Code = nil
	for _, f := range b.funcs {
		m.Functions = append(m.Functions, f.typ)
		locals := wasm.EncodeLEB128u(uint32(len(f.locals)))
		for _, l := range f.locals {
			locals = append(locals, 1, byte(l))
		}
		m.Code = append(m.Code, wasm.FuncBody{Locals: locals, Code: Seq(f.body, []byte{wasm.OpEnd})})
	}
	if b.table != nil {
		tbl := []byte{1, byte(wasm.ValFuncRef), wasm.LimitsNoMax}
		m.Table = append(tbl, wasm.EncodeLEB128u(*b.table)...)
	}
	for _, e := range b.elems {
		m.Elements = append(m.Elements, wasm.Element{
			Offset:   Seq(I32Const(e.offset), []byte{wasm.OpEnd}),
			FuncIdxs: e.funcs,
		})
	}
	if len(b.data) > 0 {
		payload := wasm.EncodeLEB128u(uint32(len(b.data)))
		for _, d := range b.data {
			payload = append(payload, 0)
			payload = append(payload, I32Const(d.offset)...)
			payload = append(payload, wasm.OpEnd)
			payload = wasm.AppendULEB128(payload, uint64(len(d.bytes)))
			payload = append(payload, d.bytes...)
		}
		m.Data = payload
	}
	return &m
}

// Bytes encodes the module.
func (b *Builder) Bytes() []byte {
	return b.Module().Encode()
}
