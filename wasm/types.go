package wasm

import (
	"fmt"
	"strings"
)

// ValType is a WebAssembly value type.
type ValType byte

func (v ValType) String() string {
	switch v {
	case ValI32:
		return "i32"
	case ValI64:
		return "i64"
	case ValF32:
		return "f32"
	case ValF64:
		return "f64"
	case ValV128:
		return "v128"
	case ValFuncRef:
		return "funcref"
	case ValExtern:
		return "externref"
	}
	return fmt.Sprintf("valtype(0x%02x)", byte(v))
}

// FuncType is a function signature.
type FuncType struct {
	Params  []ValType
	Results []ValType
}

// Equal reports whether two signatures are identical.
func (t FuncType) Equal(o FuncType) bool {
	if len(t.Params) != len(o.Params) || len(t.Results) != len(o.Results) {
		return false
	}
	for i := range t.Params {
		if t.Params[i] != o.Params[i] {
			return false
		}
	}
	for i := range t.Results {
		if t.Results[i] != o.Results[i] {
			return false
		}
	}
	return true
}

func (t FuncType) String() string {
	join := func(vs []ValType) string {
		parts := make([]string, len(vs))
		for i, v := range vs {
			parts[i] = v.String()
		}
		return strings.Join(parts, ", ")
	}
	return fmt.Sprintf("(%s) -> (%s)", join(t.Params), join(t.Results))
}

// Limits describes memory or table bounds.
type Limits struct {
	Max    *uint32
	Min    uint32
	Shared bool
	Is64   bool
}

// Import is a single import entry. Desc holds the raw descriptor bytes for
// non-function imports.
type Import struct {
	Module  string
	Name    string
	Desc    []byte
	TypeIdx uint32
	Kind    byte
}

// Export is a single export entry.
type Export struct {
	Name  string
	Index uint32
	Kind  byte
}

// Global is a global definition. Init is the raw constant expression
// including its terminating end opcode.
type Global struct {
	Init    []byte
	Type    ValType
	Mutable bool
}

// Element is an element segment in any of the eight binary encodings.
// Flags selects the encoding; FuncIdxs is used by the index forms and Exprs
// by the expression forms.
type Element struct {
	Offset   []byte
	FuncIdxs []uint32
	Exprs    [][]byte
	Flags    uint32
	Table    uint32
	Kind     byte // elemkind (index forms) or reftype (expression forms)
}

// UsesExprs reports whether the segment stores expressions rather than indices.
func (e *Element) UsesExprs() bool {
	return e.Flags&0x04 != 0
}

// FuncBody is one entry of the code section. Locals keeps the raw local
// declarations vector; Code is the instruction sequence including the final end.
type FuncBody struct {
	Locals []byte
	Code   []byte
}

// CustomSection is a named custom section.
type CustomSection struct {
	Name string
	Data []byte
}

// Module is a decoded core module. Sections whose content no rewrite needs to
// understand (tables, data) are kept as raw payloads.
type Module struct {
	Start     *uint32
	DataCount *uint32
	Types     []FuncType
	Imports   []Import
	Functions []uint32
	Table     []byte
	Memories  []Limits
	Globals   []Global
	Exports   []Export
	Elements  []Element
	Code      []FuncBody
	Data      []byte
	Customs   []CustomSection
}

// NumImportedFuncs returns the number of function imports, which is the
// index of the first defined function.
func (m *Module) NumImportedFuncs() uint32 {
	var n uint32
	for _, imp := range m.Imports {
		if imp.Kind == KindFunc {
			n++
		}
	}
	return n
}

// FuncTypeIndex returns the type index of function idx in the function
// index space (imports first).
func (m *Module) FuncTypeIndex(idx uint32) (uint32, bool) {
	var n uint32
	for _, imp := range m.Imports {
		if imp.Kind != KindFunc {
			continue
		}
		if n == idx {
			return imp.TypeIdx, true
		}
		n++
	}
	local := idx - n
	if idx < n || int(local) >= len(m.Functions) {
		return 0, false
	}
	return m.Functions[local], true
}

// FuncType returns the signature of function idx.
func (m *Module) FuncType(idx uint32) (FuncType, bool) {
	ti, ok := m.FuncTypeIndex(idx)
	if !ok || int(ti) >= len(m.Types) {
		return FuncType{}, false
	}
	return m.Types[ti], true
}

// TypeIndex returns the index of an identical signature, or appends one.
func (m *Module) TypeIndex(ft FuncType) uint32 {
	for i, t := range m.Types {
		if t.Equal(ft) {
			return uint32(i)
		}
	}
	m.Types = append(m.Types, ft)
	return uint32(len(m.Types) - 1)
}

// ExportedFunc finds a function export by name.
func (m *Module) ExportedFunc(name string) (uint32, bool) {
	for _, e := range m.Exports {
		if e.Kind == KindFunc && e.Name == name {
			return e.Index, true
		}
	}
	return 0, false
}
