package wasm_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/wippyai/wasm-sandbox/internal/wasmtest"
	"github.com/wippyai/wasm-sandbox/wasm"
)

func sampleModule() []byte {
	b := wasmtest.New()
	log := b.ImportFunc("env", "log", wasmtest.Vals(wasmtest.I32), nil)
	b.Memory(1, 4)
	b.Table(2)
	g := b.MutableGlobalI32(7)
	add := b.Func(wasmtest.Vals(wasmtest.I32, wasmtest.I32), wasmtest.Vals(wasmtest.I32), nil,
		wasmtest.LocalGet(0), wasmtest.LocalGet(1), wasmtest.Op(wasm.OpI32Add))
	run := b.Func(nil, wasmtest.Vals(wasmtest.I32), wasmtest.Vals(wasmtest.I32),
		wasmtest.GlobalGet(g), wasmtest.Call(log),
		wasmtest.Loop(
			wasmtest.LocalGet(0), wasmtest.I32Const(1), wasmtest.Op(wasm.OpI32Add), wasmtest.LocalTee(0),
			wasmtest.I32Const(10), wasmtest.Op(wasm.OpI32LtS), wasmtest.BrIf(0),
		),
		wasmtest.LocalGet(0), wasmtest.I32Const(2), wasmtest.Call(add))
	b.Elem(0, add, run)
	b.Export("add", add).Export("run", run).ExportMemory("memory")
	b.Data(16, []byte("hello"))
	b.Custom("producers", []byte{0})
	return b.Bytes()
}

func TestParseModule_RoundTrip(t *testing.T) {
	data := sampleModule()
	m, err := wasm.ParseModule(data)
	if err != nil {
		t.Fatalf("ParseModule: %v", err)
	}

	if got := m.NumImportedFuncs(); got != 1 {
		t.Errorf("NumImportedFuncs = %d, want 1", got)
	}
	if len(m.Memories) != 1 || m.Memories[0].Min != 1 || m.Memories[0].Max == nil || *m.Memories[0].Max != 4 {
		t.Errorf("Memories = %+v", m.Memories)
	}
	if len(m.Elements) != 1 || len(m.Elements[0].FuncIdxs) != 2 {
		t.Errorf("Elements = %+v", m.Elements)
	}
	idx, ok := m.ExportedFunc("run")
	if !ok || idx != 2 {
		t.Errorf("ExportedFunc(run) = %d, %v", idx, ok)
	}
	ft, ok := m.FuncType(1)
	if !ok || len(ft.Params) != 2 || len(ft.Results) != 1 {
		t.Errorf("FuncType(1) = %v, %v", ft, ok)
	}
	if _, ok := m.FuncType(9); ok {
		t.Error("FuncType out of range should fail")
	}

	again := m.Encode()
	if !bytes.Equal(data, again) {
		t.Errorf("re-encoded module differs: %d vs %d bytes", len(data), len(again))
	}
}

func TestParseModule_Rejects(t *testing.T) {
	component := []byte{0x00, 0x61, 0x73, 0x6d, 0x0d, 0x00, 0x01, 0x00}
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, wasm.ErrInvalidMagic},
		{"bad magic", []byte("notwasm!"), wasm.ErrInvalidMagic},
		{"bad version", []byte{0x00, 0x61, 0x73, 0x6d, 0x02, 0x00, 0x00, 0x00}, wasm.ErrInvalidVersion},
		{"component", component, wasm.ErrComponent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := wasm.ParseModule(tt.data)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}

	t.Run("truncated", func(t *testing.T) {
		data := sampleModule()
		if _, err := wasm.ParseModule(data[:len(data)-3]); err == nil {
			t.Error("expected error for truncated module")
		}
	})
}

func TestWalk(t *testing.T) {
	code := wasmtest.Seq(
		wasmtest.I32Const(-5),
		wasmtest.Loop(wasmtest.Call(3), wasmtest.BrIf(0)),
		wasmtest.I32Load(8),
		wasmtest.RefFunc(4),
		wasmtest.Op(wasm.OpDrop, wasm.OpDrop, wasm.OpEnd),
	)

	var ops []byte
	var calls []uint32
	err := wasm.Walk(code, func(ins wasm.Instruction) error {
		ops = append(ops, ins.Opcode)
		if ins.HasFuncIndex() {
			calls = append(calls, ins.Index)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	want := []byte{wasm.OpI32Const, wasm.OpLoop, wasm.OpCall, wasm.OpBrIf, wasm.OpEnd,
		wasm.OpI32Load, wasm.OpRefFunc, wasm.OpDrop, wasm.OpDrop, wasm.OpEnd}
	if !bytes.Equal(ops, want) {
		t.Errorf("ops = %x, want %x", ops, want)
	}
	if len(calls) != 2 || calls[0] != 3 || calls[1] != 4 {
		t.Errorf("calls = %v", calls)
	}
}

func TestWalk_Unsupported(t *testing.T) {
	tests := []struct {
		name string
		code []byte
	}{
		{"tail call", []byte{wasm.OpReturnCall, 0x00}},
		{"atomics", []byte{wasm.OpPrefixAtomic, 0x00, 0x02, 0x00}},
		{"try", []byte{wasm.OpTry, wasm.BlockTypeVoid}},
		{"multi-memory memarg", []byte{wasm.OpI32Load, 0x42, 0x01, 0x00}},
		{"memory.grow on memory 1", []byte{wasm.OpMemoryGrow, 0x01}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := wasm.Walk(tt.code, func(wasm.Instruction) error { return nil })
			if !errors.Is(err, wasm.ErrUnsupportedOpcode) {
				t.Errorf("err = %v, want ErrUnsupportedOpcode", err)
			}
		})
	}
}

func TestRewriteFuncIndices(t *testing.T) {
	code := wasmtest.Seq(wasmtest.Call(0), wasmtest.Call(127), wasmtest.RefFunc(5), wasmtest.I32Const(0x10), wasmtest.Op(wasm.OpEnd))
	out, err := wasm.RewriteFuncIndices(code, func(i uint32) uint32 { return i + 1 })
	if err != nil {
		t.Fatalf("RewriteFuncIndices: %v", err)
	}
	want := wasmtest.Seq(wasmtest.Call(1), wasmtest.Call(128), wasmtest.RefFunc(6), wasmtest.I32Const(0x10), wasmtest.Op(wasm.OpEnd))
	if !bytes.Equal(out, want) {
		t.Errorf("got %x, want %x", out, want)
	}
}

func TestLEB128(t *testing.T) {
	tests := []struct {
		v    int64
		want []byte
	}{
		{0, []byte{0x00}},
		{-1, []byte{0x7f}},
		{63, []byte{0x3f}},
		{64, []byte{0xc0, 0x00}},
		{-64, []byte{0x40}},
		{-65, []byte{0xbf, 0x7f}},
	}
	for _, tt := range tests {
		if got := wasm.EncodeLEB128s64(tt.v); !bytes.Equal(got, tt.want) {
			t.Errorf("EncodeLEB128s64(%d) = %x, want %x", tt.v, got, tt.want)
		}
	}
	if got := wasm.EncodeLEB128u(624485); !bytes.Equal(got, []byte{0xe5, 0x8e, 0x26}) {
		t.Errorf("EncodeLEB128u(624485) = %x", got)
	}
}
