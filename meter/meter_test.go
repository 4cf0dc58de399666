package meter

import (
	"bytes"
	"testing"

	"github.com/wippyai/wasm-sandbox/internal/wasmtest"
	"github.com/wippyai/wasm-sandbox/wasm"
)

func checkpoint(cost int64, idx uint32) []byte {
	return wasmtest.Seq(wasmtest.I64Const(cost), wasmtest.Call(idx))
}

func TestInstrument_StraightLine(t *testing.T) {
	b := wasmtest.New()
	f := b.Func(nil, wasmtest.Vals(wasmtest.I32), nil, wasmtest.I32Const(1), wasmtest.I32Const(2), wasmtest.Op(wasm.OpI32Add))
	b.Export("run", f)
	m := b.Module()

	stats, err := Instrument(m, Options{})
	if err != nil {
		t.Fatalf("Instrument: %v", err)
	}
	if stats.ChargeIndex != 0 {
		t.Errorf("ChargeIndex = %d, want 0", stats.ChargeIndex)
	}
	if stats.Checkpoints != 1 || stats.Instructions != 4 {
		t.Errorf("stats = %+v", stats)
	}

	want := wasmtest.Seq(checkpoint(4, 0), wasmtest.I32Const(1), wasmtest.I32Const(2), wasmtest.Op(wasm.OpI32Add, wasm.OpEnd))
	if !bytes.Equal(m.Code[0].Code, want) {
		t.Errorf("code = %x\nwant  %x", m.Code[0].Code, want)
	}

	if len(m.Imports) != 1 || m.Imports[0].Module != DefaultNamespace || m.Imports[0].Name != ChargeName {
		t.Fatalf("imports = %+v", m.Imports)
	}
	if !m.Types[m.Imports[0].TypeIdx].Equal(ChargeType) {
		t.Errorf("charge type = %v", m.Types[m.Imports[0].TypeIdx])
	}
	if idx, _ := m.ExportedFunc("run"); idx != 1 {
		t.Errorf("export run = %d, want 1", idx)
	}
}

func TestInstrument_Loops(t *testing.T) {
	b := wasmtest.New()
	f := b.Func(nil, nil, wasmtest.Vals(wasmtest.I32),
		wasmtest.Loop(
			wasmtest.Loop(wasmtest.Op(wasm.OpNop), wasmtest.BrIf(0)),
			wasmtest.LocalGet(0), wasmtest.BrIf(0),
		),
	)
	b.Export("run", f)
	m := b.Module()

	if _, err := Instrument(m, Options{Namespace: "gov"}); err != nil {
		t.Fatalf("Instrument: %v", err)
	}

	// function owner: outer loop opcode + final end = 2
	// outer loop: inner loop opcode, local.get, br_if, end = 4
	// inner loop: nop, br_if, end = 3
	want := wasmtest.Seq(
		checkpoint(2, 0),
		[]byte{wasm.OpLoop, wasm.BlockTypeVoid},
		checkpoint(4, 0),
		[]byte{wasm.OpLoop, wasm.BlockTypeVoid},
		checkpoint(3, 0),
		wasmtest.Op(wasm.OpNop), wasmtest.BrIf(0), wasmtest.Op(wasm.OpEnd),
		wasmtest.LocalGet(0), wasmtest.BrIf(0), wasmtest.Op(wasm.OpEnd),
		wasmtest.Op(wasm.OpEnd),
	)
	if !bytes.Equal(m.Code[0].Code, want) {
		t.Errorf("code = %x\nwant  %x", m.Code[0].Code, want)
	}
	if m.Imports[0].Module != "gov" {
		t.Errorf("namespace = %q", m.Imports[0].Module)
	}
}

func TestInstrument_RenumbersFunctions(t *testing.T) {
	b := wasmtest.New()
	host := b.ImportFunc("env", "host", nil, nil)
	b.Memory(1)
	b.Table(2)
	callee := b.Func(nil, nil, nil, wasmtest.Call(host))
	caller := b.Func(nil, nil, nil, wasmtest.Call(callee), wasmtest.RefFunc(callee), wasmtest.Op(wasm.OpDrop))
	b.Elem(0, callee, caller)
	b.Export("caller", caller)
	b.Custom(wasm.NameSection, []byte{0})
	b.Custom("producers", []byte{1})
	m := b.Module()

	stats, err := Instrument(m, Options{})
	if err != nil {
		t.Fatalf("Instrument: %v", err)
	}
	if stats.ChargeIndex != 1 {
		t.Fatalf("ChargeIndex = %d, want 1", stats.ChargeIndex)
	}

	// host import keeps index 0, charge is 1, callee 2, caller 3
	if len(m.Imports) != 2 || m.Imports[0].Name != "host" || m.Imports[1].Name != ChargeName {
		t.Fatalf("imports = %+v", m.Imports)
	}
	wantCallee := wasmtest.Seq(checkpoint(2, 1), wasmtest.Call(0), wasmtest.Op(wasm.OpEnd))
	if !bytes.Equal(m.Code[0].Code, wantCallee) {
		t.Errorf("callee = %x, want %x", m.Code[0].Code, wantCallee)
	}
	wantCaller := wasmtest.Seq(checkpoint(4, 1), wasmtest.Call(2), wasmtest.RefFunc(2), wasmtest.Op(wasm.OpDrop, wasm.OpEnd))
	if !bytes.Equal(m.Code[1].Code, wantCaller) {
		t.Errorf("caller = %x, want %x", m.Code[1].Code, wantCaller)
	}
	if got := m.Elements[0].FuncIdxs; got[0] != 2 || got[1] != 3 {
		t.Errorf("element funcs = %v, want [2 3]", got)
	}
	if idx, _ := m.ExportedFunc("caller"); idx != 3 {
		t.Errorf("export caller = %d, want 3", idx)
	}
	if len(m.Customs) != 1 || m.Customs[0].Name != "producers" {
		t.Errorf("customs = %+v", m.Customs)
	}

	// the rewritten module must still parse
	if _, err := wasm.ParseModule(m.Encode()); err != nil {
		t.Errorf("re-parse: %v", err)
	}
}

func TestInstrument_Unbalanced(t *testing.T) {
	m := &wasm.Module{
		Types:     []wasm.FuncType{{}},
		Functions: []uint32{0},
		Code:      []wasm.FuncBody{{Locals: []byte{0}, Code: []byte{wasm.OpEnd, wasm.OpNop}}},
	}
	if _, err := Instrument(m, Options{}); err == nil {
		t.Error("expected error for instruction after function end")
	}
}
