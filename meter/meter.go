package meter

import (
	"fmt"

	"github.com/wippyai/wasm-sandbox/wasm"
)

// Default import coordinates of the charge function.
const (
	DefaultNamespace = "sandbox:governor"
	ChargeName       = "charge"
)

// ChargeType is the signature of the injected charge import: it takes the
// cost of the block being entered.
var ChargeType = wasm.FuncType{Params: []wasm.ValType{wasm.ValI64}}

// Options configures Instrument.
type Options struct {
	// Namespace is the import module name of the charge function.
	// Defaults to DefaultNamespace.
	Namespace string
}

// Stats describes what Instrument did to a module.
type Stats struct {
	Functions    int    // function bodies instrumented
	Checkpoints  int    // checkpoints injected
	Instructions uint64 // static instruction count before metering
	ChargeIndex  uint32 // function index of the charge import
}

// Instrument rewrites m in place so that every function entry and every loop
// header charges the instructions it is about to execute.
//
// The cost charged at a function entry is the number of instructions outside
// any loop; the cost charged at a loop header is the number of instructions
// directly inside that loop, excluding nested loops. Every path through the
// function therefore pays for at least the instructions it runs between
// checkpoints, and any unbounded repetition passes a loop header.
//
// The charge import is appended after the existing function imports, so
// every defined function index shifts by one. Calls, ref.func, exports,
// element segments, global initializers and the start function are
// renumbered and the name section, which would be stale, is dropped.
func Instrument(m *wasm.Module, opts Options) (*Stats, error) {
	ns := opts.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}

	chargeIdx := m.NumImportedFuncs()
	remap := func(idx uint32) uint32 {
		if idx >= chargeIdx {
			return idx + 1
		}
		return idx
	}

	stats := &Stats{ChargeIndex: chargeIdx}

	for i := range m.Code {
		code, n, instrs, err := instrumentBody(m.Code[i].Code, chargeIdx, remap)
		if err != nil {
			return nil, fmt.Errorf("function %d: %w", int(chargeIdx)+i, err)
		}
		m.Code[i].Code = code
		stats.Functions++
		stats.Checkpoints += n
		stats.Instructions += instrs
	}

	for i := range m.Exports {
		if m.Exports[i].Kind == wasm.KindFunc {
			m.Exports[i].Index = remap(m.Exports[i].Index)
		}
	}
	for i := range m.Elements {
		el := &m.Elements[i]
		for j, idx := range el.FuncIdxs {
			el.FuncIdxs[j] = remap(idx)
		}
		for j, expr := range el.Exprs {
			out, err := wasm.RewriteFuncIndices(expr, remap)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			el.Exprs[j] = out
		}
	}
	for i := range m.Globals {
		out, err := wasm.RewriteFuncIndices(m.Globals[i].Init, remap)
		if err != nil {
			return nil, fmt.Errorf("global %d: %w", i, err)
		}
		m.Globals[i].Init = out
	}
	if m.Start != nil {
		s := remap(*m.Start)
		m.Start = &s
	}

	customs := m.Customs[:0]
	for _, c := range m.Customs {
		if c.Name != wasm.NameSection {
			customs = append(customs, c)
		}
	}
	m.Customs = customs

	// Function imports must stay contiguous at the front of the index
	// space, so the charge import goes right after the last one.
	ti := m.TypeIndex(ChargeType)
	charge := wasm.Import{Module: ns, Name: ChargeName, Kind: wasm.KindFunc, TypeIdx: ti}
	pos := 0
	for i, imp := range m.Imports {
		if imp.Kind == wasm.KindFunc {
			pos = i + 1
		}
	}
	m.Imports = append(m.Imports[:pos], append([]wasm.Import{charge}, m.Imports[pos:]...)...)

	return stats, nil
}

// cost owner: the function body itself or a loop
type owner struct {
	insertAt int
	cost     int64
}

func instrumentBody(code []byte, chargeIdx uint32, remap func(uint32) uint32) ([]byte, int, uint64, error) {
	owners := []owner{{insertAt: 0}}
	// blocks maps each open block to the owner charged for its instructions
	blocks := []int{0}
	var count uint64

	err := wasm.Walk(code, func(ins wasm.Instruction) error {
		if len(blocks) == 0 {
			return fmt.Errorf("instruction after function end at offset %d", ins.Offset)
		}
		count++
		cur := blocks[len(blocks)-1]
		owners[cur].cost++

		switch {
		case ins.Opcode == wasm.OpLoop:
			owners = append(owners, owner{insertAt: ins.End})
			blocks = append(blocks, len(owners)-1)
		case ins.IsBlockStart():
			blocks = append(blocks, cur)
		case ins.Opcode == wasm.OpEnd:
			blocks = blocks[:len(blocks)-1]
		}
		return nil
	})
	if err != nil {
		return nil, 0, 0, err
	}
	if len(blocks) != 0 {
		return nil, 0, 0, fmt.Errorf("unbalanced blocks: %d left open", len(blocks))
	}

	out := make([]byte, 0, len(code)+len(owners)*8)
	next := 0
	err = wasm.Walk(code, func(ins wasm.Instruction) error {
		for next < len(owners) && owners[next].insertAt == ins.Offset {
			out = appendCheckpoint(out, owners[next].cost, chargeIdx)
			next++
		}
		if ins.HasFuncIndex() {
			out = append(out, ins.Opcode)
			out = wasm.AppendULEB128(out, uint64(remap(ins.Index)))
			return nil
		}
		out = append(out, code[ins.Offset:ins.End]...)
		return nil
	})
	if err != nil {
		return nil, 0, 0, err
	}
	return out, len(owners), count, nil
}

func appendCheckpoint(out []byte, cost int64, chargeIdx uint32) []byte {
	out = append(out, wasm.OpI64Const)
	out = wasm.AppendSLEB128(out, cost)
	out = append(out, wasm.OpCall)
	return wasm.AppendULEB128(out, uint64(chargeIdx))
}
