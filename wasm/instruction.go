package wasm

import (
	"errors"
	"fmt"

	"github.com/wippyai/wasm-sandbox/wasm/internal/binary"
)

// ErrUnsupportedOpcode is returned for instructions outside the supported
// feature set (threads, tail calls, exception handling, GC, multi-memory).
var ErrUnsupportedOpcode = errors.New("unsupported opcode")

// Instruction is one decoded instruction inside a code body.
// Offset and End delimit its full encoding (opcode plus immediates).
type Instruction struct {
	Offset int
	End    int
	Sub    uint32 // sub-opcode for prefixed instructions
	Index  uint32 // function index for call and ref.func
	Opcode byte
}

// IsBlockStart reports whether the instruction opens a structured block.
func (i Instruction) IsBlockStart() bool {
	return i.Opcode == OpBlock || i.Opcode == OpLoop || i.Opcode == OpIf
}

// HasFuncIndex reports whether Index refers to the function index space.
func (i Instruction) HasFuncIndex() bool {
	return i.Opcode == OpCall || i.Opcode == OpRefFunc
}

// ReadInstruction decodes the instruction starting at pos.
func ReadInstruction(code []byte, pos int) (Instruction, error) {
	r := binary.NewReader(code)
	r.Seek(pos)
	ins, err := readInstruction(r)
	if err != nil {
		return ins, r.WrapError("code", err)
	}
	return ins, nil
}

// Walk decodes every instruction in code in order.
func Walk(code []byte, fn func(Instruction) error) error {
	r := binary.NewReader(code)
	for r.Len() > 0 {
		ins, err := readInstruction(r)
		if err != nil {
			return r.WrapError("code", err)
		}
		if err := fn(ins); err != nil {
			return err
		}
	}
	return nil
}

func readInstruction(r *binary.Reader) (Instruction, error) {
	ins := Instruction{Offset: r.Position()}
	op, err := r.ReadByte()
	if err != nil {
		return ins, err
	}
	ins.Opcode = op

	switch {
	case op == OpBlock || op == OpLoop || op == OpIf:
		_, err = r.ReadS33()
	case op == OpBr || op == OpBrIf:
		_, err = r.ReadU32()
	case op == OpBrTable:
		err = skipU32Vec(r, 1)
	case op == OpCall || op == OpRefFunc:
		ins.Index, err = r.ReadU32()
	case op == OpCallIndirect:
		err = skipU32s(r, 2)
	case op == OpSelectType:
		var n uint32
		if n, err = r.ReadU32(); err == nil {
			_, err = r.ReadBytes(int(n))
		}
	case op >= OpLocalGet && op <= OpTableSet:
		_, err = r.ReadU32()
	case op >= OpI32Load && op <= OpI64Store32:
		err = readMemarg(r)
	case op == OpMemorySize || op == OpMemoryGrow:
		err = readZeroByte(r)
	case op == OpI32Const:
		_, err = r.ReadS32()
	case op == OpI64Const:
		_, err = r.ReadS64()
	case op == OpF32Const:
		_, err = r.ReadBytes(4)
	case op == OpF64Const:
		_, err = r.ReadBytes(8)
	case op == OpRefNull:
		_, err = r.ReadByte()
	case op == OpUnreachable, op == OpNop, op == OpElse, op == OpEnd, op == OpReturn,
		op == OpDrop, op == OpSelect, op == OpRefIsNull,
		op >= OpI32Eqz && op <= OpI64Extend32S:
		// no immediates
	case op == OpPrefixMisc:
		ins.Sub, err = readMisc(r)
	case op == OpPrefixSIMD:
		ins.Sub, err = readSIMD(r)
	default:
		return ins, fmt.Errorf("%w 0x%02x", ErrUnsupportedOpcode, op)
	}
	if err != nil {
		return ins, err
	}
	ins.End = r.Position()
	return ins, nil
}

func readMisc(r *binary.Reader) (uint32, error) {
	sub, err := r.ReadU32()
	if err != nil {
		return 0, err
	}
	switch {
	case sub <= 7:
		// saturating truncation
	case sub == MiscMemoryInit:
		if _, err = r.ReadU32(); err == nil {
			err = readZeroByte(r)
		}
	case sub == MiscDataDrop, sub == MiscElemDrop, sub == MiscTableGrow,
		sub == MiscTableSize, sub == MiscTableFill:
		_, err = r.ReadU32()
	case sub == MiscMemoryCopy:
		if err = readZeroByte(r); err == nil {
			err = readZeroByte(r)
		}
	case sub == MiscMemoryFill:
		err = readZeroByte(r)
	case sub == MiscTableInit, sub == MiscTableCopy:
		err = skipU32s(r, 2)
	default:
		return sub, fmt.Errorf("%w 0xfc %d", ErrUnsupportedOpcode, sub)
	}
	return sub, err
}

func readSIMD(r *binary.Reader) (uint32, error) {
	sub, err := r.ReadU32()
	if err != nil {
		return 0, err
	}
	switch {
	case sub <= 11, sub == 92, sub == 93:
		err = readMemarg(r)
	case sub == 12, sub == 13:
		_, err = r.ReadBytes(16)
	case sub >= 21 && sub <= 34:
		_, err = r.ReadByte()
	case sub >= 84 && sub <= 91:
		if err = readMemarg(r); err == nil {
			_, err = r.ReadByte()
		}
	case sub > 0x113:
		// relaxed SIMD and beyond
		return sub, fmt.Errorf("%w 0xfd %d", ErrUnsupportedOpcode, sub)
	}
	return sub, err
}

func readMemarg(r *binary.Reader) error {
	align, err := r.ReadU32()
	if err != nil {
		return err
	}
	if align&memargMemIdxFlag != 0 {
		return fmt.Errorf("%w: multi-memory memarg", ErrUnsupportedOpcode)
	}
	_, err = r.ReadU32()
	return err
}

func readZeroByte(r *binary.Reader) error {
	b, err := r.ReadByte()
	if err != nil {
		return err
	}
	if b != 0 {
		return fmt.Errorf("%w: memory index %d", ErrUnsupportedOpcode, b)
	}
	return nil
}

func skipU32s(r *binary.Reader, n int) error {
	for i := 0; i < n; i++ {
		if _, err := r.ReadU32(); err != nil {
			return err
		}
	}
	return nil
}

func skipU32Vec(r *binary.Reader, trailing int) error {
	n, err := r.ReadU32()
	if err != nil {
		return err
	}
	if err := skipU32s(r, int(n)); err != nil {
		return err
	}
	return skipU32s(r, trailing)
}

// readExpr reads a constant expression up to and including its end opcode.
func readExpr(r *binary.Reader) ([]byte, error) {
	start := r.Position()
	depth := 0
	for {
		ins, err := readInstruction(r)
		if err != nil {
			return nil, err
		}
		switch {
		case ins.IsBlockStart():
			depth++
		case ins.Opcode == OpEnd:
			if depth == 0 {
				return r.Data()[start:r.Position()], nil
			}
			depth--
		}
	}
}

// RewriteFuncIndices returns a copy of code where every call and ref.func
// index has been passed through remap. It is used on function bodies and
// constant expressions alike.
func RewriteFuncIndices(code []byte, remap func(uint32) uint32) ([]byte, error) {
	out := make([]byte, 0, len(code)+8)
	err := Walk(code, func(ins Instruction) error {
		if !ins.HasFuncIndex() {
			out = append(out, code[ins.Offset:ins.End]...)
			return nil
		}
		out = append(out, ins.Opcode)
		out = AppendULEB128(out, uint64(remap(ins.Index)))
		return nil
	})
	return out, err
}
