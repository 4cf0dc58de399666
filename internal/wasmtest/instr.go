package wasmtest

import "github.com/wippyai/wasm-sandbox/wasm"

// Seq concatenates instruction encodings.
func Seq(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// Op emits opcodes without immediates.
func Op(ops ...byte) []byte { return ops }

func I32Const(v int32) []byte { return wasm.AppendSLEB128([]byte{wasm.OpI32Const}, int64(v)) }
func I64Const(v int64) []byte { return wasm.AppendSLEB128([]byte{wasm.OpI64Const}, v) }

func LocalGet(i uint32) []byte  { return wasm.AppendULEB128([]byte{wasm.OpLocalGet}, uint64(i)) }
func LocalSet(i uint32) []byte  { return wasm.AppendULEB128([]byte{wasm.OpLocalSet}, uint64(i)) }
func LocalTee(i uint32) []byte  { return wasm.AppendULEB128([]byte{wasm.OpLocalTee}, uint64(i)) }
func GlobalGet(i uint32) []byte { return wasm.AppendULEB128([]byte{wasm.OpGlobalGet}, uint64(i)) }
func GlobalSet(i uint32) []byte { return wasm.AppendULEB128([]byte{wasm.OpGlobalSet}, uint64(i)) }
func Call(i uint32) []byte      { return wasm.AppendULEB128([]byte{wasm.OpCall}, uint64(i)) }
func Br(depth uint32) []byte    { return wasm.AppendULEB128([]byte{wasm.OpBr}, uint64(depth)) }
func BrIf(depth uint32) []byte  { return wasm.AppendULEB128([]byte{wasm.OpBrIf}, uint64(depth)) }
func RefFunc(i uint32) []byte   { return wasm.AppendULEB128([]byte{wasm.OpRefFunc}, uint64(i)) }

// CallIndirect calls through table 0 with the given type index.
func CallIndirect(typeIdx uint32) []byte {
	return append(wasm.AppendULEB128([]byte{wasm.OpCallIndirect}, uint64(typeIdx)), 0)
}

// Loop wraps body in a void loop.
func Loop(body ...[]byte) []byte {
	return Seq([]byte{wasm.OpLoop, wasm.BlockTypeVoid}, Seq(body...), []byte{wasm.OpEnd})
}

// Block wraps body in a void block.
func Block(body ...[]byte) []byte {
	return Seq([]byte{wasm.OpBlock, wasm.BlockTypeVoid}, Seq(body...), []byte{wasm.OpEnd})
}

// If wraps body in a void if without else.
func If(body ...[]byte) []byte {
	return Seq([]byte{wasm.OpIf, wasm.BlockTypeVoid}, Seq(body...), []byte{wasm.OpEnd})
}

func memarg(op byte, align, offset uint32) []byte {
	out := wasm.AppendULEB128([]byte{op}, uint64(align))
	return wasm.AppendULEB128(out, uint64(offset))
}

func I32Load(offset uint32) []byte   { return memarg(wasm.OpI32Load, 2, offset) }
func I32Load8U(offset uint32) []byte { return memarg(wasm.OpI32Load8U, 0, offset) }
func I32Store(offset uint32) []byte  { return memarg(wasm.OpI32Store, 2, offset) }
func I32Store8(offset uint32) []byte { return memarg(wasm.OpI32Store8, 0, offset) }
func I64Store(offset uint32) []byte  { return memarg(wasm.OpI64Store, 3, offset) }

func MemorySize() []byte { return []byte{wasm.OpMemorySize, 0} }
func MemoryGrow() []byte { return []byte{wasm.OpMemoryGrow, 0} }
