package abi

import (
	stderrors "errors"
	"fmt"
	"strconv"
	"unicode/utf8"

	"github.com/tetratelabs/wazero/api"
	"go.bytecodealliance.org/wit"

	wasmsandbox "github.com/wippyai/wasm-sandbox"
	"github.com/wippyai/wasm-sandbox/errors"
)

// CheckArgs validates Go arguments against the parameter types without
// touching guest memory. Go types map one to one: bool, uint8..uint64,
// int8..int64, float32, float64, rune for char and string.
func (s *Signature) CheckArgs(args []any) error {
	if len(args) != len(s.Params) {
		return errors.InvalidInput(errors.PhaseABI,
			fmt.Sprintf("%s takes %d arguments, got %d", s.Name, len(s.Params), len(args)))
	}
	for i, arg := range args {
		path := []string{s.Name, "param" + strconv.Itoa(i)}
		t := s.Params[i]
		if _, ok := t.(wit.String); ok {
			str, ok := arg.(string)
			if !ok {
				return mismatch(path, arg, t)
			}
			if !utf8.ValidString(str) {
				return errors.InvalidUTF8(errors.PhaseABI, path, []byte(str))
			}
			continue
		}
		if _, err := lowerScalar(path, t, arg); err != nil {
			return err
		}
	}
	return nil
}

// Lower converts Go arguments into flat core values. Strings are copied
// into guest memory obtained from alloc.
func (s *Signature) Lower(mem wasmsandbox.Memory, alloc wasmsandbox.Allocator, args []any) ([]uint64, error) {
	if err := s.CheckArgs(args); err != nil {
		return nil, err
	}

	flat := make([]uint64, 0, len(args))
	for i, arg := range args {
		t := s.Params[i]
		str, isString := arg.(string)
		if _, ok := t.(wit.String); !ok || !isString {
			v, err := lowerScalar(nil, t, arg)
			if err != nil {
				return nil, err
			}
			flat = append(flat, v)
			continue
		}

		if len(str) == 0 {
			flat = append(flat, 0, 0)
			continue
		}
		if alloc == nil || mem == nil {
			return nil, errors.Unsupported(errors.PhaseABI, "string argument without guest allocator")
		}
		ptr, err := alloc.Alloc(uint32(len(str)), 1)
		if err != nil {
			return nil, err
		}
		if err := mem.Write(ptr, []byte(str)); err != nil {
			return nil, err
		}
		flat = append(flat, uint64(ptr), uint64(len(str)))
	}
	return flat, nil
}

func lowerScalar(path []string, t wit.Type, arg any) (uint64, error) {
	switch t.(type) {
	case wit.Bool:
		if v, ok := arg.(bool); ok {
			if v {
				return 1, nil
			}
			return 0, nil
		}
	case wit.U8:
		if v, ok := arg.(uint8); ok {
			return uint64(v), nil
		}
	case wit.U16:
		if v, ok := arg.(uint16); ok {
			return uint64(v), nil
		}
	case wit.U32:
		if v, ok := arg.(uint32); ok {
			return api.EncodeU32(v), nil
		}
	case wit.U64:
		if v, ok := arg.(uint64); ok {
			return v, nil
		}
	case wit.S8:
		if v, ok := arg.(int8); ok {
			return api.EncodeI32(int32(v)), nil
		}
	case wit.S16:
		if v, ok := arg.(int16); ok {
			return api.EncodeI32(int32(v)), nil
		}
	case wit.S32:
		if v, ok := arg.(int32); ok {
			return api.EncodeI32(v), nil
		}
	case wit.S64:
		if v, ok := arg.(int64); ok {
			return api.EncodeI64(v), nil
		}
	case wit.F32:
		if v, ok := arg.(float32); ok {
			return api.EncodeF32(v), nil
		}
	case wit.F64:
		if v, ok := arg.(float64); ok {
			return api.EncodeF64(v), nil
		}
	case wit.Char:
		if v, ok := arg.(rune); ok {
			if !validChar(uint32(v)) {
				return 0, errors.New(errors.PhaseABI, errors.KindInvalidInput).
					Path(path...).Value(v).Detail("invalid char").Build()
			}
			return api.EncodeU32(uint32(v)), nil
		}
	}
	return 0, mismatch(path, arg, t)
}

// Lift converts raw core results into Go values. With a return pointer the
// results are loaded from memory at raw[0].
func (s *Signature) Lift(mem wasmsandbox.Memory, raw []uint64) ([]any, error) {
	if len(s.Results) == 0 {
		return nil, nil
	}
	if !s.RetPtr() {
		if len(raw) != 1 {
			return nil, errors.New(errors.PhaseABI, errors.KindTypeMismatch).
				Path(s.Name).Detail("expected 1 core result, got %d", len(raw)).Build()
		}
		v, err := liftScalar([]string{s.Name, "result"}, s.Results[0], raw[0])
		if err != nil {
			return nil, err
		}
		return []any{v}, nil
	}

	if len(raw) != 1 {
		return nil, errors.New(errors.PhaseABI, errors.KindTypeMismatch).
			Path(s.Name).Detail("expected return pointer, got %d core results", len(raw)).Build()
	}
	if mem == nil {
		return nil, errors.Unsupported(errors.PhaseABI, "return pointer without exported memory")
	}

	ptr := uint32(raw[0])
	offset := uint32(0)
	out := make([]any, len(s.Results))
	for i, t := range s.Results {
		path := []string{s.Name, "result" + strconv.Itoa(i)}
		offset = alignTo(offset, Alignment(t))
		v, err := load(path, mem, t, ptr+offset)
		if err != nil {
			return nil, err
		}
		out[i] = v
		offset += Size(t)
	}
	return out, nil
}

func liftScalar(path []string, t wit.Type, raw uint64) (any, error) {
	switch t.(type) {
	case wit.Bool:
		return uint32(raw) != 0, nil
	case wit.U8:
		return uint8(raw), nil
	case wit.U16:
		return uint16(raw), nil
	case wit.U32:
		return api.DecodeU32(raw), nil
	case wit.U64:
		return raw, nil
	case wit.S8:
		return int8(raw), nil
	case wit.S16:
		return int16(raw), nil
	case wit.S32:
		return api.DecodeI32(raw), nil
	case wit.S64:
		return int64(raw), nil
	case wit.F32:
		return api.DecodeF32(raw), nil
	case wit.F64:
		return api.DecodeF64(raw), nil
	case wit.Char:
		c := uint32(raw)
		if !validChar(c) {
			return nil, errors.New(errors.PhaseABI, errors.KindInvalidData).
				Path(path...).Value(c).Detail("invalid char").Build()
		}
		return rune(c), nil
	}
	return nil, errors.Unsupported(errors.PhaseABI, "lift of "+typeName(t))
}

func load(path []string, mem wasmsandbox.Memory, t wit.Type, addr uint32) (any, error) {
	b, err := mem.Read(addr, Size(t))
	if err != nil {
		return nil, withPath(err, path)
	}

	if _, isString := t.(wit.String); isString {
		data, err := mem.Read(le32(b[0:4]), le32(b[4:8]))
		if err != nil {
			return nil, withPath(err, path)
		}
		if !utf8.Valid(data) {
			return nil, errors.InvalidUTF8(errors.PhaseABI, path, data)
		}
		return string(data), nil
	}

	var raw uint64
	for i := len(b) - 1; i >= 0; i-- {
		raw = raw<<8 | uint64(b[i])
	}
	switch t.(type) {
	case wit.S8:
		raw = uint64(int64(int8(raw)))
	case wit.S16:
		raw = uint64(int64(int16(raw)))
	}
	return liftScalar(path, t, raw)
}

// withPath attaches the value path to structured memory errors.
func withPath(err error, path []string) error {
	var se *errors.Error
	if stderrors.As(err, &se) && len(se.Path) == 0 {
		cp := *se
		cp.Path = path
		return &cp
	}
	return err
}

// Size returns the in-memory size of t.
func Size(t wit.Type) uint32 {
	switch t.(type) {
	case wit.Bool, wit.U8, wit.S8:
		return 1
	case wit.U16, wit.S16:
		return 2
	case wit.U32, wit.S32, wit.F32, wit.Char:
		return 4
	case wit.U64, wit.S64, wit.F64, wit.String:
		return 8
	}
	return 0
}

// Alignment returns the in-memory alignment of t.
func Alignment(t wit.Type) uint32 {
	if _, ok := t.(wit.String); ok {
		return 4
	}
	return max(Size(t), 1)
}

func alignTo(offset, align uint32) uint32 {
	return (offset + align - 1) &^ (align - 1)
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func validChar(c uint32) bool {
	return c <= utf8.MaxRune && (c < 0xD800 || c > 0xDFFF)
}

func mismatch(path []string, arg any, t wit.Type) error {
	return errors.TypeMismatch(errors.PhaseABI, path, fmt.Sprintf("%T", arg), typeName(t))
}

func typeName(t wit.Type) string {
	switch t.(type) {
	case wit.Bool:
		return "bool"
	case wit.U8:
		return "u8"
	case wit.U16:
		return "u16"
	case wit.U32:
		return "u32"
	case wit.U64:
		return "u64"
	case wit.S8:
		return "s8"
	case wit.S16:
		return "s16"
	case wit.S32:
		return "s32"
	case wit.S64:
		return "s64"
	case wit.F32:
		return "f32"
	case wit.F64:
		return "f64"
	case wit.Char:
		return "char"
	case wit.String:
		return "string"
	}
	return fmt.Sprintf("%T", t)
}
