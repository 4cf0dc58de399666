package wasm

import (
	"encoding/binary"
	"errors"
	"fmt"

	wbin "github.com/wippyai/wasm-sandbox/wasm/internal/binary"
)

// Parsing errors returned by ParseModule.
var (
	ErrInvalidMagic   = errors.New("invalid wasm magic number")
	ErrInvalidVersion = errors.New("invalid wasm version")
	ErrComponent      = errors.New("component-model binary, expected core module")
	ErrUnsupported    = errors.New("unsupported construct")
)

// ParseModule parses a WebAssembly core module.
func ParseModule(data []byte) (*Module, error) {
	if len(data) < 8 {
		return nil, ErrInvalidMagic
	}
	if binary.LittleEndian.Uint32(data[0:4]) != Magic {
		return nil, ErrInvalidMagic
	}
	switch binary.LittleEndian.Uint32(data[4:8]) {
	case Version:
	case ComponentVersion:
		return nil, ErrComponent
	default:
		return nil, ErrInvalidVersion
	}

	r := wbin.NewReader(data)
	r.Seek(8)
	m := &Module{}

	// WASM order: Type(1), Import(2), Function(3), Table(4), Memory(5),
	// Global(6), Export(7), Start(8), Element(9), DataCount(12), Code(10), Data(11)
	var lastOrder int
	for r.Len() > 0 {
		id, err := r.ReadByte()
		if err != nil {
			return nil, r.WrapError("section header", err)
		}
		if id != SectionCustom {
			order := sectionOrder(id)
			if order == 0 {
				return nil, fmt.Errorf("%w: section id %d", ErrUnsupported, id)
			}
			if order <= lastOrder {
				return nil, fmt.Errorf("section %d appears out of order", id)
			}
			lastOrder = order
		}

		size, err := r.ReadU32()
		if err != nil {
			return nil, r.WrapError("section size", err)
		}
		payload, err := r.ReadBytes(int(size))
		if err != nil {
			return nil, r.WrapError("section data", err)
		}

		sr := wbin.NewReader(payload)
		if err := parseSection(id, sr, m); err != nil {
			return nil, err
		}
		if id != SectionCustom && sr.Len() != 0 {
			return nil, sr.WrapError(sectionName(id), errors.New("trailing bytes"))
		}
	}
	if len(m.Functions) != len(m.Code) {
		return nil, fmt.Errorf("function and code section counts differ: %d vs %d", len(m.Functions), len(m.Code))
	}
	return m, nil
}

func parseSection(id byte, r *wbin.Reader, m *Module) error {
	var err error
	switch id {
	case SectionCustom:
		err = parseCustomSection(r, m)
	case SectionType:
		err = parseTypeSection(r, m)
	case SectionImport:
		err = parseImportSection(r, m)
	case SectionFunction:
		m.Functions, err = readU32Vec(r)
	case SectionTable:
		m.Table, err = r.ReadBytes(r.Len())
	case SectionMemory:
		err = parseMemorySection(r, m)
	case SectionGlobal:
		err = parseGlobalSection(r, m)
	case SectionExport:
		err = parseExportSection(r, m)
	case SectionStart:
		var idx uint32
		idx, err = r.ReadU32()
		m.Start = &idx
	case SectionElement:
		err = parseElementSection(r, m)
	case SectionCode:
		err = parseCodeSection(r, m)
	case SectionData:
		m.Data, err = r.ReadBytes(r.Len())
	case SectionDataCount:
		var n uint32
		n, err = r.ReadU32()
		m.DataCount = &n
	}
	if err != nil {
		var pe *wbin.ParseError
		if errors.As(err, &pe) {
			return err
		}
		return r.WrapError(sectionName(id), err)
	}
	return nil
}

func sectionOrder(id byte) int {
	switch id {
	case SectionType:
		return 1
	case SectionImport:
		return 2
	case SectionFunction:
		return 3
	case SectionTable:
		return 4
	case SectionMemory:
		return 5
	case SectionGlobal:
		return 6
	case SectionExport:
		return 7
	case SectionStart:
		return 8
	case SectionElement:
		return 9
	case SectionDataCount:
		return 10
	case SectionCode:
		return 11
	case SectionData:
		return 12
	}
	return 0
}

func sectionName(id byte) string {
	names := [...]string{"custom", "type", "import", "function", "table", "memory",
		"global", "export", "start", "element", "code", "data", "datacount"}
	if int(id) < len(names) {
		return names[id]
	}
	return fmt.Sprintf("section(%d)", id)
}

func parseCustomSection(r *wbin.Reader, m *Module) error {
	name, err := r.ReadName()
	if err != nil {
		return err
	}
	data, err := r.ReadBytes(r.Len())
	if err != nil {
		return err
	}
	m.Customs = append(m.Customs, CustomSection{Name: name, Data: data})
	return nil
}

func parseTypeSection(r *wbin.Reader, m *Module) error {
	n, err := r.ReadU32()
	if err != nil {
		return err
	}
	m.Types = make([]FuncType, 0, n)
	for i := uint32(0); i < n; i++ {
		form, err := r.ReadByte()
		if err != nil {
			return err
		}
		if form != TypeFunc {
			return fmt.Errorf("%w: type form 0x%02x", ErrUnsupported, form)
		}
		params, err := readValTypes(r)
		if err != nil {
			return err
		}
		results, err := readValTypes(r)
		if err != nil {
			return err
		}
		m.Types = append(m.Types, FuncType{Params: params, Results: results})
	}
	return nil
}

func readValTypes(r *wbin.Reader) ([]ValType, error) {
	n, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	raw, err := r.ReadBytes(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]ValType, n)
	for i, b := range raw {
		switch ValType(b) {
		case ValI32, ValI64, ValF32, ValF64, ValV128, ValFuncRef, ValExtern:
			out[i] = ValType(b)
		default:
			return nil, fmt.Errorf("%w: value type 0x%02x", ErrUnsupported, b)
		}
	}
	return out, nil
}

func parseImportSection(r *wbin.Reader, m *Module) error {
	n, err := r.ReadU32()
	if err != nil {
		return err
	}
	m.Imports = make([]Import, 0, n)
	for i := uint32(0); i < n; i++ {
		var imp Import
		if imp.Module, err = r.ReadName(); err != nil {
			return err
		}
		if imp.Name, err = r.ReadName(); err != nil {
			return err
		}
		if imp.Kind, err = r.ReadByte(); err != nil {
			return err
		}
		start := r.Position()
		switch imp.Kind {
		case KindFunc:
			imp.TypeIdx, err = r.ReadU32()
		case KindTable:
			if _, err = r.ReadByte(); err == nil {
				_, err = readLimits(r)
			}
		case KindMemory:
			_, err = readLimits(r)
		case KindGlobal:
			_, err = r.ReadBytes(2)
		default:
			err = fmt.Errorf("%w: import kind %d", ErrUnsupported, imp.Kind)
		}
		if err != nil {
			return err
		}
		if imp.Kind != KindFunc {
			imp.Desc = r.Data()[start:r.Position()]
		}
		m.Imports = append(m.Imports, imp)
	}
	return nil
}

func parseMemorySection(r *wbin.Reader, m *Module) error {
	n, err := r.ReadU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		lim, err := readLimits(r)
		if err != nil {
			return err
		}
		m.Memories = append(m.Memories, lim)
	}
	return nil
}

func readLimits(r *wbin.Reader) (Limits, error) {
	flags, err := r.ReadByte()
	if err != nil {
		return Limits{}, err
	}
	if flags > LimitsHasMax|LimitsSharedFlag|Limits64Flag {
		return Limits{}, fmt.Errorf("invalid limits flags 0x%02x", flags)
	}
	lim := Limits{
		Shared: flags&LimitsSharedFlag != 0,
		Is64:   flags&Limits64Flag != 0,
	}
	if lim.Is64 {
		// memory64 limits are u64; keep decoding so the caller can reject cleanly
		lo, err := r.ReadU64()
		if err != nil {
			return lim, err
		}
		lim.Min = uint32(min(lo, uint64(^uint32(0))))
		if flags&LimitsHasMax != 0 {
			hi, err := r.ReadU64()
			if err != nil {
				return lim, err
			}
			mx := uint32(min(hi, uint64(^uint32(0))))
			lim.Max = &mx
		}
		return lim, nil
	}
	if lim.Min, err = r.ReadU32(); err != nil {
		return lim, err
	}
	if flags&LimitsHasMax != 0 {
		mx, err := r.ReadU32()
		if err != nil {
			return lim, err
		}
		lim.Max = &mx
	}
	return lim, nil
}

func parseGlobalSection(r *wbin.Reader, m *Module) error {
	n, err := r.ReadU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		vt, err := r.ReadByte()
		if err != nil {
			return err
		}
		mut, err := r.ReadByte()
		if err != nil {
			return err
		}
		init, err := readExpr(r)
		if err != nil {
			return err
		}
		m.Globals = append(m.Globals, Global{Type: ValType(vt), Mutable: mut == 1, Init: init})
	}
	return nil
}

func parseExportSection(r *wbin.Reader, m *Module) error {
	n, err := r.ReadU32()
	if err != nil {
		return err
	}
	m.Exports = make([]Export, 0, n)
	for i := uint32(0); i < n; i++ {
		var e Export
		if e.Name, err = r.ReadName(); err != nil {
			return err
		}
		if e.Kind, err = r.ReadByte(); err != nil {
			return err
		}
		if e.Index, err = r.ReadU32(); err != nil {
			return err
		}
		m.Exports = append(m.Exports, e)
	}
	return nil
}

func parseElementSection(r *wbin.Reader, m *Module) error {
	n, err := r.ReadU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		el, err := readElement(r)
		if err != nil {
			return err
		}
		m.Elements = append(m.Elements, el)
	}
	return nil
}

func readElement(r *wbin.Reader) (Element, error) {
	var el Element
	flags, err := r.ReadU32()
	if err != nil {
		return el, err
	}
	if flags > 7 {
		return el, fmt.Errorf("invalid element segment flags %d", flags)
	}
	el.Flags = flags

	// bit 0: passive/declarative, bit 1: explicit table or declarative, bit 2: expressions
	active := flags&0x01 == 0
	if active && flags&0x02 != 0 {
		if el.Table, err = r.ReadU32(); err != nil {
			return el, err
		}
	}
	if active {
		if el.Offset, err = readExpr(r); err != nil {
			return el, err
		}
	}
	// flags 0 and 4 have an implicit elemkind/reftype
	if flags != 0 && flags != 4 {
		if el.Kind, err = r.ReadByte(); err != nil {
			return el, err
		}
	}

	if !el.UsesExprs() {
		el.FuncIdxs, err = readU32Vec(r)
		return el, err
	}
	cnt, err := r.ReadU32()
	if err != nil {
		return el, err
	}
	el.Exprs = make([][]byte, 0, cnt)
	for j := uint32(0); j < cnt; j++ {
		expr, err := readExpr(r)
		if err != nil {
			return el, err
		}
		el.Exprs = append(el.Exprs, expr)
	}
	return el, nil
}

func parseCodeSection(r *wbin.Reader, m *Module) error {
	n, err := r.ReadU32()
	if err != nil {
		return err
	}
	m.Code = make([]FuncBody, 0, n)
	for i := uint32(0); i < n; i++ {
		size, err := r.ReadU32()
		if err != nil {
			return err
		}
		body, err := r.ReadBytes(int(size))
		if err != nil {
			return err
		}
		br := wbin.NewReader(body)
		groups, err := br.ReadU32()
		if err != nil {
			return err
		}
		for g := uint32(0); g < groups; g++ {
			if _, err := br.ReadU32(); err != nil {
				return err
			}
			if _, err := br.ReadByte(); err != nil {
				return err
			}
		}
		split := br.Position()
		m.Code = append(m.Code, FuncBody{Locals: body[:split], Code: body[split:]})
	}
	return nil
}

func readU32Vec(r *wbin.Reader) ([]uint32, error) {
	n, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	if int(n) > r.Len() {
		return nil, fmt.Errorf("vector length %d exceeds section size", n)
	}
	out := make([]uint32, n)
	for i := range out {
		if out[i], err = r.ReadU32(); err != nil {
			return nil, err
		}
	}
	return out, nil
}
