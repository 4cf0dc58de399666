package wasm

import (
	"encoding/binary"

	wbin "github.com/wippyai/wasm-sandbox/wasm/internal/binary"
)

// Encode serializes the module to the binary format. Custom sections are
// emitted after all known sections.
func (m *Module) Encode() []byte {
	w := wbin.NewWriter()
	var header [8]byte
	binary.LittleEndian.PutUint32(header[0:4], Magic)
	binary.LittleEndian.PutUint32(header[4:8], Version)
	w.WriteBytes(header[:])

	if len(m.Types) > 0 {
		w.Section(SectionType, func(s *wbin.Writer) {
			s.WriteU32(uint32(len(m.Types)))
			for _, t := range m.Types {
				s.Byte(TypeFunc)
				writeValTypes(s, t.Params)
				writeValTypes(s, t.Results)
			}
		})
	}
	if len(m.Imports) > 0 {
		w.Section(SectionImport, func(s *wbin.Writer) {
			s.WriteU32(uint32(len(m.Imports)))
			for _, imp := range m.Imports {
				s.WriteName(imp.Module)
				s.WriteName(imp.Name)
				s.Byte(imp.Kind)
				if imp.Kind == KindFunc {
					s.WriteU32(imp.TypeIdx)
				} else {
					s.WriteBytes(imp.Desc)
				}
			}
		})
	}
	if len(m.Functions) > 0 {
		w.Section(SectionFunction, func(s *wbin.Writer) {
			writeU32Vec(s, m.Functions)
		})
	}
	if m.Table != nil {
		w.Section(SectionTable, func(s *wbin.Writer) { s.WriteBytes(m.Table) })
	}
	if len(m.Memories) > 0 {
		w.Section(SectionMemory, func(s *wbin.Writer) {
			s.WriteU32(uint32(len(m.Memories)))
			for _, lim := range m.Memories {
				writeLimits(s, lim)
			}
		})
	}
	if len(m.Globals) > 0 {
		w.Section(SectionGlobal, func(s *wbin.Writer) {
			s.WriteU32(uint32(len(m.Globals)))
			for _, g := range m.Globals {
				s.Byte(byte(g.Type))
				if g.Mutable {
					s.Byte(1)
				} else {
					s.Byte(0)
				}
				s.WriteBytes(g.Init)
			}
		})
	}
	if len(m.Exports) > 0 {
		w.Section(SectionExport, func(s *wbin.Writer) {
			s.WriteU32(uint32(len(m.Exports)))
			for _, e := range m.Exports {
				s.WriteName(e.Name)
				s.Byte(e.Kind)
				s.WriteU32(e.Index)
			}
		})
	}
	if m.Start != nil {
		w.Section(SectionStart, func(s *wbin.Writer) { s.WriteU32(*m.Start) })
	}
	if len(m.Elements) > 0 {
		w.Section(SectionElement, func(s *wbin.Writer) {
			s.WriteU32(uint32(len(m.Elements)))
			for i := range m.Elements {
				writeElement(s, &m.Elements[i])
			}
		})
	}
	if m.DataCount != nil {
		w.Section(SectionDataCount, func(s *wbin.Writer) { s.WriteU32(*m.DataCount) })
	}
	if len(m.Code) > 0 {
		w.Section(SectionCode, func(s *wbin.Writer) {
			s.WriteU32(uint32(len(m.Code)))
			for _, body := range m.Code {
				s.WriteU32(uint32(len(body.Locals) + len(body.Code)))
				s.WriteBytes(body.Locals)
				s.WriteBytes(body.Code)
			}
		})
	}
	if m.Data != nil {
		w.Section(SectionData, func(s *wbin.Writer) { s.WriteBytes(m.Data) })
	}
	for _, c := range m.Customs {
		w.Section(SectionCustom, func(s *wbin.Writer) {
			s.WriteName(c.Name)
			s.WriteBytes(c.Data)
		})
	}
	return w.Bytes()
}

func writeValTypes(w *wbin.Writer, vts []ValType) {
	w.WriteU32(uint32(len(vts)))
	for _, v := range vts {
		w.Byte(byte(v))
	}
}

func writeU32Vec(w *wbin.Writer, vs []uint32) {
	w.WriteU32(uint32(len(vs)))
	for _, v := range vs {
		w.WriteU32(v)
	}
}

func writeLimits(w *wbin.Writer, lim Limits) {
	var flags byte
	if lim.Max != nil {
		flags |= LimitsHasMax
	}
	if lim.Shared {
		flags |= LimitsSharedFlag
	}
	if lim.Is64 {
		flags |= Limits64Flag
	}
	w.Byte(flags)
	w.WriteU32(lim.Min)
	if lim.Max != nil {
		w.WriteU32(*lim.Max)
	}
}

func writeElement(w *wbin.Writer, el *Element) {
	w.WriteU32(el.Flags)
	active := el.Flags&0x01 == 0
	if active && el.Flags&0x02 != 0 {
		w.WriteU32(el.Table)
	}
	if active {
		w.WriteBytes(el.Offset)
	}
	if el.Flags != 0 && el.Flags != 4 {
		w.Byte(el.Kind)
	}
	if !el.UsesExprs() {
		writeU32Vec(w, el.FuncIdxs)
		return
	}
	w.WriteU32(uint32(len(el.Exprs)))
	for _, expr := range el.Exprs {
		w.WriteBytes(expr)
	}
}
