package abi

import (
	"regexp"
	"strings"

	"github.com/tetratelabs/wazero/api"
	"go.bytecodealliance.org/wit"

	"github.com/wippyai/wasm-sandbox/errors"
)

// MaxFlatParams is the largest number of core parameters passed directly.
// Wider parameter lists would need a spilled argument area, which typed
// calls do not support.
const MaxFlatParams = 16

// MaxFlatResults is the largest number of core results returned directly.
// Wider results are returned through a pointer into guest memory.
const MaxFlatResults = 1

// Signature is the typed view of one exported function.
type Signature struct {
	Name    string
	Params  []wit.Type
	Results []wit.Type
}

var funcPattern = regexp.MustCompile(`(?:export\s+)?([a-zA-Z_][a-zA-Z0-9_-]*)\s*:\s*func\s*\(([^)]*)\)(?:\s*->\s*([^;]+))?`)

// ParseSignatures extracts function signatures from WIT text of the form
// "[export] name: func(params) -> result;".
func ParseSignatures(witText string) (map[string]*Signature, error) {
	sigs := make(map[string]*Signature)

	for _, match := range funcPattern.FindAllStringSubmatch(witText, -1) {
		sig := &Signature{Name: match[1]}

		if params := strings.TrimSpace(match[2]); params != "" {
			for _, p := range splitParams(params) {
				typ := p
				if idx := strings.LastIndex(p, ":"); idx != -1 {
					typ = strings.TrimSpace(p[idx+1:])
				}
				t, err := ParseType(typ)
				if err != nil {
					return nil, err
				}
				sig.Params = append(sig.Params, t)
			}
		}

		result := strings.TrimSpace(match[3])
		switch {
		case result == "" || result == "()":
		case strings.HasPrefix(result, "(") && strings.HasSuffix(result, ")"):
			for _, part := range splitParams(result[1 : len(result)-1]) {
				t, err := ParseType(part)
				if err != nil {
					return nil, err
				}
				sig.Results = append(sig.Results, t)
			}
		default:
			t, err := ParseType(result)
			if err != nil {
				return nil, err
			}
			sig.Results = []wit.Type{t}
		}

		sigs[sig.Name] = sig
	}

	if len(sigs) == 0 {
		return nil, errors.InvalidInput(errors.PhaseABI, "no functions found in WIT text")
	}
	return sigs, nil
}

// ParseSignature parses a single "name: func(...) -> ..." declaration.
func ParseSignature(decl string) (*Signature, error) {
	sigs, err := ParseSignatures(decl)
	if err != nil {
		return nil, err
	}
	if len(sigs) != 1 {
		return nil, errors.InvalidInput(errors.PhaseABI, "expected exactly one function declaration")
	}
	for _, s := range sigs {
		return s, nil
	}
	return nil, nil
}

// ParseType parses a WIT type and rejects types typed calls cannot carry.
func ParseType(s string) (wit.Type, error) {
	s = strings.TrimSpace(s)
	t, err := wit.ParseType(s)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseABI, errors.KindInvalidData, err, "parse type "+s)
	}
	if !supported(t) {
		return nil, errors.Unsupported(errors.PhaseABI, "type "+s)
	}
	return t, nil
}

func supported(t wit.Type) bool {
	switch t.(type) {
	case wit.Bool, wit.U8, wit.U16, wit.U32, wit.U64,
		wit.S8, wit.S16, wit.S32, wit.S64,
		wit.F32, wit.F64, wit.Char, wit.String:
		return true
	}
	return false
}

func splitParams(s string) []string {
	var result []string
	var current strings.Builder
	depth := 0

	for _, ch := range s {
		switch ch {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				if str := strings.TrimSpace(current.String()); str != "" {
					result = append(result, str)
				}
				current.Reset()
				continue
			}
		}
		current.WriteRune(ch)
	}

	if str := strings.TrimSpace(current.String()); str != "" {
		result = append(result, str)
	}
	return result
}

// Flatten returns the core value types t is passed as.
func Flatten(t wit.Type) []api.ValueType {
	switch t.(type) {
	case wit.Bool, wit.U8, wit.U16, wit.U32, wit.S8, wit.S16, wit.S32, wit.Char:
		return []api.ValueType{api.ValueTypeI32}
	case wit.U64, wit.S64:
		return []api.ValueType{api.ValueTypeI64}
	case wit.F32:
		return []api.ValueType{api.ValueTypeF32}
	case wit.F64:
		return []api.ValueType{api.ValueTypeF64}
	case wit.String:
		return []api.ValueType{api.ValueTypeI32, api.ValueTypeI32} // ptr, len
	}
	return nil
}

// FlattenTypes flattens a type list in order.
func FlattenTypes(types []wit.Type) []api.ValueType {
	var flat []api.ValueType
	for _, t := range types {
		flat = append(flat, Flatten(t)...)
	}
	return flat
}

// CoreType returns the core signature the export must have. When the
// flattened results exceed MaxFlatResults the export returns a single i32
// pointing at the results in memory.
func (s *Signature) CoreType() (params, results []api.ValueType, err error) {
	params = FlattenTypes(s.Params)
	if len(params) > MaxFlatParams {
		return nil, nil, errors.Unsupported(errors.PhaseABI, "more than 16 flat parameters")
	}
	results = FlattenTypes(s.Results)
	if len(results) > MaxFlatResults {
		results = []api.ValueType{api.ValueTypeI32}
	}
	return params, results, nil
}

// RetPtr reports whether results come back through a pointer.
func (s *Signature) RetPtr() bool {
	return len(FlattenTypes(s.Results)) > MaxFlatResults
}

// NeedsAlloc reports whether lowering the parameters allocates guest memory.
func (s *Signature) NeedsAlloc() bool {
	for _, p := range s.Params {
		if _, ok := p.(wit.String); ok {
			return true
		}
	}
	return false
}

// Match checks an export's core type against the signature.
func (s *Signature) Match(params, results []api.ValueType) error {
	wantP, wantR, err := s.CoreType()
	if err != nil {
		return err
	}
	if !sameTypes(wantP, params) || !sameTypes(wantR, results) {
		return errors.New(errors.PhaseABI, errors.KindTypeMismatch).
			Path(s.Name).
			Detail("export has core type %s -> %s, signature needs %s -> %s",
				typeList(params), typeList(results), typeList(wantP), typeList(wantR)).
			Build()
	}
	return nil
}

func sameTypes(a, b []api.ValueType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func typeList(ts []api.ValueType) string {
	names := make([]string, len(ts))
	for i, t := range ts {
		names[i] = api.ValueTypeName(t)
	}
	return "(" + strings.Join(names, ", ") + ")"
}
