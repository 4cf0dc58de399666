// Package manifest reads component manifests: the identity of a component,
// the location of its bytecode and the resource limits it runs under.
//
// A manifest is YAML:
//
//	component:
//	  name: hello
//	  version: 0.1.0
//	  module: hello.wasm
//	resources:
//	  memory:
//	    min_bytes: 65536
//	    max_bytes: 1048576
//	    guard_bytes: 65536
//	  cpu:
//	    instruction_budget: 1000000
//	    timeout: 100ms
//	wit: |
//	  greet: func(name: string) -> string;
//
// Every resource field is mandatory. A manifest that omits one is rejected
// rather than filled in, so limits always come from the component's author.
package manifest

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wippyai/wasm-sandbox/abi"
	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/limits"
	"github.com/wippyai/wasm-sandbox/wasm"
)

// Values suggested for new manifests. They are never applied to a manifest
// that omits a field.
const (
	DefaultInstructionBudget = 1_000_000
	DefaultTimeout           = 100 * time.Millisecond
	DefaultMaxMemoryBytes    = 16 * wasm.PageSize
)

// Provider supplies manifests by component name.
type Provider interface {
	Lookup(ctx context.Context, name string) (*Manifest, error)
}

// Manifest is a parsed and validated component manifest.
type Manifest struct {
	Name    string
	Version string

	// Module is the bytecode path, resolved against the manifest's directory.
	Module string

	// WIT holds optional function declarations for typed calls.
	WIT string

	Limits limits.ResourceLimits
}

// ReadModule reads the component's bytecode.
func (m *Manifest) ReadModule() ([]byte, error) {
	data, err := os.ReadFile(m.Module)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindNotFound, err, "read module "+m.Module)
	}
	return data, nil
}

// Signatures parses the manifest's WIT declarations.
func (m *Manifest) Signatures() (map[string]*abi.Signature, error) {
	if m.WIT == "" {
		return map[string]*abi.Signature{}, nil
	}
	return abi.ParseSignatures(m.WIT)
}

func (m *Manifest) String() string {
	return fmt.Sprintf("%s@%s (%s)", m.Name, m.Version, m.Limits)
}

type document struct {
	Component struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
		Module  string `yaml:"module"`
	} `yaml:"component"`

	Resources struct {
		Memory struct {
			MinBytes   *uint64 `yaml:"min_bytes"`
			MaxBytes   *uint64 `yaml:"max_bytes"`
			GuardBytes *uint64 `yaml:"guard_bytes"`
		} `yaml:"memory"`
		CPU struct {
			InstructionBudget *uint64   `yaml:"instruction_budget"`
			Timeout           *Duration `yaml:"timeout"`
		} `yaml:"cpu"`
	} `yaml:"resources"`

	WIT string `yaml:"wit,omitempty"`
}

// Duration is a time.Duration written as a Go duration string ("250ms").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Parse decodes a manifest. A relative module path is resolved against dir.
func Parse(data []byte, dir string) (*Manifest, error) {
	var doc document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidData, err, "decode manifest")
	}

	c := doc.Component
	switch {
	case c.Name == "":
		return nil, errors.FieldMissing(errors.PhaseConfig, "component.name")
	case c.Version == "":
		return nil, errors.FieldMissing(errors.PhaseConfig, "component.version")
	case c.Module == "":
		return nil, errors.FieldMissing(errors.PhaseConfig, "component.module")
	}

	lim, err := resourceLimits(&doc)
	if err != nil {
		return nil, err
	}

	module := c.Module
	if !filepath.IsAbs(module) {
		module = filepath.Join(dir, module)
	}
	return &Manifest{
		Name:    c.Name,
		Version: c.Version,
		Module:  module,
		WIT:     doc.WIT,
		Limits:  lim,
	}, nil
}

func resourceLimits(doc *document) (limits.ResourceLimits, error) {
	mem := doc.Resources.Memory
	cpu := doc.Resources.CPU

	for _, f := range []struct {
		set  bool
		name string
	}{
		{mem.MinBytes != nil, "resources.memory.min_bytes"},
		{mem.MaxBytes != nil, "resources.memory.max_bytes"},
		{mem.GuardBytes != nil, "resources.memory.guard_bytes"},
		{cpu.InstructionBudget != nil, "resources.cpu.instruction_budget"},
		{cpu.Timeout != nil, "resources.cpu.timeout"},
	} {
		if !f.set {
			return limits.ResourceLimits{}, errors.FieldMissing(errors.PhaseConfig, f.name)
		}
	}

	minPages, err := toPages("resources.memory.min_bytes", *mem.MinBytes)
	if err != nil {
		return limits.ResourceLimits{}, err
	}
	maxPages, err := toPages("resources.memory.max_bytes", *mem.MaxBytes)
	if err != nil {
		return limits.ResourceLimits{}, err
	}

	return limits.NewBuilder().
		MinMemoryPages(minPages).
		MaxMemoryPages(maxPages).
		GuardPageSize(*mem.GuardBytes).
		InstructionBudget(*cpu.InstructionBudget).
		WallClockTimeout(time.Duration(*cpu.Timeout)).
		Build()
}

func toPages(field string, n uint64) (uint32, error) {
	if n%wasm.PageSize != 0 {
		return 0, errors.New(errors.PhaseConfig, errors.KindInvalidInput).
			Path(field).
			Value(n).
			Detail("must be a multiple of %d", wasm.PageSize).
			Build()
	}
	pages := n / wasm.PageSize
	if pages > wasm.MaxPages {
		return 0, errors.LimitExceeded(errors.PhaseConfig, field, n, uint64(wasm.MaxPages)*wasm.PageSize)
	}
	return uint32(pages), nil
}

// Load reads and parses the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindNotFound, err, "read manifest "+path)
	}
	m, err := Parse(data, filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Encode writes m as YAML, with the module path as given.
func Encode(m *Manifest) ([]byte, error) {
	var doc document
	doc.Component.Name = m.Name
	doc.Component.Version = m.Version
	doc.Component.Module = m.Module
	doc.WIT = m.WIT

	minBytes := uint64(m.Limits.MinMemoryPages) * wasm.PageSize
	maxBytes := m.Limits.MaxMemoryBytes()
	guard := m.Limits.GuardPageSize
	budget := m.Limits.InstructionBudget
	timeout := Duration(m.Limits.WallClockTimeout)

	doc.Resources.Memory.MinBytes = &minBytes
	doc.Resources.Memory.MaxBytes = &maxBytes
	doc.Resources.Memory.GuardBytes = &guard
	doc.Resources.CPU.InstructionBudget = &budget
	doc.Resources.CPU.Timeout = &timeout

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Template returns a manifest for module filled with the suggested values.
func Template(name, module string) *Manifest {
	return &Manifest{
		Name:    name,
		Version: "0.1.0",
		Module:  module,
		Limits: limits.ResourceLimits{
			MinMemoryPages:    1,
			MaxMemoryPages:    DefaultMaxMemoryBytes / wasm.PageSize,
			InstructionBudget: DefaultInstructionBudget,
			WallClockTimeout:  DefaultTimeout,
		},
	}
}
