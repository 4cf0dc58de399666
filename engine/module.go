package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-sandbox/meter"
)

// Hash is the sha256 of a module's bytecode as submitted.
type Hash [sha256.Size]byte

// HashOf returns the content hash of bytecode.
func HashOf(bytecode []byte) Hash {
	return sha256.Sum256(bytecode)
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Import is a function import of a module.
type Import struct {
	Module  string
	Name    string
	Params  []api.ValueType
	Results []api.ValueType
}

// Module is a validated, metered and compiled module. It is immutable and
// shared by every instance created from it.
//
// The cache and every live instance each hold a reference. Once the module
// has been evicted and its last instance closed, the compiled code is
// released and Instantiate fails with a closed error.
type Module struct {
	compiled wazero.CompiledModule
	log      *zap.Logger
	imports  []Import
	exports  []string
	metering meter.Stats
	refs     atomic.Int64
	size     int
	hash     Hash
	memMin   uint32
	memMax   uint32
	memory   bool
}

// Hash returns the content hash the module is cached under.
func (m *Module) Hash() Hash {
	return m.hash
}

// Size returns the length of the submitted bytecode.
func (m *Module) Size() int {
	return m.size
}

// Imports returns the function imports, excluding the metering import.
func (m *Module) Imports() []Import {
	return m.imports
}

// Exports returns the exported function names.
func (m *Module) Exports() []string {
	return m.exports
}

// Memory returns the declared memory bounds in pages, with the maximum
// clamped to the host ceiling. ok is false if the module has no memory.
func (m *Module) Memory() (minPages, maxPages uint32, ok bool) {
	return m.memMin, m.memMax, m.memory
}

// Metering describes the checkpoints injected at load time.
func (m *Module) Metering() meter.Stats {
	return m.metering
}

// Released reports whether the compiled code has been released.
func (m *Module) Released() bool {
	return m.refs.Load() <= 0
}

func (m *Module) acquire() bool {
	for {
		n := m.refs.Load()
		if n <= 0 {
			return false
		}
		if m.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (m *Module) release() {
	if m.refs.Add(-1) != 0 {
		return
	}
	if err := m.compiled.Close(context.Background()); err != nil {
		m.log.Warn("release compiled module", zap.Stringer("hash", m.hash), zap.Error(err))
		return
	}
	m.log.Debug("compiled module released", zap.Stringer("hash", m.hash))
}
