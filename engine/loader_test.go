package engine

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"

	"golang.org/x/sync/errgroup"

	sberrors "github.com/wippyai/wasm-sandbox/errors"
	wt "github.com/wippyai/wasm-sandbox/internal/wasmtest"
	"github.com/wippyai/wasm-sandbox/meter"
	"github.com/wippyai/wasm-sandbox/wasm"
)

func TestCompile_CacheHit(t *testing.T) {
	e := newTestEngine(t)
	bytecode := computeModule(4)

	first := compile(t, e, bytecode)
	second := compile(t, e, append([]byte(nil), bytecode...))

	if first != second {
		t.Error("identical bytecode should return the cached module")
	}
	st := e.Stats()
	if st.Compilations != 1 {
		t.Errorf("Compilations = %d, want 1", st.Compilations)
	}
	if st.CacheHits != 1 {
		t.Errorf("CacheHits = %d, want 1", st.CacheHits)
	}
	if st.CachedModules != 1 {
		t.Errorf("CachedModules = %d, want 1", st.CachedModules)
	}
	if first.Hash() != HashOf(bytecode) {
		t.Error("module hash should be the bytecode content hash")
	}
	if first.Size() != len(bytecode) {
		t.Errorf("Size = %d, want %d", first.Size(), len(bytecode))
	}
}

func TestCompile_Concurrent(t *testing.T) {
	e := newTestEngine(t)
	bytecode := computeModule(4)

	const n = 16
	mods := make([]*Module, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			m, err := e.Compile(context.Background(), bytecode)
			mods[i] = m
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	for i := 1; i < n; i++ {
		if mods[i] != mods[0] {
			t.Fatalf("compile %d returned a different module", i)
		}
	}
	st := e.Stats()
	if st.Compilations != 1 {
		t.Errorf("Compilations = %d, want 1", st.Compilations)
	}
	// the leader counts as a hit too when others joined its compilation
	if st.CacheHits < n-1 || st.CacheHits > n {
		t.Errorf("CacheHits = %d, want %d or %d", st.CacheHits, n-1, n)
	}
}

func TestCompile_DifferentBytecode(t *testing.T) {
	e := newTestEngine(t)
	a := compile(t, e, computeModule(4))
	b := compile(t, e, computeModule(8))
	if a == b {
		t.Error("different bytecode should compile to different modules")
	}
	if got := e.Stats().Compilations; got != 2 {
		t.Errorf("Compilations = %d, want 2", got)
	}
}

func TestCompile_FailureNotCached(t *testing.T) {
	e := newTestEngine(t)
	bad := []byte("not a wasm module")

	for i := 0; i < 2; i++ {
		if _, err := e.Compile(context.Background(), bad); err == nil {
			t.Fatal("expected load error")
		}
	}
	st := e.Stats()
	if st.Compilations != 2 {
		t.Errorf("Compilations = %d, want 2 (failures must not be cached)", st.Compilations)
	}
	if st.CachedModules != 0 {
		t.Errorf("CachedModules = %d, want 0", st.CachedModules)
	}
}

func TestCompile_Rejects(t *testing.T) {
	component := binary.LittleEndian.AppendUint32(
		binary.LittleEndian.AppendUint32(nil, wasm.Magic), wasm.ComponentVersion)

	exported := func(b *wt.Builder) *wt.Builder {
		return b.Export("run", b.Func(nil, nil, nil))
	}

	tests := []struct {
		name     string
		bytecode []byte
		kind     sberrors.Kind
	}{
		{"garbage", []byte{1, 2, 3, 4, 5, 6, 7, 8}, sberrors.KindInvalidData},
		{"component", component, sberrors.KindUnsupported},
		{"no exports", wt.New().Memory(1).Bytes(), sberrors.KindNonconformant},
		{
			"start section",
			func() []byte {
				b := wt.New()
				idx := b.Func(nil, nil, nil)
				return b.Export("run", idx).Start(idx).Bytes()
			}(),
			sberrors.KindNonconformant,
		},
		{"memory import", exported(wt.New().ImportMemory("env", "memory", 1)).Bytes(), sberrors.KindNonconformant},
		{
			"reserved namespace",
			func() []byte {
				b := wt.New()
				b.ImportFunc(meter.DefaultNamespace, meter.ChargeName, wt.Vals(wt.I64), nil)
				return exported(b).Bytes()
			}(),
			sberrors.KindNonconformant,
		},
		{"shared memory", exported(wt.New().SharedMemory(1, 2)).Bytes(), sberrors.KindUnsupported},
		{"min above ceiling", exported(wt.New().Memory(2048)).Bytes(), sberrors.KindLimitExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t)
			_, err := e.Compile(context.Background(), tt.bytecode)
			if err == nil {
				t.Fatal("expected load error")
			}
			var se *sberrors.Error
			if !errors.As(err, &se) {
				t.Fatalf("expected *errors.Error, got %T: %v", err, err)
			}
			if se.Phase != sberrors.PhaseLoad {
				t.Errorf("Phase = %s, want %s", se.Phase, sberrors.PhaseLoad)
			}
			if se.Kind != tt.kind {
				t.Errorf("Kind = %s, want %s (%v)", se.Kind, tt.kind, err)
			}
			if e.Stats().CachedModules != 0 {
				t.Error("rejected module should not be cached")
			}
		})
	}
}

func TestCompile_ClampsDeclaredMax(t *testing.T) {
	e := newTestEngine(t)
	m := compile(t, e, computeModule(60000))

	minPages, maxPages, ok := m.Memory()
	if !ok {
		t.Fatal("module should report a memory")
	}
	if minPages != 1 {
		t.Errorf("min = %d, want 1", minPages)
	}
	if want := e.Policy().MaxMemoryPages; maxPages != want {
		t.Errorf("max = %d, want clamped %d", maxPages, want)
	}
}

func TestCompile_Metadata(t *testing.T) {
	e := newTestEngine(t)
	m := compile(t, e, hostModule())

	imports := m.Imports()
	if len(imports) != 2 {
		t.Fatalf("Imports = %d, want 2 (metering import excluded)", len(imports))
	}
	if imports[0].Module != "host" || imports[0].Name != "wait" {
		t.Errorf("import 0 = %s.%s, want host.wait", imports[0].Module, imports[0].Name)
	}
	if len(m.Exports()) != 3 {
		t.Errorf("Exports = %v, want 3 functions", m.Exports())
	}
	st := m.Metering()
	if st.Functions != 3 {
		t.Errorf("metered functions = %d, want 3", st.Functions)
	}
	if st.Checkpoints < 4 {
		t.Errorf("checkpoints = %d, want at least one per function and loop", st.Checkpoints)
	}
}

func TestCompile_ClosedEngine(t *testing.T) {
	e := newTestEngine(t)
	if err := e.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	_, err := e.Compile(context.Background(), computeModule(4))
	if !errors.Is(err, &sberrors.Error{Phase: sberrors.PhaseLoad, Kind: sberrors.KindClosed}) {
		t.Errorf("expected closed error, got %v", err)
	}
}

func TestLRUCache_EvictionKeepsLiveInstances(t *testing.T) {
	ctx := context.Background()
	var (
		mu      sync.Mutex
		evicted []Hash
	)
	cache, err := NewLRUCache(1, func(key Hash, _ *Module) {
		mu.Lock()
		evicted = append(evicted, key)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("NewLRUCache failed: %v", err)
	}
	e := newTestEngine(t, func(c *Config) { c.Cache = cache })

	a := computeModule(4)
	modA := compile(t, e, a)
	inst, err := e.Instantiate(ctx, modA, testLimits(), nil)
	if err != nil {
		t.Fatalf("Instantiate failed: %v", err)
	}

	compile(t, e, computeModule(8))
	mu.Lock()
	if len(evicted) != 1 || evicted[0] != modA.Hash() {
		t.Fatalf("evicted = %v, want [%s]", evicted, modA.Hash())
	}
	mu.Unlock()

	// the live instance still holds the compiled code
	if modA.Released() {
		t.Fatal("module released while an instance is alive")
	}
	res := call(t, inst, "add", 2, 3)
	expectOutcome(t, res, Completed)
	if res.Values[0] != 5 {
		t.Errorf("add = %d, want 5", res.Values[0])
	}

	if err := inst.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !modA.Released() {
		t.Fatal("module should be released after its last instance closed")
	}

	_, err = e.Instantiate(ctx, modA, testLimits(), nil)
	if !errors.Is(err, &sberrors.Error{Phase: sberrors.PhaseInstantiate, Kind: sberrors.KindClosed}) {
		t.Errorf("expected closed error for a released module, got %v", err)
	}

	before := e.Stats().Compilations
	again := compile(t, e, a)
	if again == modA {
		t.Error("recompiling an evicted module should produce a new module")
	}
	if got := e.Stats().Compilations; got != before+1 {
		t.Errorf("Compilations = %d, want %d", got, before+1)
	}
}

func TestEngine_CacheCapacity(t *testing.T) {
	e := newTestEngine(t, func(c *Config) { c.CacheCapacity = 2 })
	for _, pages := range []uint32{2, 3, 4} {
		compile(t, e, computeModule(pages))
	}
	if got := e.Stats().CachedModules; got != 2 {
		t.Errorf("CachedModules = %d, want 2", got)
	}
}

func TestMapCache_ReleasesOnPurge(t *testing.T) {
	e := newTestEngine(t)
	m := compile(t, e, computeModule(4))

	e.cache.Purge()
	if !m.Released() {
		t.Error("purge should release the cache reference")
	}
	if e.cache.Len() != 0 {
		t.Errorf("Len = %d, want 0", e.cache.Len())
	}
}
