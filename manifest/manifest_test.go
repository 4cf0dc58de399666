package manifest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	sberrors "github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/limits"
)

const sample = `
component:
  name: hello
  version: 0.1.0
  module: hello.wasm
resources:
  memory:
    min_bytes: 65536
    max_bytes: 1048576
    guard_bytes: 65536
  cpu:
    instruction_budget: 1000000
    timeout: 100ms
wit: |
  hello: func() -> string;
  add: func(a: s32, b: s32) -> s32;
`

func TestParse(t *testing.T) {
	m, err := Parse([]byte(sample), "/srv/components")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if m.Name != "hello" || m.Version != "0.1.0" {
		t.Errorf("identity = %s@%s, want hello@0.1.0", m.Name, m.Version)
	}
	if want := filepath.Join("/srv/components", "hello.wasm"); m.Module != want {
		t.Errorf("Module = %q, want %q", m.Module, want)
	}

	want := limits.ResourceLimits{
		MinMemoryPages:    1,
		MaxMemoryPages:    16,
		InstructionBudget: 1_000_000,
		WallClockTimeout:  100 * time.Millisecond,
		GuardPageSize:     65536,
	}
	if m.Limits != want {
		t.Errorf("Limits = %+v, want %+v", m.Limits, want)
	}

	sigs, err := m.Signatures()
	if err != nil {
		t.Fatalf("Signatures failed: %v", err)
	}
	if len(sigs) != 2 || sigs["hello"] == nil || sigs["add"] == nil {
		t.Errorf("Signatures = %v, want hello and add", sigs)
	}
}

func TestParse_AbsoluteModule(t *testing.T) {
	data := strings.Replace(sample, "module: hello.wasm", "module: /opt/hello.wasm", 1)
	m, err := Parse([]byte(data), "/srv/components")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if m.Module != "/opt/hello.wasm" {
		t.Errorf("Module = %q, want /opt/hello.wasm", m.Module)
	}
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		replace [2]string
		kind    sberrors.Kind
	}{
		{"missing name", [2]string{"name: hello", ""}, sberrors.KindFieldMissing},
		{"missing module", [2]string{"module: hello.wasm", ""}, sberrors.KindFieldMissing},
		{"missing max", [2]string{"max_bytes: 1048576", ""}, sberrors.KindFieldMissing},
		{"missing guard", [2]string{"guard_bytes: 65536", ""}, sberrors.KindFieldMissing},
		{"missing budget", [2]string{"instruction_budget: 1000000", ""}, sberrors.KindFieldMissing},
		{"missing timeout", [2]string{"timeout: 100ms", ""}, sberrors.KindFieldMissing},
		{"unaligned memory", [2]string{"max_bytes: 1048576", "max_bytes: 1000000"}, sberrors.KindInvalidInput},
		{"huge memory", [2]string{"max_bytes: 1048576", "max_bytes: 8589934592"}, sberrors.KindLimitExceeded},
		{"bad timeout", [2]string{"timeout: 100ms", "timeout: soon"}, sberrors.KindInvalidData},
		{"unknown field", [2]string{"timeout: 100ms", "timeout: 100ms\n    fuel: 10"}, sberrors.KindInvalidData},
		{"negative budget", [2]string{"instruction_budget: 1000000", "instruction_budget: -1"}, sberrors.KindInvalidData},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := strings.Replace(sample, tt.replace[0], tt.replace[1], 1)
			_, err := Parse([]byte(data), ".")
			if err == nil {
				t.Fatal("expected error")
			}
			var se *sberrors.Error
			if !errors.As(err, &se) {
				t.Fatalf("expected *errors.Error, got %T: %v", err, err)
			}
			if se.Phase != sberrors.PhaseConfig || se.Kind != tt.kind {
				t.Errorf("error = %s/%s, want config/%s (%v)", se.Phase, se.Kind, tt.kind, err)
			}
		})
	}
}

func TestEncode_RoundTrip(t *testing.T) {
	tmpl := Template("hello", "hello.wasm")
	data, err := Encode(tmpl)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !strings.Contains(string(data), "timeout: 100ms") {
		t.Errorf("encoded manifest should write the timeout as a duration:\n%s", data)
	}

	m, err := Parse(data, "")
	if err != nil {
		t.Fatalf("Parse failed: %v\n%s", err, data)
	}
	if m.Limits != tmpl.Limits {
		t.Errorf("Limits = %+v, want %+v", m.Limits, tmpl.Limits)
	}
	if err := m.Limits.Validate(limits.DefaultPolicy()); err != nil {
		t.Errorf("template limits should fit the default policy: %v", err)
	}
}

func writeFile(t *testing.T, path, data string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
}

func TestFile_Lookup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hello.yaml")
	writeFile(t, path, sample)
	writeFile(t, filepath.Join(dir, "hello.wasm"), "\x00asm")

	p := NewFile(path)
	ctx := context.Background()

	m, err := p.Lookup(ctx, "")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if m2, _ := p.Lookup(ctx, "hello"); m2 != m {
		t.Error("Lookup by name should return the same manifest")
	}
	if _, err := p.Lookup(ctx, "other"); !errors.Is(err, &sberrors.Error{Phase: sberrors.PhaseConfig, Kind: sberrors.KindNotFound}) {
		t.Errorf("expected not found, got %v", err)
	}

	data, err := m.ReadModule()
	if err != nil {
		t.Fatalf("ReadModule failed: %v", err)
	}
	if string(data) != "\x00asm" {
		t.Errorf("ReadModule = %q", data)
	}
}

func TestFile_Missing(t *testing.T) {
	p := NewFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if _, err := p.Lookup(context.Background(), ""); err == nil {
		t.Fatal("expected error for a missing manifest")
	}
}

func TestDir_Lookup(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "hello.yaml"), sample)
	writeFile(t, filepath.Join(dir, "misnamed.yml"), sample)
	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored")

	p := NewDir(dir)
	ctx := context.Background()

	m, err := p.Lookup(ctx, "hello")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if m.Module != filepath.Join(dir, "hello.wasm") {
		t.Errorf("Module = %q", m.Module)
	}

	if _, err := p.Lookup(ctx, "misnamed"); !errors.Is(err, &sberrors.Error{Phase: sberrors.PhaseConfig, Kind: sberrors.KindInvalidData}) {
		t.Errorf("expected name mismatch, got %v", err)
	}
	if _, err := p.Lookup(ctx, "absent"); !errors.Is(err, &sberrors.Error{Phase: sberrors.PhaseConfig, Kind: sberrors.KindNotFound}) {
		t.Errorf("expected not found, got %v", err)
	}
	if _, err := p.Lookup(ctx, "../hello"); err == nil {
		t.Error("path traversal should be rejected")
	}

	names, err := p.Names()
	if err != nil {
		t.Fatalf("Names failed: %v", err)
	}
	if len(names) != 2 || names[0] != "hello" || names[1] != "misnamed" {
		t.Errorf("Names = %v, want [hello misnamed]", names)
	}
}

func TestLookup_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var providers = []Provider{NewFile("x.yaml"), NewDir(".")}
	for _, p := range providers {
		if _, err := p.Lookup(ctx, "x"); !errors.Is(err, context.Canceled) {
			t.Errorf("%T: expected context.Canceled, got %v", p, err)
		}
	}
}
