package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tetratelabs/wazero/api"
	"go.bytecodealliance.org/wit"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/wippyai/wasm-sandbox/abi"
	"github.com/wippyai/wasm-sandbox/engine"
	"github.com/wippyai/wasm-sandbox/limits"
	"github.com/wippyai/wasm-sandbox/manifest"
	"github.com/wippyai/wasm-sandbox/metrics"
	"github.com/wippyai/wasm-sandbox/wasm"
)

// defaultCacheCapacity bounds the compiled module cache of the CLI's engine.
const defaultCacheCapacity = 100

type options struct {
	manifest    string
	component   string
	wasmFile    string
	funcName    string
	args        string
	logLevel    string
	logFile     string
	metricsAddr string
	initName    string
	budget      uint64
	maxPages    uint
	cacheSize   int
	timeout     time.Duration
	list        bool
	interactive bool
}

func main() {
	var o options
	flag.StringVar(&o.manifest, "manifest", "", "Manifest file, or a directory of manifests (with -component)")
	flag.StringVar(&o.component, "component", "", "Component name to look up in a manifest directory")
	flag.StringVar(&o.wasmFile, "wasm", "", "Module to run without a manifest")
	flag.StringVar(&o.funcName, "func", "", "Function to call")
	flag.StringVar(&o.args, "args", "", "Comma-separated arguments")
	flag.Uint64Var(&o.budget, "budget", manifest.DefaultInstructionBudget, "Instruction budget per call (with -wasm)")
	flag.DurationVar(&o.timeout, "timeout", manifest.DefaultTimeout, "Wall clock timeout per call (with -wasm)")
	flag.UintVar(&o.maxPages, "max-pages", manifest.DefaultMaxMemoryBytes/wasm.PageSize, "Memory limit in pages (with -wasm)")
	flag.IntVar(&o.cacheSize, "cache-size", defaultCacheCapacity, "Compiled modules kept in the cache (0 for unbounded)")
	flag.StringVar(&o.logLevel, "log-level", "info", "Log level")
	flag.StringVar(&o.logFile, "log-file", "", "Also write JSON logs to this file, rotated")
	flag.StringVar(&o.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	flag.StringVar(&o.initName, "init", "", "Print a manifest template for -wasm under this component name and exit")
	flag.BoolVar(&o.list, "list", false, "List exported functions and exit")
	flag.BoolVar(&o.interactive, "i", false, "Interactive mode with TUI")
	flag.Parse()

	if o.manifest == "" && o.wasmFile == "" {
		fmt.Fprintln(os.Stderr, "Usage: sandbox -manifest <component.yaml> [-func name] [-args a,b]")
		fmt.Fprintln(os.Stderr, "       sandbox -manifest <dir> -component <name> [-func name] [-args a,b]")
		fmt.Fprintln(os.Stderr, "       sandbox -wasm <file.wasm> [-budget n] [-timeout d] [-max-pages n] [-func name]")
		fmt.Fprintln(os.Stderr, "       sandbox -wasm <file.wasm> -init <name>  (print a manifest)")
		fmt.Fprintln(os.Stderr, "       sandbox ... -list | -i")
		os.Exit(1)
	}

	if o.initName != "" {
		if err := printTemplate(o); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if o.interactive && !term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Fprintln(os.Stderr, "Error: interactive mode needs a terminal")
		os.Exit(1)
	}

	log, err := newLogger(o.logLevel, o.logFile, o.interactive)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, o, log); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printTemplate(o options) error {
	if o.wasmFile == "" {
		return errors.New("-init needs -wasm")
	}
	m := manifest.Template(o.initName, filepath.Base(o.wasmFile))
	m.Limits.MaxMemoryPages = uint32(o.maxPages)
	m.Limits.InstructionBudget = o.budget
	m.Limits.WallClockTimeout = o.timeout
	data, err := manifest.Encode(m)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}

func run(ctx context.Context, o options, log *zap.Logger) (err error) {
	comp, err := resolve(ctx, o)
	if err != nil {
		return err
	}

	diag := func(r engine.Report) {
		log.Debug("call finished",
			zap.String("instance", r.InstanceID),
			zap.String("function", r.Function),
			zap.Stringer("outcome", r.Outcome),
			zap.Uint64("instructions", r.Instructions),
			zap.Duration("wall_time", r.WallTime))
	}

	var rec *metrics.Recorder
	var reg *prometheus.Registry
	if o.metricsAddr != "" {
		reg = prometheus.NewRegistry()
		if rec, err = metrics.New(reg); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		logReport := diag
		diag = func(r engine.Report) {
			logReport(r)
			rec.Observe(r)
		}
	}

	s, err := openSession(ctx, comp, o.cacheSize, log, diag)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, s.Close(context.Background())) }()

	if rec != nil {
		if err := rec.Watch(s.engine); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		srv := &http.Server{
			Addr:              o.metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer srv.Close()
		log.Info("serving metrics", zap.String("addr", o.metricsAddr))
	}

	if o.interactive {
		return runInteractive(s)
	}

	fmt.Printf("Component: %s\n", comp)
	fmt.Printf("Module:    %s (%d bytes)\n", s.module.Hash(), s.module.Size())
	fmt.Printf("Imports:   %d\n", len(s.module.Imports()))
	fmt.Printf("\nExported functions:\n")
	for _, name := range s.functions() {
		fmt.Printf("  %s\n", s.describe(name))
	}
	if o.list {
		return nil
	}

	funcName := o.funcName
	if funcName == "" {
		funcName = s.entryPoint()
		if funcName == "" {
			fmt.Printf("\nNo function specified and no common entry point found.\n")
			fmt.Printf("Use -func to specify a function to call.\n")
			return nil
		}
	}

	var args []string
	if o.args != "" {
		args = strings.Split(o.args, ",")
	}

	inst, err := s.instantiate(ctx)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, inst.Close(context.Background())) }()

	fmt.Printf("\nCalling %s(%s)...\n", funcName, strings.Join(args, ", "))
	res, err := s.call(ctx, inst, funcName, args)
	if err != nil {
		return fmt.Errorf("call %s: %w", funcName, err)
	}
	fmt.Println(formatResult(res))
	if !res.OK() {
		return fmt.Errorf("%s: %s", funcName, res)
	}
	return nil
}

// resolve finds the manifest to run, or builds one from the command line.
func resolve(ctx context.Context, o options) (*manifest.Manifest, error) {
	if o.manifest == "" {
		m := manifest.Template(strings.TrimSuffix(filepath.Base(o.wasmFile), filepath.Ext(o.wasmFile)), o.wasmFile)
		m.Limits.MaxMemoryPages = uint32(o.maxPages)
		m.Limits.InstructionBudget = o.budget
		m.Limits.WallClockTimeout = o.timeout
		return m, nil
	}

	info, err := os.Stat(o.manifest)
	if err != nil {
		return nil, err
	}
	var p manifest.Provider = manifest.NewFile(o.manifest)
	if info.IsDir() {
		if o.component == "" {
			dir := manifest.NewDir(o.manifest)
			names, _ := dir.Names()
			return nil, fmt.Errorf("-component is required with a manifest directory (available: %s)", strings.Join(names, ", "))
		}
		p = manifest.NewDir(o.manifest)
	}
	m, err := p.Lookup(ctx, o.component)
	if err != nil {
		return nil, err
	}
	if o.wasmFile != "" {
		m.Module = o.wasmFile
	}
	return m, nil
}

// session is one compiled component ready to instantiate.
type session struct {
	engine *engine.Engine
	module *engine.Module
	hosts  *engine.HostRegistry
	sigs   map[string]*abi.Signature
	comp   *manifest.Manifest
	log    *zap.Logger
}

func openSession(ctx context.Context, comp *manifest.Manifest, cacheSize int, log *zap.Logger, diag func(engine.Report)) (*session, error) {
	if err := comp.Limits.Validate(limits.DefaultPolicy()); err != nil {
		return nil, err
	}
	sigs, err := comp.Signatures()
	if err != nil {
		return nil, fmt.Errorf("signatures: %w", err)
	}
	hosts, err := hostFunctions(log)
	if err != nil {
		return nil, err
	}
	data, err := comp.ReadModule()
	if err != nil {
		return nil, err
	}

	cfg := engine.DefaultConfig()
	cfg.Logger = log
	cfg.Diagnostics = diag
	cfg.CacheCapacity = cacheSize
	e, err := engine.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	mod, err := e.Compile(ctx, data)
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("compile: %w", err), e.Close(ctx))
	}
	return &session{engine: e, module: mod, hosts: hosts, sigs: sigs, comp: comp, log: log}, nil
}

func (s *session) Close(ctx context.Context) error {
	return s.engine.Close(ctx)
}

func (s *session) instantiate(ctx context.Context) (*engine.Instance, error) {
	inst, err := s.engine.Instantiate(ctx, s.module, s.comp.Limits, s.hosts)
	if err != nil {
		return nil, fmt.Errorf("instantiate: %w", err)
	}
	return inst, nil
}

func (s *session) functions() []string {
	names := append([]string(nil), s.module.Exports()...)
	sort.Strings(names)
	return names
}

func (s *session) entryPoint() string {
	exports := s.functions()
	for _, name := range []string{"_start", "run", "main"} {
		for _, f := range exports {
			if f == name {
				return name
			}
		}
	}
	if len(exports) == 1 {
		return exports[0]
	}
	return ""
}

func (s *session) describe(name string) string {
	sig, ok := s.sigs[name]
	if !ok {
		return name + "(...)"
	}
	var params []string
	for i, p := range sig.Params {
		params = append(params, fmt.Sprintf("arg%d: %s", i, witTypeStr(p)))
	}
	result := ""
	if len(sig.Results) > 0 {
		result = " -> " + witTypeStr(sig.Results[0])
	}
	return name + "(" + strings.Join(params, ", ") + ")" + result
}

// call runs name with args. Functions declared in the manifest's WIT are
// called typed; others take decimal integers as raw core values.
func (s *session) call(ctx context.Context, inst *engine.Instance, name string, args []string) (engine.Result, error) {
	if sig, ok := s.sigs[name]; ok {
		if len(args) != len(sig.Params) {
			return engine.Result{}, fmt.Errorf("%s takes %d arguments, got %d", name, len(sig.Params), len(args))
		}
		typed := make([]any, len(args))
		for i, a := range args {
			v, err := convertArg(strings.TrimSpace(a), sig.Params[i])
			if err != nil {
				return engine.Result{}, fmt.Errorf("argument %d: %w", i, err)
			}
			typed[i] = v
		}
		return inst.CallTyped(ctx, name, sig, typed...)
	}

	raw := make([]uint64, len(args))
	for i, a := range args {
		v, err := strconv.ParseInt(strings.TrimSpace(a), 10, 64)
		if err != nil {
			return engine.Result{}, fmt.Errorf("argument %d: %w", i, err)
		}
		if int64(int32(v)) == v {
			raw[i] = api.EncodeI32(int32(v))
		} else {
			raw[i] = uint64(v)
		}
	}
	return inst.Call(ctx, name, raw...)
}

func formatResult(res engine.Result) string {
	var b strings.Builder
	b.WriteString(res.String())
	switch {
	case res.Typed != nil:
		fmt.Fprintf(&b, "\nResult: %v", res.Typed)
	case res.OK():
		fmt.Fprintf(&b, "\nResult: %v", res.Values)
	}
	fmt.Fprintf(&b, "\nInstructions: %d  Wall time: %s", res.Instructions, res.WallTime.Round(time.Microsecond))
	if res.Suspensions > 0 {
		fmt.Fprintf(&b, "  Suspensions: %d", res.Suspensions)
	}
	return b.String()
}

func convertArg(value string, t wit.Type) (any, error) {
	switch t.(type) {
	case wit.String:
		return value, nil
	case wit.Char:
		r := []rune(value)
		if len(r) != 1 {
			return nil, fmt.Errorf("char needs exactly one character, got %q", value)
		}
		return r[0], nil
	case wit.U8:
		v, err := strconv.ParseUint(value, 10, 8)
		return uint8(v), err
	case wit.U16:
		v, err := strconv.ParseUint(value, 10, 16)
		return uint16(v), err
	case wit.U32:
		v, err := strconv.ParseUint(value, 10, 32)
		return uint32(v), err
	case wit.S8:
		v, err := strconv.ParseInt(value, 10, 8)
		return int8(v), err
	case wit.S16:
		v, err := strconv.ParseInt(value, 10, 16)
		return int16(v), err
	case wit.S32:
		v, err := strconv.ParseInt(value, 10, 32)
		return int32(v), err
	case wit.U64:
		return strconv.ParseUint(value, 10, 64)
	case wit.S64:
		return strconv.ParseInt(value, 10, 64)
	case wit.F32:
		v, err := strconv.ParseFloat(value, 32)
		return float32(v), err
	case wit.F64:
		return strconv.ParseFloat(value, 64)
	case wit.Bool:
		return strconv.ParseBool(value)
	default:
		return nil, fmt.Errorf("unsupported parameter type %s", witTypeStr(t))
	}
}

func witTypeStr(t wit.Type) string {
	switch t.(type) {
	case wit.Bool:
		return "bool"
	case wit.U8:
		return "u8"
	case wit.S8:
		return "s8"
	case wit.U16:
		return "u16"
	case wit.S16:
		return "s16"
	case wit.U32:
		return "u32"
	case wit.S32:
		return "s32"
	case wit.U64:
		return "u64"
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
	default:
		return fmt.Sprintf("%T", t)
	}
}
