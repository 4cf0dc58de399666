package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"reflect"
	"slices"
	"sort"
	"sync"

	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/governor"
	"github.com/wippyai/wasm-sandbox/meter"
)

// SyncFunc implements a host function on the guest goroutine. Parameters
// are read from stack and results written back to it.
type SyncFunc func(ctx context.Context, c *Caller, stack []uint64) error

// AsyncFunc starts a host function whose work happens off the guest
// goroutine. It must not block; the returned PendingOp does the work.
type AsyncFunc func(ctx context.Context, c *Caller, params []uint64) PendingOp

// HostFunc is one registered host function.
type HostFunc struct {
	sync      SyncFunc
	async     AsyncFunc
	Namespace string
	Name      string
	Params    []api.ValueType
	Results   []api.ValueType
}

// Async reports whether the function suspends the calling guest.
func (h *HostFunc) Async() bool {
	return h.async != nil
}

// HostRegistry maps import namespace and name to host functions. It is
// supplied at instantiate time and bound once per engine; registering more
// functions afterwards makes the next instantiation bind again.
type HostRegistry struct {
	funcs   map[string]map[string]*HostFunc
	version uint64
	mu      sync.RWMutex
}

func NewHostRegistry() *HostRegistry {
	return &HostRegistry{
		funcs: make(map[string]map[string]*HostFunc),
	}
}

// Register adds a synchronous host function with an explicit core signature.
func (r *HostRegistry) Register(namespace, name string, params, results []api.ValueType, fn SyncFunc) error {
	if fn == nil {
		return errors.InvalidInput(errors.PhaseHost, "handler cannot be nil")
	}
	return r.add(&HostFunc{Namespace: namespace, Name: name, Params: params, Results: results, sync: fn})
}

// RegisterAsync adds an asynchronous host function.
func (r *HostRegistry) RegisterAsync(namespace, name string, params, results []api.ValueType, fn AsyncFunc) error {
	if fn == nil {
		return errors.InvalidInput(errors.PhaseHost, "handler cannot be nil")
	}
	return r.add(&HostFunc{Namespace: namespace, Name: name, Params: params, Results: results, async: fn})
}

// RegisterFunc adds a synchronous host function from a typed Go function
//
//	func(ctx context.Context, [c *Caller,] args...) (results..., [error])
//
// where args and results are int32, uint32, bool, int64, uint64, float32 or
// float64 (or types based on them).
func (r *HostRegistry) RegisterFunc(namespace, name string, fn any) error {
	params, results, handler, err := reflectHandler(fn)
	if err != nil {
		return errors.Registration(namespace, name, err)
	}
	return r.add(&HostFunc{Namespace: namespace, Name: name, Params: params, Results: results, sync: handler})
}

func (r *HostRegistry) add(hf *HostFunc) error {
	if hf.Namespace == "" {
		return errors.InvalidInput(errors.PhaseHost, "namespace cannot be empty")
	}
	if hf.Name == "" {
		return errors.InvalidInput(errors.PhaseHost, "function name cannot be empty")
	}
	if hf.Namespace == meter.DefaultNamespace {
		return errors.Registration(hf.Namespace, hf.Name,
			stderrors.New("namespace is reserved for the governor"))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.funcs[hf.Namespace] == nil {
		r.funcs[hf.Namespace] = make(map[string]*HostFunc)
	}
	r.funcs[hf.Namespace][hf.Name] = hf
	r.version++
	return nil
}

// Lookup returns the function registered under namespace and name.
func (r *HostRegistry) Lookup(namespace, name string) (*HostFunc, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	hf, ok := r.funcs[namespace][name]
	return hf, ok
}

// Namespaces returns the registered namespaces in sorted order.
func (r *HostRegistry) Namespaces() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.funcs))
	for ns := range r.funcs {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

func (r *HostRegistry) snapshot() (map[string][]*HostFunc, uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]*HostFunc, len(r.funcs))
	for ns, funcs := range r.funcs {
		for _, hf := range funcs {
			out[ns] = append(out[ns], hf)
		}
		sort.Slice(out[ns], func(i, j int) bool { return out[ns][i].Name < out[ns][j].Name })
	}
	return out, r.version
}

// Caller gives host functions access to the calling instance for the
// duration of one call.
type Caller struct {
	inst  *Instance
	frame *frame
}

// InstanceID returns the calling instance's ID.
func (c *Caller) InstanceID() string {
	return c.inst.id
}

// Memory returns the calling instance's memory, or nil if it has none.
func (c *Caller) Memory() *Memory {
	return c.inst.Memory()
}

// Defer registers fn to run when the current call ends, whatever its
// outcome. Deferred functions run in reverse order. Defer is safe to call
// from a pending operation; once the call has ended fn runs immediately.
func (c *Caller) Defer(fn func()) {
	c.frame.later(fn)
}

// Exit aborts the guest with an exit code. The call ends Trapped.
func (c *Caller) Exit(code uint32) {
	panic(sys.NewExitError(code))
}

// Charge adds n to the budget of the call running in ctx. Async operations
// use it to account for work done on the guest's behalf. It returns the
// governor abort once the budget or deadline is exhausted.
func Charge(ctx context.Context, n uint64) error {
	f := frameFrom(ctx)
	if f == nil {
		return errors.InvalidInput(errors.PhaseHost, "context does not belong to a governed call")
	}
	if v := f.gov.Charge(n); v != governor.Continue {
		return f.gov.Abort(v)
	}
	return nil
}

var errUngoverned = stderrors.New("host function called outside a governed call")

func (e *Engine) syncHandler(hf *HostFunc) api.GoModuleFunc {
	cost := e.cfg.HostCallCost
	return func(ctx context.Context, _ api.Module, stack []uint64) {
		f := frameFrom(ctx)
		if f == nil {
			panic(&hostFault{namespace: hf.Namespace, name: hf.Name, cause: errUngoverned})
		}
		f.checkpoint(cost)
		defer f.guard(hf)

		hctx, cancel := context.WithCancel(ctx)
		returned := make(chan struct{})
		watched := make(chan struct{})
		go func() {
			defer close(watched)
			// the compute deadline keeps running while the host holds the call
			if f.gov.Await(returned, f.gov.Deadline()) != governor.Continue {
				cancel()
			}
		}()

		err := hf.sync(hctx, f.caller, stack)
		close(returned)
		<-watched
		cancel()

		f.settle(ctx)
		if err != nil {
			panic(&hostFault{namespace: hf.Namespace, name: hf.Name, cause: err})
		}
	}
}

func (e *Engine) asyncHandler(hf *HostFunc) api.GoModuleFunc {
	cost := e.cfg.HostCallCost
	return func(ctx context.Context, _ api.Module, stack []uint64) {
		f := frameFrom(ctx)
		if f == nil {
			panic(&hostFault{namespace: hf.Namespace, name: hf.Name, cause: errUngoverned})
		}
		f.checkpoint(cost)
		defer f.guard(hf)

		params := slices.Clone(stack[:len(hf.Params)])
		op := hf.async(ctx, f.caller, params)
		if op == nil {
			panic(&hostFault{namespace: hf.Namespace, name: hf.Name, cause: stderrors.New("nil pending operation")})
		}
		tok, err := e.bridge.Start(ctx, op)
		if err != nil {
			panic(&hostFault{namespace: hf.Namespace, name: hf.Name, cause: err})
		}

		until := f.gov.Suspend()
		if v := f.gov.Await(tok.Done(), until); v != governor.Continue {
			tok.Cancel()
			f.inst.log.Debug("host operation cancelled",
				zap.String("namespace", hf.Namespace),
				zap.String("function", hf.Name),
				zap.Stringer("verdict", v))
			panic(f.gov.Abort(v))
		}
		f.gov.Resume()
		tok.Cancel()

		// an interrupt that raced the operation's return takes precedence
		f.settle(ctx)
		results, err := tok.Result()
		if err != nil {
			panic(&hostFault{namespace: hf.Namespace, name: hf.Name, cause: err})
		}
		if len(results) != len(hf.Results) {
			panic(&hostFault{namespace: hf.Namespace, name: hf.Name,
				cause: fmt.Errorf("operation returned %d results, want %d", len(results), len(hf.Results))})
		}
		copy(stack, results)
		f.checkpoint(0)
	}
}

// chargeHandler implements the metering import injected at load time.
func chargeHandler(ctx context.Context, _ api.Module, stack []uint64) {
	f := frameFrom(ctx)
	if f == nil {
		panic(&hostFault{namespace: meter.DefaultNamespace, name: meter.ChargeName, cause: errUngoverned})
	}
	f.checkpoint(stack[0])
}

func panicError(r any) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", r)
}

var (
	ctxType    = reflect.TypeOf((*context.Context)(nil)).Elem()
	callerType = reflect.TypeOf((*Caller)(nil))
	errorType  = reflect.TypeOf((*error)(nil)).Elem()
)

func coreType(t reflect.Type) (api.ValueType, bool) {
	switch t.Kind() {
	case reflect.Int32, reflect.Uint32, reflect.Bool:
		return api.ValueTypeI32, true
	case reflect.Int64, reflect.Uint64:
		return api.ValueTypeI64, true
	case reflect.Float32:
		return api.ValueTypeF32, true
	case reflect.Float64:
		return api.ValueTypeF64, true
	}
	return 0, false
}

func reflectHandler(fn any) ([]api.ValueType, []api.ValueType, SyncFunc, error) {
	rv := reflect.ValueOf(fn)
	if rv.Kind() != reflect.Func || rv.IsNil() {
		return nil, nil, nil, errors.New(errors.PhaseHost, errors.KindTypeMismatch).
			GoType(fmt.Sprintf("%T", fn)).
			Detail("handler must be a function").
			Build()
	}
	rt := rv.Type()

	if rt.NumIn() == 0 || rt.In(0) != ctxType {
		return nil, nil, nil, fmt.Errorf("%s: first parameter must be context.Context", rt)
	}
	first := 1
	withCaller := rt.NumIn() > 1 && rt.In(1) == callerType
	if withCaller {
		first = 2
	}

	var params, results []api.ValueType
	for i := first; i < rt.NumIn(); i++ {
		vt, ok := coreType(rt.In(i))
		if !ok {
			return nil, nil, nil, fmt.Errorf("%s: unsupported parameter type %s", rt, rt.In(i))
		}
		params = append(params, vt)
	}

	nOut := rt.NumOut()
	withErr := nOut > 0 && rt.Out(nOut-1) == errorType
	if withErr {
		nOut--
	}
	for i := 0; i < nOut; i++ {
		vt, ok := coreType(rt.Out(i))
		if !ok {
			return nil, nil, nil, fmt.Errorf("%s: unsupported result type %s", rt, rt.Out(i))
		}
		results = append(results, vt)
	}

	handler := func(ctx context.Context, c *Caller, stack []uint64) error {
		in := make([]reflect.Value, 0, rt.NumIn())
		in = append(in, reflect.ValueOf(ctx))
		if withCaller {
			in = append(in, reflect.ValueOf(c))
		}
		for i := first; i < rt.NumIn(); i++ {
			in = append(in, decodeValue(rt.In(i), stack[i-first]))
		}

		out := rv.Call(in)
		if withErr {
			if err, _ := out[nOut].Interface().(error); err != nil {
				return err
			}
		}
		for i := 0; i < nOut; i++ {
			stack[i] = encodeValue(out[i])
		}
		return nil
	}
	return params, results, handler, nil
}

func decodeValue(t reflect.Type, raw uint64) reflect.Value {
	v := reflect.New(t).Elem()
	switch t.Kind() {
	case reflect.Int32:
		v.SetInt(int64(api.DecodeI32(raw)))
	case reflect.Uint32:
		v.SetUint(uint64(api.DecodeU32(raw)))
	case reflect.Bool:
		v.SetBool(uint32(raw) != 0)
	case reflect.Int64:
		v.SetInt(int64(raw))
	case reflect.Uint64:
		v.SetUint(raw)
	case reflect.Float32:
		v.SetFloat(float64(api.DecodeF32(raw)))
	case reflect.Float64:
		v.SetFloat(api.DecodeF64(raw))
	}
	return v
}

func encodeValue(v reflect.Value) uint64 {
	switch v.Kind() {
	case reflect.Int32:
		return api.EncodeI32(int32(v.Int()))
	case reflect.Uint32:
		return api.EncodeU32(uint32(v.Uint()))
	case reflect.Bool:
		if v.Bool() {
			return 1
		}
		return 0
	case reflect.Int64:
		return api.EncodeI64(v.Int())
	case reflect.Uint64:
		return v.Uint()
	case reflect.Float32:
		return api.EncodeF32(float32(v.Float()))
	case reflect.Float64:
		return api.EncodeF64(v.Float())
	}
	return 0
}
