// Package sandbox executes user-authored code for code and utilities nodes on
// an embedded ECMAScript interpreter. Every invocation gets a fresh VM with
// the injected globals the workflow contract promises ($input, $json,
// predecessor variables, utilities modules, $credentials, console, require)
// and a hard wall-clock timeout.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/require"

	"github.com/typeflow/typeflow/runtime/credential"
	"github.com/typeflow/typeflow/runtime/flowerrors"
	"github.com/typeflow/typeflow/runtime/item"
	"github.com/typeflow/typeflow/runtime/telemetry"
)

// DefaultTimeout is the wall-clock budget of one code-node invocation.
const DefaultTimeout = 5 * time.Second

type (
	// Options configures New.
	Options struct {
		// PackagesRoot is the directory holding per-organization installed
		// packages; module resolution is rooted at <root>/<orgID>/node_modules.
		PackagesRoot string
		// Timeout overrides DefaultTimeout when positive.
		Timeout time.Duration
		Logger  telemetry.Logger
	}

	// Sandbox constructs per-execution runs.
	Sandbox struct {
		packagesRoot string
		timeout      time.Duration
		logger       telemetry.Logger
	}

	// Run carries per-execution sandbox state: utilities node programs are
	// compiled once per execution and memoized here.
	Run struct {
		sb *Sandbox

		mu      sync.Mutex
		modules map[string]*goja.Program
	}

	// CredentialSource materializes credential handles by name. Implemented by
	// credential.Pool.
	CredentialSource interface {
		Get(ctx context.Context, name string) (credential.Handle, error)
	}

	// ConsoleSink receives bounded console output from user code.
	ConsoleSink func(level, message string)

	// Invocation is one code-node call.
	Invocation struct {
		NodeID string
		Label  string
		Code   string
		Input  []item.Item
		// Predecessors maps sanitized predecessor labels to their outputs.
		Predecessors map[string][]item.Item
		// Utilities maps sanitized utilities-node labels to their code.
		Utilities      map[string]string
		OrganizationID string
		Credentials    CredentialSource
		Console        ConsoleSink
	}

	// Result is the outcome of a code-node call. PassThrough is set when the
	// code returned undefined, which forwards the inputs unchanged.
	Result struct {
		Items       []item.Item
		PassThrough bool
	}
)

// New validates the options and returns a Sandbox.
func New(opts Options) (*Sandbox, error) {
	if opts.Timeout < 0 {
		return nil, errors.New("timeout must not be negative")
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	return &Sandbox{
		packagesRoot: opts.PackagesRoot,
		timeout:      opts.Timeout,
		logger:       opts.Logger,
	}, nil
}

// NewRun returns the per-execution sandbox state.
func (s *Sandbox) NewRun() *Run {
	return &Run{sb: s, modules: map[string]*goja.Program{}}
}

// ExecuteCode runs one code node. The returned error is one of the sandbox
// taxonomy: *TypeValidationError, *TimeoutError or *RuntimeError.
func (r *Run) ExecuteCode(ctx context.Context, inv Invocation) (Result, error) {
	name := inv.Label
	if name == "" {
		name = inv.NodeID
	}
	prepared, err := Prepare(name, inv.Code)
	if err != nil {
		return Result{}, err
	}

	vm := goja.New()
	if err := r.inject(ctx, vm, inv); err != nil {
		return Result{}, err
	}

	stop := r.armInterrupt(ctx, vm)
	res, err := vm.RunProgram(prepared.Program)
	stop()
	if err != nil {
		return Result{}, r.mapError(err)
	}

	val, err := r.settle(vm, res)
	if err != nil {
		return Result{}, err
	}
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return Result{Items: inv.Input, PassThrough: true}, nil
	}
	return Result{Items: item.Normalize(val.Export())}, nil
}

// ExecuteUtilities compiles (once per execution) and evaluates a utilities
// node in a throwaway VM, returning the names it exports. The engine uses this
// to validate utilities nodes when they are reached in the plan.
func (r *Run) ExecuteUtilities(ctx context.Context, label, code string) ([]string, error) {
	prog, err := r.moduleProgram(label, code)
	if err != nil {
		return nil, err
	}
	vm := goja.New()
	stop := r.armInterrupt(ctx, vm)
	res, err := vm.RunProgram(prog)
	stop()
	if err != nil {
		return nil, r.mapError(err)
	}
	obj := res.ToObject(vm)
	return obj.Keys(), nil
}

// inject sets up the invocation's global environment.
func (r *Run) inject(ctx context.Context, vm *goja.Runtime, inv Invocation) error {
	input := item.Export(inv.Input)
	var json map[string]any
	if len(inv.Input) > 0 {
		json = inv.Input[0].JSON
	} else {
		json = map[string]any{}
	}
	vm.Set("$input", input)
	vm.Set("$json", json)
	vm.Set("$inputItem", json)
	vm.Set("$inputAll", input)

	for label, items := range inv.Predecessors {
		var first map[string]any
		if len(items) > 0 {
			first = items[0].JSON
		} else {
			first = map[string]any{}
		}
		vm.Set("$"+label, map[string]any{
			"json":  first,
			"input": item.Export(items),
		})
	}

	for label, code := range inv.Utilities {
		prog, err := r.moduleProgram(label, code)
		if err != nil {
			return err
		}
		exports, err := vm.RunProgram(prog)
		if err != nil {
			return r.mapError(err)
		}
		vm.Set("$"+label, exports)
	}

	if inv.Credentials != nil {
		vm.Set("$credentials", vm.NewDynamicObject(&credentialsObject{
			ctx:    ctx,
			vm:     vm,
			source: inv.Credentials,
			cache:  map[string]goja.Value{},
		}))
	}

	sink := inv.Console
	if sink == nil {
		sink = func(level, message string) {
			r.sb.logger.Debug(ctx, "console", "level", level, "message", message)
		}
	}
	enableConsole(vm, sink)

	if r.sb.packagesRoot != "" {
		orgDir := filepath.Join(r.sb.packagesRoot, inv.OrganizationID, "node_modules")
		registry := require.NewRegistry(require.WithGlobalFolders(orgDir))
		registry.Enable(vm)
	}
	return nil
}

// moduleProgram returns the memoized compiled program of a utilities node.
func (r *Run) moduleProgram(label, code string) (*goja.Program, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prog, ok := r.modules[label]; ok {
		return prog, nil
	}
	prog, err := PrepareModule(label, code)
	if err != nil {
		return nil, err
	}
	r.modules[label] = prog
	return prog, nil
}

// armInterrupt installs the wall-clock timeout and context cancellation as VM
// interrupts. The returned stop function must be called after RunProgram.
func (r *Run) armInterrupt(ctx context.Context, vm *goja.Runtime) func() {
	timer := time.AfterFunc(r.sb.timeout, func() {
		vm.Interrupt(errTimedOut)
	})
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()
	return func() {
		timer.Stop()
		close(done)
	}
}

var errTimedOut = errors.New("wall-clock timeout")

// settle resolves the async wrapper's promise. A promise still pending after
// the job queue drained means the code awaited something that never settles.
func (r *Run) settle(vm *goja.Runtime, res goja.Value) (goja.Value, error) {
	p, ok := res.Export().(*goja.Promise)
	if !ok {
		return res, nil
	}
	switch p.State() {
	case goja.PromiseStateFulfilled:
		return p.Result(), nil
	case goja.PromiseStateRejected:
		reason := p.Result()
		if reason != nil {
			if exported, ok := reason.Export().(error); ok {
				return nil, &flowerrors.RuntimeError{Message: exported.Error(), Cause: exported}
			}
			return nil, &flowerrors.RuntimeError{Message: reason.String()}
		}
		return nil, &flowerrors.RuntimeError{Message: "promise rejected"}
	default:
		return nil, &flowerrors.RuntimeError{Message: "asynchronous work did not settle"}
	}
}

// mapError translates interpreter failures into the sandbox error taxonomy.
func (r *Run) mapError(err error) error {
	var intr *goja.InterruptedError
	if errors.As(err, &intr) {
		if inner, ok := intr.Value().(error); ok && errors.Is(inner, context.Canceled) {
			return inner
		}
		return &flowerrors.TimeoutError{Limit: r.sb.timeout}
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return &flowerrors.RuntimeError{Message: ex.Error(), Cause: ex}
	}
	var tve *flowerrors.TypeValidationError
	if errors.As(err, &tve) {
		return tve
	}
	return &flowerrors.RuntimeError{Message: fmt.Sprintf("code execution failed: %v", err), Cause: err}
}
