// Package sandbox runs untrusted artifact code (contract check_permission
// methods and executable run methods) inside a goja VM with a CPU
// timeout and an approximate memory cap. SPEC_FULL.md §4.8.
//
// Adapted from the teacher's system/tee/script_engine.go gojaScriptEngine:
// same "fresh VM per call, console capture, entry-point invocation,
// JSON round-trip for the return value" shape, rewritten around
// ActionIntent/PermissionResult inputs instead of TEE script jobs, with
// an added CPU-timeout interrupt and an RSS-based memory watchdog the
// teacher's engine didn't need (it ran under the SGX/Occlum memory
// limiter instead).
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/r3e-network/econe/pkg/kernelerr"
)

// Request describes one sandboxed call.
type Request struct {
	Script      string
	EntryPoint  string
	Args        []any
	Timeout     time.Duration
	MemoryLimitBytes int64 // 0 = no cap enforced
}

// Result is what a sandboxed call returns on success.
type Result struct {
	Output any
	Logs   []string
}

// Engine runs Requests. One Engine is safe for concurrent use; every
// call gets its own goja.Runtime so scripts never share state.
type Engine struct {
	memPollInterval time.Duration
}

// NewEngine returns a ready Engine.
func NewEngine() *Engine {
	return &Engine{memPollInterval: 20 * time.Millisecond}
}

// Run executes req.Script, calling req.EntryPoint with req.Args, and
// returns its JSON-roundtrippable result. A script that runs past
// req.Timeout is interrupted and the call fails with sandbox_timeout. A
// script whose process RSS exceeds req.MemoryLimitBytes is interrupted
// and fails with sandbox_crash (approximated via process-wide RSS
// sampling, since goja exposes no per-VM heap accounting — this mirrors
// the teacher's own admission that "goja doesn't expose memory stats").
func (e *Engine) Run(ctx context.Context, req Request) (*Result, error) {
	if req.Timeout <= 0 {
		req.Timeout = 5 * time.Second
	}

	vm := goja.New()
	logs := make([]string, 0)

	console := vm.NewObject()
	_ = console.Set("log", func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, a := range call.Arguments {
			parts[i] = a.String()
		}
		logs = append(logs, fmt.Sprint(parts))
		return goja.Undefined()
	})
	_ = vm.Set("console", console)

	argVals := make([]goja.Value, len(req.Args))
	for i, a := range req.Args {
		argVals[i] = vm.ToValue(a)
	}

	done := make(chan struct{})
	var interruptOnce sync.Once
	interrupted := make(chan string, 1)

	timer := time.AfterFunc(req.Timeout, func() {
		interruptOnce.Do(func() {
			interrupted <- "timeout"
			vm.Interrupt("sandbox_timeout")
		})
	})
	defer timer.Stop()

	var stopMemWatch chan struct{}
	if req.MemoryLimitBytes > 0 {
		stopMemWatch = make(chan struct{})
		go e.watchMemory(req.MemoryLimitBytes, stopMemWatch, func() {
			interruptOnce.Do(func() {
				interrupted <- "memory"
				vm.Interrupt("sandbox_crash")
			})
		})
	}

	var (
		output any
		runErr error
	)
	go func() {
		defer close(done)
		output, runErr = runScript(vm, req, argVals)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		interruptOnce.Do(func() { vm.Interrupt("context canceled") })
		<-done
	}
	if stopMemWatch != nil {
		close(stopMemWatch)
	}

	select {
	case reason := <-interrupted:
		if reason == "timeout" {
			return nil, kernelerr.New(kernelerr.SandboxTimeout, "sandbox call exceeded timeout").
				WithDetail("timeout", req.Timeout.String())
		}
		return nil, kernelerr.New(kernelerr.SandboxCrash, "sandbox call exceeded memory limit").
			WithDetail("limit_bytes", req.MemoryLimitBytes)
	default:
	}

	if runErr != nil {
		return nil, kernelerr.Wrap(kernelerr.SandboxCrash, "sandbox call failed", runErr)
	}

	return &Result{Output: output, Logs: logs}, nil
}

func runScript(vm *goja.Runtime, req Request, argVals []goja.Value) (any, error) {
	if _, err := vm.RunString(builtinFunctions); err != nil {
		return nil, fmt.Errorf("load builtins: %w", err)
	}
	if _, err := vm.RunString(req.Script); err != nil {
		return nil, fmt.Errorf("compile script: %w", err)
	}

	fn, ok := goja.AssertFunction(vm.Get(req.EntryPoint))
	if !ok {
		return nil, fmt.Errorf("entry point %q is not a function", req.EntryPoint)
	}

	resultVal, err := fn(goja.Undefined(), argVals...)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", req.EntryPoint, err)
	}

	if resultVal == nil || goja.IsUndefined(resultVal) || goja.IsNull(resultVal) {
		return nil, nil
	}

	exported := resultVal.Export()
	switch exported.(type) {
	case map[string]any, []any, string, bool, nil, int64, float64:
		return exported, nil
	default:
		b, err := json.Marshal(exported)
		if err != nil {
			return exported, nil
		}
		var v any
		if err := json.Unmarshal(b, &v); err != nil {
			return exported, nil
		}
		return v, nil
	}
}

// watchMemory polls the current process's RSS and invokes onExceed if it
// ever crosses limitBytes, until stop is closed. This is a coarse,
// process-wide approximation — concurrent sandbox calls share one
// process, so it bounds aggregate usage, not any single call's.
func (e *Engine) watchMemory(limitBytes int64, stop <-chan struct{}, onExceed func()) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return
	}
	ticker := time.NewTicker(e.memPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			info, err := proc.MemoryInfo()
			if err != nil || info == nil {
				continue
			}
			if int64(info.RSS) > limitBytes {
				onExceed()
				return
			}
		}
	}
}

const builtinFunctions = `
var crypto = {
	randomUUID: function() {
		return 'xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx'.replace(/[xy]/g, function(c) {
			var r = Math.random() * 16 | 0, v = c == 'x' ? r : (r & 0x3 | 0x8);
			return v.toString(16);
		});
	}
};
`
