// Package luarunner adapts an embedded Lua interpreter to the worker model.
// Each worker owns one sandboxed Lua state. Scripts reach the foreground
// through three hooks: print and io.write stream output, input and io.read
// block for user input, and sleep blocks for a duration. All of them can be
// interrupted; an interrupt surfaces inside Lua as a KeyboardInterrupt
// error.
package luarunner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/thruflo/comsync/internal/bridge"
	"github.com/thruflo/comsync/internal/logging"
	"github.com/thruflo/comsync/internal/output"
	"github.com/thruflo/comsync/internal/worker"
)

// TaskRunCode is the task name for running a script.
const TaskRunCode = "runCode"

// KeyboardInterrupt is the Lua error value raised on interrupt.
const KeyboardInterrupt = "KeyboardInterrupt"

const (
	msgRelayUnavailable = "input unavailable: the message relay stopped responding, close other sessions and retry"
	msgUnsupported      = "input unavailable: this environment does not support synchronous input"
)

// Mode controls how a script sees globals.
type Mode string

const (
	// ModeShell runs in the shared global environment, so globals persist
	// between runs on the same worker.
	ModeShell Mode = "shell"
	// ModeExec runs in a fresh environment that falls back to the shared
	// globals for reads.
	ModeExec Mode = "exec"
)

// Entry is a script to run.
type Entry struct {
	Source string
	// Name is the chunk name used in error messages.
	Name string
	Mode Mode
}

// Result is what runCode returns.
type Result struct {
	Interrupted bool
	Error       string
	// Output is everything the script printed to stdout.
	Output string
}

// Options configures runtimes built by Factory.
type Options struct {
	Logger *logging.Logger
}

// run is the state of the script currently executing.
type run struct {
	bridge *bridge.Bridge
	stream *output.Stream
	stdout strings.Builder
}

func (r *run) write(partType, text string) {
	if partType == output.TypeStdout {
		r.stdout.WriteString(text)
	}
	if r.stream != nil {
		r.stream.Write(output.Part{Type: partType, Text: text})
	}
}

// Runtime is one Lua state plus its hooks. It is not goroutine-safe and
// lives on a single worker.
type Runtime struct {
	L       *lua.LState
	log     *logging.Logger
	current *run
}

// NewRuntime creates a sandboxed Lua state with the comsync hooks.
func NewRuntime(opts Options) *Runtime {
	logger := opts.Logger
	if logger == nil {
		logger = logging.With("component", "luarunner")
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring"} {
		L.SetGlobal(name, lua.LNil)
	}

	rt := &Runtime{L: L, log: logger}
	L.SetGlobal("print", L.NewFunction(rt.luaPrint))
	L.SetGlobal("input", L.NewFunction(rt.luaInput))
	L.SetGlobal("sleep", L.NewFunction(rt.luaSleep))
	io := L.NewTable()
	L.SetField(io, "write", L.NewFunction(rt.luaWrite))
	L.SetField(io, "read", L.NewFunction(rt.luaRead))
	L.SetGlobal("io", io)
	return rt
}

// Factory returns a worker registry factory exposing TaskRunCode. Every
// worker gets its own runtime, closed when the worker exits.
func Factory(opts Options) worker.Factory {
	return func() (*worker.Registry, error) {
		rt := NewRuntime(opts)
		return &worker.Registry{
			Tasks: map[string]worker.TaskFunc{
				TaskRunCode: rt.RunCodeTask,
			},
			Close: rt.Close,
		}, nil
	}
}

// Close releases the Lua state.
func (rt *Runtime) Close() {
	rt.L.Close()
}

// RunCodeTask is the runCode task. Arguments are an Entry and an optional
// *output.Stream.
func (rt *Runtime) RunCodeTask(ctx context.Context, env *worker.Env, args ...any) (any, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("%s: missing entry", TaskRunCode)
	}
	entry, ok := args[0].(Entry)
	if !ok {
		return nil, fmt.Errorf("%s: expected Entry, got %T", TaskRunCode, args[0])
	}
	var stream *output.Stream
	if len(args) > 1 {
		stream, _ = args[1].(*output.Stream)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if env.Interrupt != nil {
		stop := context.AfterFunc(env.Interrupt.Context(), cancel)
		defer stop()
	}

	return rt.Run(runCtx, entry, env.Bridge, stream), nil
}

// Run executes entry. Cancelling ctx interrupts the script at the next
// instruction.
func (rt *Runtime) Run(ctx context.Context, entry Entry, b *bridge.Bridge, stream *output.Stream) Result {
	cur := &run{bridge: b, stream: stream}
	rt.current = cur
	defer func() { rt.current = nil }()

	name := entry.Name
	if name == "" {
		name = "<main>"
	}

	L := rt.L
	fn, err := L.Load(strings.NewReader(entry.Source), name)
	if err != nil {
		cur.write(output.TypeTraceback, err.Error()+"\n")
		return Result{Error: err.Error(), Output: cur.stdout.String()}
	}
	if entry.Mode == ModeExec {
		fn.Env = rt.freshEnv()
	}

	L.SetContext(ctx)
	defer L.RemoveContext()
	top := L.GetTop()
	L.Push(fn)
	err = L.PCall(0, lua.MultRet, nil)
	L.SetTop(top)

	result := Result{Output: cur.stdout.String()}
	if err == nil {
		return result
	}
	if ctx.Err() != nil || isKeyboardInterrupt(err) {
		cur.write(output.TypeTraceback, KeyboardInterrupt+"\n")
		result.Interrupted = true
		return result
	}

	rt.log.Debug("script failed", "chunk", name, "error", err)
	result.Error = errorMessage(err)
	cur.write(output.TypeTraceback, err.Error()+"\n")
	return result
}

func (rt *Runtime) freshEnv() *lua.LTable {
	L := rt.L
	env := L.NewTable()
	mt := L.NewTable()
	L.SetField(mt, "__index", L.G.Global)
	L.SetMetatable(env, mt)
	return env
}

func isKeyboardInterrupt(err error) bool {
	var apiErr *lua.ApiError
	if !errors.As(err, &apiErr) || apiErr.Object == nil {
		return false
	}
	return apiErr.Object.String() == KeyboardInterrupt
}

func errorMessage(err error) string {
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) && apiErr.Object != nil {
		return apiErr.Object.String()
	}
	return err.Error()
}

func (rt *Runtime) args(L *lua.LState, sep string) string {
	n := L.GetTop()
	parts := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}
	return strings.Join(parts, sep)
}

func (rt *Runtime) luaPrint(L *lua.LState) int {
	if rt.current != nil {
		rt.current.write(output.TypeStdout, rt.args(L, "\t")+"\n")
	}
	return 0
}

func (rt *Runtime) luaWrite(L *lua.LState) int {
	if rt.current != nil {
		rt.current.write(output.TypeStdout, rt.args(L, ""))
	}
	return 0
}

func (rt *Runtime) luaInput(L *lua.LState) int {
	prompt := L.OptString(1, "")
	if prompt != "" && rt.current != nil {
		rt.current.write(output.TypeInputPrompt, prompt)
	}
	return rt.readLine(L, prompt)
}

func (rt *Runtime) luaRead(L *lua.LState) int {
	return rt.readLine(L, "")
}

func (rt *Runtime) readLine(L *lua.LState, prompt string) int {
	out := rt.blocking(L, func(b *bridge.Bridge) bridge.Outcome { return b.Input(prompt) })
	L.Push(lua.LString(strings.TrimSuffix(out.Value, "\n")))
	return 1
}

func (rt *Runtime) luaSleep(L *lua.LState) int {
	d := sleepDuration(float64(L.CheckNumber(1)))
	rt.blocking(L, func(b *bridge.Bridge) bridge.Outcome { return b.Sleep(d) })
	return 0
}

// sleepDuration converts seconds to a duration, saturating at the largest
// duration. Negative and NaN values do not sleep.
func sleepDuration(seconds float64) time.Duration {
	ns := seconds * float64(time.Second)
	switch {
	case math.IsNaN(ns) || ns <= 0:
		return 0
	case ns >= math.MaxInt64:
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(ns)
}

// blocking runs a bridge call and turns failures into Lua errors.
func (rt *Runtime) blocking(L *lua.LState, call func(*bridge.Bridge) bridge.Outcome) bridge.Outcome {
	var b *bridge.Bridge
	if rt.current != nil {
		b = rt.current.bridge
	}
	if b == nil {
		L.RaiseError(msgUnsupported)
	}

	out := call(b)
	switch out.Kind {
	case bridge.OutcomeInterrupted:
		L.Error(lua.LString(KeyboardInterrupt), 0)
	case bridge.OutcomeRelayUnavailable:
		L.RaiseError(msgRelayUnavailable)
	case bridge.OutcomeUnsupported:
		L.RaiseError(msgUnsupported)
	case bridge.OutcomeFailed:
		L.RaiseError("%v", out.Err)
	}
	return out
}
