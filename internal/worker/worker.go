// Package worker runs tasks on a background execution context: one
// goroutine locked to its own OS thread, owning whatever state its task
// registry builds (an interpreter, for instance). A worker cannot be
// preempted; terminating it cancels its context and abandons any task that
// is still running, after which a new worker takes its place.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync/atomic"

	"code.hybscloud.com/atomix"

	"github.com/thruflo/comsync/internal/bridge"
	"github.com/thruflo/comsync/internal/channel"
	"github.com/thruflo/comsync/internal/interrupt"
	"github.com/thruflo/comsync/internal/logging"
)

var (
	// ErrUnknownTask is returned for a call to a name the registry lacks.
	ErrUnknownTask = errors.New("unknown task")

	// ErrTerminated is returned for calls made after Terminate.
	ErrTerminated = errors.New("worker terminated")
)

// callQueueSize bounds calls waiting behind the running one.
const callQueueSize = 8

// Env is what a task receives besides its arguments.
type Env struct {
	// Bridge provides the blocking input and sleep primitives.
	Bridge *bridge.Bridge
	// Interrupt is the task's interrupt buffer, or nil.
	Interrupt *interrupt.Buffer
	// Generation identifies the worker running the task.
	Generation uint32
}

// TaskFunc is an exposed task. ctx is cancelled when the worker is
// terminated.
type TaskFunc func(ctx context.Context, env *Env, args ...any) (any, error)

// Registry holds the tasks a worker exposes and the state behind them.
type Registry struct {
	Tasks map[string]TaskFunc
	// Close runs on the worker's thread when the worker exits.
	Close func()
}

// Factory builds a registry. It runs on the new worker's thread, once per
// worker, so state it creates dies with the worker.
type Factory func() (*Registry, error)

// Call is one task invocation.
type Call struct {
	Name      string
	Channel   channel.Channel
	Notify    bridge.NotifyFunc
	Interrupt *interrupt.Buffer
	Args      []any
}

// Result is the outcome of a Call.
type Result struct {
	Value any
	Err   error
}

// Options configures a worker.
type Options struct {
	Logger *logging.Logger
}

type job struct {
	call   Call
	result chan Result
}

// generations numbers workers across the process.
var generations atomix.Uint32

// Worker is one background execution context.
type Worker struct {
	gen      uint32
	ctx      context.Context
	cancel   context.CancelFunc
	calls    chan job
	done     chan struct{}
	released atomic.Bool
	log      *logging.Logger
}

// Spawn starts a worker and waits for its registry to be built.
func Spawn(factory Factory, opts Options) (*Worker, error) {
	if factory == nil {
		return nil, fmt.Errorf("worker: nil registry factory")
	}
	gen := generations.Add(1)
	logger := opts.Logger
	if logger == nil {
		logger = logging.With("component", "worker")
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		gen:    gen,
		ctx:    ctx,
		cancel: cancel,
		calls:  make(chan job, callQueueSize),
		done:   make(chan struct{}),
		log:    logger.With("worker", gen),
	}

	ready := make(chan error, 1)
	go w.run(factory, ready)
	if err := <-ready; err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start worker: %w", err)
	}

	w.log.Info("worker started")
	return w, nil
}

func (w *Worker) run(factory Factory, ready chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(w.done)

	reg, err := buildRegistry(factory)
	ready <- err
	if err != nil {
		return
	}
	if reg.Close != nil {
		defer reg.Close()
	}

	for {
		select {
		case <-w.ctx.Done():
			w.drain()
			return
		case j := <-w.calls:
			j.result <- w.execute(reg, j.call)
		}
	}
}

func buildRegistry(factory Factory) (reg *Registry, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("registry factory panicked: %v", r)
		}
	}()
	reg, err = factory()
	if err == nil && reg == nil {
		err = errors.New("registry factory returned nil")
	}
	return reg, err
}

// drain fails calls queued behind a termination.
func (w *Worker) drain() {
	for {
		select {
		case j := <-w.calls:
			j.result <- Result{Err: ErrTerminated}
		default:
			return
		}
	}
}

func (w *Worker) execute(reg *Registry, call Call) (res Result) {
	task, ok := reg.Tasks[call.Name]
	if !ok {
		return Result{Err: fmt.Errorf("%w: %s", ErrUnknownTask, call.Name)}
	}

	defer func() {
		if r := recover(); r != nil {
			w.log.Error("task panicked", "task", call.Name, "panic", r)
			res = Result{Err: fmt.Errorf("task %s panicked: %v\n%s", call.Name, r, debug.Stack())}
		}
	}()

	env := &Env{
		Bridge: bridge.New(bridge.Options{
			Channel:   call.Channel,
			Notify:    w.proxy(call.Notify),
			Interrupt: call.Interrupt,
			Logger:    w.log.With("task", call.Name),
		}),
		Interrupt:  call.Interrupt,
		Generation: w.gen,
	}

	w.log.Debug("task started", "task", call.Name)
	value, err := task(w.ctx, env, call.Args...)
	w.log.Debug("task finished", "task", call.Name, "error", err)
	return Result{Value: value, Err: err}
}

// proxy wraps a foreground callback so Release can disconnect it.
func (w *Worker) proxy(notify bridge.NotifyFunc) bridge.NotifyFunc {
	if notify == nil {
		return nil
	}
	return func(req bridge.Request) {
		if w.released.Load() {
			return
		}
		notify(req)
	}
}

// Call queues a task invocation. The returned channel receives at most one
// Result. If the worker is terminated while the task runs, the task is
// abandoned and its result may never arrive.
func (w *Worker) Call(call Call) <-chan Result {
	result := make(chan Result, 1)
	if w.ctx.Err() != nil {
		result <- Result{Err: ErrTerminated}
		return result
	}
	select {
	case w.calls <- job{call: call, result: result}:
	case <-w.ctx.Done():
		result <- Result{Err: ErrTerminated}
	}
	return result
}

// Release disconnects every callback proxy handed to this worker's tasks.
func (w *Worker) Release() {
	w.released.Store(true)
}

// Terminate stops the worker and releases its proxies. A running task's
// context is cancelled; callers should stop waiting for its result.
func (w *Worker) Terminate() {
	if w.ctx.Err() != nil {
		return
	}
	w.released.Store(true)
	w.cancel()
	w.log.Info("worker terminated")
}

// Generation returns the worker's generation number.
func (w *Worker) Generation() uint32 {
	return w.gen
}

// Terminated reports whether Terminate was called.
func (w *Worker) Terminated() bool {
	return w.ctx.Err() != nil
}

// Done is closed once the worker's goroutine has exited. An abandoned task
// that ignores its context keeps it open.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}
