package luarunner

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thruflo/comsync/internal/bridge"
	"github.com/thruflo/comsync/internal/channel"
	"github.com/thruflo/comsync/internal/interrupt"
	"github.com/thruflo/comsync/internal/output"
)

func newRuntime(t *testing.T) *Runtime {
	rt := NewRuntime(Options{})
	t.Cleanup(rt.Close)
	return rt
}

// answeringBridge returns a bridge whose input requests are answered with
// the given lines in order.
func answeringBridge(t *testing.T, ib *interrupt.Buffer, lines ...string) *bridge.Bridge {
	ch := channel.NewSharedMemory(channel.SharedMemoryOptions{PollInterval: 10 * time.Millisecond})
	t.Cleanup(func() { ch.Close() })

	var mu sync.Mutex
	notify := func(req bridge.Request) {
		if req.Kind != bridge.KindInput {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if len(lines) == 0 {
			return
		}
		line := lines[0]
		lines = lines[1:]
		go ch.Write(channel.Value(line), req.MessageID)
	}
	return bridge.New(bridge.Options{Channel: ch, Notify: notify, Interrupt: ib})
}

type partCollector struct {
	mu    sync.Mutex
	parts []output.Part
}

func (c *partCollector) sink(parts []output.Part) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.parts = append(c.parts, parts...)
}

func TestRunPrintsOutput(t *testing.T) {
	rt := newRuntime(t)
	c := &partCollector{}
	stream := output.NewStream(c.sink, output.Options{})

	res := rt.Run(context.Background(), Entry{Source: `print("hello", 42) io.write("a", "b")`}, nil, stream)
	stream.Close()

	assert.False(t, res.Interrupted)
	assert.Empty(t, res.Error)
	assert.Equal(t, "hello\t42\nab", res.Output)
	require.Len(t, c.parts, 2)
	assert.Equal(t, output.Part{Type: output.TypeStdout, Text: "hello\t42\n"}, c.parts[0])
}

func TestRunSandbox(t *testing.T) {
	rt := newRuntime(t)

	res := rt.Run(context.Background(), Entry{Source: `print(load == nil, dofile == nil, os == nil, type(string.format))`}, nil, nil)
	assert.Equal(t, "true\ttrue\ttrue\tfunction\n", res.Output)
}

func TestRunModes(t *testing.T) {
	tests := []struct {
		name string
		mode Mode
		want string
	}{
		{"shell keeps globals", ModeShell, "1\n"},
		{"exec isolates globals", ModeExec, "nil\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := newRuntime(t)
			rt.Run(context.Background(), Entry{Source: `counter = 1`, Mode: tt.mode}, nil, nil)
			res := rt.Run(context.Background(), Entry{Source: `print(counter)`, Mode: ModeShell}, nil, nil)
			assert.Equal(t, tt.want, res.Output)
		})
	}
}

func TestRunErrors(t *testing.T) {
	tests := []struct {
		name    string
		source  string
		wantErr string
	}{
		{"syntax error", `print(`, "<main>"},
		{"runtime error", `error("bad thing")`, "bad thing"},
		{"nil call", `undefined_fn()`, "attempt to call"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := newRuntime(t)
			c := &partCollector{}
			stream := output.NewStream(c.sink, output.Options{})

			res := rt.Run(context.Background(), Entry{Source: tt.source}, nil, stream)
			stream.Close()

			assert.False(t, res.Interrupted)
			assert.Contains(t, res.Error, tt.wantErr)
			require.NotEmpty(t, c.parts)
			assert.Equal(t, output.TypeTraceback, c.parts[len(c.parts)-1].Type)
		})
	}
}

func TestRunInput(t *testing.T) {
	rt := newRuntime(t)
	c := &partCollector{}
	stream := output.NewStream(c.sink, output.Options{})
	b := answeringBridge(t, nil, "Ada", "36")

	src := `
local name = input("name? ")
local age = io.read()
print(name .. " is " .. age)
`
	res := rt.Run(context.Background(), Entry{Source: src}, b, stream)
	stream.Close()

	assert.Empty(t, res.Error)
	assert.Equal(t, "Ada is 36\n", res.Output)
	assert.Equal(t, output.Part{Type: output.TypeInputPrompt, Text: "name? "}, c.parts[0])
}

func TestRunInterrupted(t *testing.T) {
	t.Run("busy loop via context", func(t *testing.T) {
		rt := newRuntime(t)
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		res := rt.Run(ctx, Entry{Source: `while true do end`}, nil, nil)
		assert.True(t, res.Interrupted)
		assert.Empty(t, res.Error)
	})

	t.Run("blocked input via interrupt buffer", func(t *testing.T) {
		rt := newRuntime(t)
		ib := interrupt.New()
		b := answeringBridge(t, ib)
		time.AfterFunc(30*time.Millisecond, ib.Set)

		start := time.Now()
		res := rt.Run(context.Background(), Entry{Source: `input()`}, b, nil)
		assert.True(t, res.Interrupted)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("pcall can observe the interrupt", func(t *testing.T) {
		rt := newRuntime(t)
		ib := interrupt.New()
		b := answeringBridge(t, ib)
		ib.Set()

		res := rt.Run(context.Background(), Entry{Source: `local ok, err = pcall(sleep, 1) print(err)`}, b, nil)
		assert.Equal(t, KeyboardInterrupt+"\n", res.Output)
	})
}

func TestSleepDuration(t *testing.T) {
	tests := []struct {
		name    string
		seconds float64
		want    time.Duration
	}{
		{"fractional", 0.25, 250 * time.Millisecond},
		{"zero", 0, 0},
		{"negative", -3, 0},
		{"not a number", math.NaN(), 0},
		{"beyond range", 1e10, time.Duration(math.MaxInt64)},
		{"infinite", math.Inf(1), time.Duration(math.MaxInt64)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sleepDuration(tt.seconds))
		})
	}
}

func TestRunHugeSleepInterrupted(t *testing.T) {
	rt := newRuntime(t)
	ib := interrupt.New()
	b := answeringBridge(t, ib)
	time.AfterFunc(30*time.Millisecond, ib.Set)

	start := time.Now()
	res := rt.Run(context.Background(), Entry{Source: `sleep(1e10)`}, b, nil)
	assert.True(t, res.Interrupted)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRunInputWithoutChannel(t *testing.T) {
	rt := newRuntime(t)

	res := rt.Run(context.Background(), Entry{Source: `input()`}, bridge.New(bridge.Options{}), nil)
	assert.False(t, res.Interrupted)
	assert.Contains(t, res.Error, "does not support synchronous input")
}

func TestFactory(t *testing.T) {
	reg, err := Factory(Options{})()
	require.NoError(t, err)
	defer reg.Close()

	assert.Contains(t, reg.Tasks, TaskRunCode)
}
