package taskclient

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thruflo/comsync/internal/bridge"
	"github.com/thruflo/comsync/internal/channel"
	"github.com/thruflo/comsync/internal/luarunner"
	"github.com/thruflo/comsync/internal/output"
	"github.com/thruflo/comsync/internal/testutil"
)

type collector struct {
	mu    sync.Mutex
	parts []output.Part
}

func (c *collector) sink(parts []output.Part) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.parts = append(c.parts, parts...)
}

func (c *collector) snapshot() []output.Part {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]output.Part(nil), c.parts...)
}

func newLuaClient(t *testing.T, mode channel.Mode, onRequest func(*Client, bridge.Request)) *Client {
	t.Helper()
	var c *Client
	opts := Options{Factory: luarunner.Factory(luarunner.Options{})}
	if onRequest != nil {
		opts.OnRequest = func(req bridge.Request) { onRequest(c, req) }
	}
	c = newTestClient(t, mode, opts)
	return c
}

func TestRunCodeEcho(t *testing.T) {
	for _, mode := range []channel.Mode{channel.ModeSharedMemory, channel.ModeRelay} {
		t.Run(string(mode), func(t *testing.T) {
			c := newLuaClient(t, mode, func(c *Client, req bridge.Request) {
				if req.Kind == bridge.KindInput {
					go c.WriteMessage("Ada")
				}
			})
			col := &collector{}

			ctx, cancel := testutil.TaskContext(t)
			defer cancel()
			res, err := c.RunCode(ctx, luarunner.Entry{Source: testutil.ScriptEcho}, col.sink, RunCodeOptions{})
			require.NoError(t, err)

			assert.False(t, res.Interrupted)
			assert.Empty(t, res.Error)
			assert.Equal(t, "hello Ada\n", res.Output)
			parts := col.snapshot()
			require.NotEmpty(t, parts)
			assert.Equal(t, output.Part{Type: output.TypeInputPrompt, Text: "name? "}, parts[0])
		})
	}
}

func TestRunCodeSleepInterrupted(t *testing.T) {
	c := newLuaClient(t, channel.ModeSharedMemory, nil)
	gen := c.WorkerGeneration()

	time.AfterFunc(100*time.Millisecond, func() { c.Interrupt(false) })

	var res luarunner.Result
	var err error
	testutil.AssertReturnsWithin(t, 2*time.Second, func() {
		res, err = c.RunCode(t.Context(), luarunner.Entry{Source: testutil.ScriptSleep}, nil, RunCodeOptions{})
	})
	require.NoError(t, err)
	assert.True(t, res.Interrupted)
	assert.Empty(t, res.Output)
	assert.Equal(t, gen, c.WorkerGeneration())
}

func TestRunCodeBusyLoopInterrupted(t *testing.T) {
	c := newLuaClient(t, channel.ModeSharedMemory, nil)

	time.AfterFunc(100*time.Millisecond, func() { c.Interrupt(false) })

	res, err := c.RunCode(t.Context(), luarunner.Entry{Source: testutil.ScriptBusy}, nil, RunCodeOptions{})
	require.NoError(t, err)
	assert.True(t, res.Interrupted)
}

func TestRunCodeForcedInterruptKeepsState(t *testing.T) {
	c := newLuaClient(t, channel.ModeSharedMemory, nil)

	_, err := c.RunCode(t.Context(), luarunner.Entry{Source: `counter = 41`}, nil, RunCodeOptions{})
	require.NoError(t, err)

	time.AfterFunc(100*time.Millisecond, func() { c.Interrupt(true) })
	res, err := c.RunCode(t.Context(), luarunner.Entry{Source: testutil.ScriptBusy}, nil, RunCodeOptions{})
	require.NoError(t, err)
	assert.True(t, res.Interrupted)

	// The replacement worker starts from a fresh interpreter.
	res, err = c.RunCode(t.Context(), luarunner.Entry{Source: `print(counter)`}, nil, RunCodeOptions{})
	require.NoError(t, err)
	assert.Equal(t, "nil\n", res.Output)
}

func TestRunCodeError(t *testing.T) {
	c := newLuaClient(t, channel.ModeSharedMemory, nil)
	col := &collector{}

	res, err := c.RunCode(t.Context(), luarunner.Entry{Source: testutil.ScriptError}, col.sink, RunCodeOptions{})
	require.NoError(t, err)
	assert.Contains(t, res.Error, "boom")

	parts := col.snapshot()
	require.NotEmpty(t, parts)
	assert.Equal(t, output.TypeTraceback, parts[len(parts)-1].Type)
}

func TestRunCodeHoldUntil(t *testing.T) {
	c := newLuaClient(t, channel.ModeSharedMemory, nil)
	col := &collector{}
	hold := make(chan struct{})

	done := make(chan luarunner.Result, 1)
	go func() {
		res, _ := c.RunCode(t.Context(), luarunner.Entry{Source: `print("a") sleep(0.2) print("b")`}, col.sink, RunCodeOptions{HoldUntil: hold})
		done <- res
	}()

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, col.snapshot())
	close(hold)

	require.Eventually(t, func() bool { return len(col.snapshot()) > 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "a\n", col.snapshot()[0].Text)

	res := <-done
	assert.Equal(t, "a\nb\n", res.Output)
}
