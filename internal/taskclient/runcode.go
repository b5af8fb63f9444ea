package taskclient

import (
	"context"
	"fmt"

	"github.com/thruflo/comsync/internal/luarunner"
	"github.com/thruflo/comsync/internal/output"
)

// RunCodeOptions configures RunCode.
type RunCodeOptions struct {
	// HoldUntil, if set, holds output back until it is closed. Output
	// produced before then is delivered in order on release.
	HoldUntil <-chan struct{}
	// QueueSize overrides the output queue size.
	QueueSize int
}

// RunCode runs a script through the runCode task, streaming its output to
// sink. An interrupted run is not an error: it returns a Result with
// Interrupted set. Output produced after the run settles is dropped.
func (c *Client) RunCode(ctx context.Context, entry luarunner.Entry, sink output.Sink, opts RunCodeOptions) (luarunner.Result, error) {
	stream := output.NewStream(sink, output.Options{QueueSize: opts.QueueSize})
	if opts.HoldUntil != nil {
		stream.Hold()
		go func() {
			<-opts.HoldUntil
			stream.Release()
		}()
	}

	value, err := c.RunTask(ctx, luarunner.TaskRunCode, entry, stream)
	stream.Close()

	if IsInterrupt(err) {
		return luarunner.Result{Interrupted: true}, nil
	}
	if err != nil {
		return luarunner.Result{}, err
	}

	result, ok := value.(luarunner.Result)
	if !ok {
		return luarunner.Result{}, fmt.Errorf("%s returned %T", luarunner.TaskRunCode, value)
	}
	return result, nil
}
