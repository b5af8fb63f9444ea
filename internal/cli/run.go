package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/thruflo/comsync/internal/bridge"
	"github.com/thruflo/comsync/internal/channel"
	"github.com/thruflo/comsync/internal/config"
	"github.com/thruflo/comsync/internal/logging"
	"github.com/thruflo/comsync/internal/luarunner"
	"github.com/thruflo/comsync/internal/output"
	"github.com/thruflo/comsync/internal/taskclient"
)

// ExitInterrupted is the exit code of an interrupted script.
const ExitInterrupted = 130

var (
	runFlags configFlags
	runExec  bool
)

var runCmd = &cobra.Command{
	Use:   "run <file.lua>",
	Short: "Run a Lua script with synchronous input and sleep",
	Long: `Run a Lua script on a background worker.

The script can call input(prompt), io.read() and sleep(seconds). Each line
of standard input answers one input request. Prompts are shown only when
standard input is a terminal.

The first Ctrl+C interrupts the script cooperatively: a blocked input or
sleep fails with KeyboardInterrupt, and a busy script is stopped at its
next instruction. A second Ctrl+C terminates the worker.

Example:
  comsync run greet.lua
  echo Ada | comsync run greet.lua --transport relay`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runFlags.register(runCmd)
	runCmd.Flags().BoolVar(&runExec, "exec", false, "run with isolated globals")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	source, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read script: %w", err)
	}

	cfg, err := runFlags.load()
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	mode := luarunner.ModeShell
	if runExec {
		mode = luarunner.ModeExec
	}

	res, err := runScript(ctx, scriptRun{
		Config:    cfg,
		Entry:     luarunner.Entry{Source: string(source), Name: filepath.Base(args[0]), Mode: mode},
		Stdin:     os.Stdin,
		Stdout:    cmd.OutOrStdout(),
		Stderr:    cmd.ErrOrStderr(),
		Prompts:   term.IsTerminal(int(os.Stdin.Fd())),
		Interrupt: sigCh,
	})
	if err != nil {
		return err
	}
	if res.Interrupted {
		return &ExitError{Code: ExitInterrupted, Err: errors.New("interrupted")}
	}
	if res.Error != "" {
		return &ExitError{Code: 1, Err: errors.New("script failed")}
	}
	return nil
}

// scriptRun is one invocation of runScript.
type scriptRun struct {
	Config *config.Config
	Entry  luarunner.Entry

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// Prompts echoes input prompts to Stdout.
	Prompts bool

	// Interrupt delivers interrupt requests. The first is cooperative,
	// later ones force.
	Interrupt <-chan os.Signal
}

// runScript runs one script through a TaskClient, answering input
// requests with lines from Stdin.
func runScript(ctx context.Context, r scriptRun) (luarunner.Result, error) {
	log := logging.With("component", "run")

	tr, err := channel.Negotiate(ctx, r.Config.NegotiateOptions(log))
	if err != nil {
		return luarunner.Result{}, err
	}
	defer tr.Close()
	log.Debug("transport negotiated", "mode", string(tr.Mode()))

	done := make(chan struct{})
	defer close(done)
	lines := make(chan string)
	go scanLines(r.Stdin, lines, done)

	var client *taskclient.Client
	var ready sync.WaitGroup
	ready.Add(1)

	onRequest := func(req bridge.Request) {
		if req.Kind != bridge.KindInput {
			return
		}
		go func() {
			ready.Wait()
			select {
			case line, ok := <-lines:
				if !ok {
					// End of input interrupts the read.
					client.Interrupt(false)
					return
				}
				if err := client.WriteMessage(line); err != nil {
					log.Warn("failed to deliver input", "error", err)
				}
			case <-done:
			}
		}()
	}

	client, err = taskclient.New(taskclient.Options{
		Factory:                luarunner.Factory(luarunner.Options{Logger: log}),
		Transport:              tr,
		DisableInterruptBuffer: !r.Config.Interrupt.Buffer,
		OnRequest:              onRequest,
		Logger:                 log,
	})
	ready.Done()
	if err != nil {
		return luarunner.Result{}, err
	}
	defer client.Close()

	go func() {
		forced := false
		for {
			select {
			case <-done:
				return
			case _, ok := <-r.Interrupt:
				if !ok {
					return
				}
				if err := client.Interrupt(forced); err != nil {
					log.Warn("interrupt failed", "error", err)
				}
				forced = true
			}
		}
	}()

	sink := newTerminalSink(r.Stdout, r.Stderr, r.Prompts)
	return client.RunCode(ctx, r.Entry, sink.write, taskclient.RunCodeOptions{})
}

func scanLines(in io.Reader, lines chan<- string, stop <-chan struct{}) {
	defer close(lines)
	if in == nil {
		return
	}
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		select {
		case lines <- scanner.Text():
		case <-stop:
			return
		}
	}
}

// terminalSink writes streamed output parts to the process streams.
type terminalSink struct {
	mu      sync.Mutex
	stdout  io.Writer
	stderr  io.Writer
	prompts bool
}

func newTerminalSink(stdout, stderr io.Writer, prompts bool) *terminalSink {
	return &terminalSink{stdout: stdout, stderr: stderr, prompts: prompts}
}

func (s *terminalSink) write(parts []output.Part) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range parts {
		switch p.Type {
		case output.TypeStdout:
			io.WriteString(s.stdout, p.Text)
		case output.TypeInputPrompt:
			if s.prompts {
				io.WriteString(s.stdout, p.Text)
			}
		case output.TypeStderr, output.TypeTraceback:
			io.WriteString(s.stderr, p.Text)
		}
	}
}
