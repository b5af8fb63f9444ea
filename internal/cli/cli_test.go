package cli

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thruflo/comsync/internal/channel"
	"github.com/thruflo/comsync/internal/config"
	"github.com/thruflo/comsync/internal/luarunner"
	"github.com/thruflo/comsync/internal/relay"
	"github.com/thruflo/comsync/internal/testutil"
)

func testConfig(mode channel.Mode) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Transport.Mode = string(mode)
	cfg.Transport.PollIntervalMS = 20
	return &cfg
}

type scriptOutput struct {
	stdout bytes.Buffer
	stderr bytes.Buffer
}

func runTestScript(t *testing.T, mode channel.Mode, source, stdin string, prompts bool, interrupt <-chan os.Signal) (luarunner.Result, *scriptOutput) {
	t.Helper()
	out := &scriptOutput{}
	ctx, cancel := testutil.TaskContext(t)
	defer cancel()

	res, err := runScript(ctx, scriptRun{
		Config:    testConfig(mode),
		Entry:     luarunner.Entry{Source: source, Name: "test.lua"},
		Stdin:     strings.NewReader(stdin),
		Stdout:    &out.stdout,
		Stderr:    &out.stderr,
		Prompts:   prompts,
		Interrupt: interrupt,
	})
	require.NoError(t, err)
	return res, out
}

func TestRunScript_Echo(t *testing.T) {
	for _, mode := range []channel.Mode{channel.ModeSharedMemory, channel.ModeRelay} {
		t.Run(string(mode), func(t *testing.T) {
			res, out := runTestScript(t, mode, testutil.ScriptEcho, "Ada\n", false, nil)

			assert.False(t, res.Interrupted)
			assert.Empty(t, res.Error)
			assert.Equal(t, "hello Ada\n", out.stdout.String())
		})
	}
}

func TestRunScript_Prompts(t *testing.T) {
	tests := []struct {
		name    string
		prompts bool
		want    string
	}{
		{"terminal", true, "name? hello Ada\n"},
		{"pipe", false, "hello Ada\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, out := runTestScript(t, channel.ModeSharedMemory, testutil.ScriptEcho, "Ada\n", tt.prompts, nil)
			assert.Equal(t, tt.want, out.stdout.String())
		})
	}
}

func TestRunScript_EndOfInputInterrupts(t *testing.T) {
	res, out := runTestScript(t, channel.ModeSharedMemory, testutil.ScriptEcho, "", false, nil)

	assert.True(t, res.Interrupted)
	assert.Contains(t, out.stderr.String(), luarunner.KeyboardInterrupt)
}

func TestRunScript_Error(t *testing.T) {
	res, out := runTestScript(t, channel.ModeSharedMemory, testutil.ScriptError, "", false, nil)

	assert.Contains(t, res.Error, "boom")
	assert.Contains(t, out.stderr.String(), "boom")
}

func TestRunScript_Interrupts(t *testing.T) {
	tests := []struct {
		name    string
		source  string
		signals int
	}{
		{"cooperative sleep", testutil.ScriptSleep, 1},
		{"cooperative busy loop", testutil.ScriptBusy, 1},
		{"forced", testutil.ScriptSleep, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sigCh := make(chan os.Signal, tt.signals)
			time.AfterFunc(100*time.Millisecond, func() {
				for i := 0; i < tt.signals; i++ {
					sigCh <- os.Interrupt
				}
			})

			var res luarunner.Result
			testutil.AssertReturnsWithin(t, 3*time.Second, func() {
				res, _ = runTestScript(t, channel.ModeSharedMemory, tt.source, "", false, sigCh)
			})
			assert.True(t, res.Interrupted)
		})
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"plain", errors.New("x"), 1},
		{"interrupted", &ExitError{Code: ExitInterrupted}, ExitInterrupted},
		{"wrapped", errors.Join(errors.New("ctx"), &ExitError{Code: 3}), 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestRunCommand_Flags(t *testing.T) {
	assert.Equal(t, "run <file.lua>", runCmd.Use)
	assert.Error(t, runCmd.Args(runCmd, []string{}))
	assert.NoError(t, runCmd.Args(runCmd, []string{"a.lua"}))

	for _, name := range []string{"config", "transport", "log-level", "exec"} {
		assert.NotNil(t, runCmd.Flags().Lookup(name), name)
	}
}

func TestConfigFlags_Load(t *testing.T) {
	dir := testutil.SetupTestDir(t)
	path := filepath.Join(dir, config.Dir, "config.yaml")

	t.Run("file", func(t *testing.T) {
		f := configFlags{path: path}
		cfg, err := f.load()
		require.NoError(t, err)
		assert.Equal(t, "shared_memory", cfg.Transport.Mode)
	})

	t.Run("flags override file", func(t *testing.T) {
		f := configFlags{path: path, transport: "relay", logLevel: "error"}
		cfg, err := f.load()
		require.NoError(t, err)
		assert.Equal(t, "relay", cfg.Transport.Mode)
		assert.Equal(t, "error", cfg.Logging.Level)
	})

	t.Run("invalid flag", func(t *testing.T) {
		f := configFlags{path: path, transport: "pigeon"}
		_, err := f.load()
		assert.True(t, config.IsValidationError(err))
	})

	t.Run("missing file", func(t *testing.T) {
		f := configFlags{path: filepath.Join(dir, "nope.yaml")}
		_, err := f.load()
		assert.Error(t, err)
	})
}

func TestInitConfig(t *testing.T) {
	dir := t.TempDir()
	cmd := &cobra.Command{}
	var out bytes.Buffer
	cmd.SetOut(&out)

	require.NoError(t, initConfig(dir, false, cmd))
	assert.Contains(t, out.String(), "config.yaml")

	cfg, err := config.LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig(), *cfg)

	err = initConfig(dir, false, cmd)
	assert.ErrorContains(t, err, "already exists")
	assert.NoError(t, initConfig(dir, true, cmd))
}

func TestServeRelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	urls := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- serveRelay(ctx, relay.ServerOptions{ListenAddr: "127.0.0.1:0"}, func(url string) { urls <- url })
	}()

	var url string
	select {
	case url = <-urls:
	case err := <-errCh:
		t.Fatalf("relay exited: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not start")
	}

	rctx, rcancel := testutil.RelayContext(t)
	defer rcancel()
	require.NoError(t, channel.WaitReady(rctx, http.DefaultClient, url, time.Second))

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(relayShutdownTimeout + time.Second):
		t.Fatal("relay did not stop")
	}
}

func TestRelayCommand_Flags(t *testing.T) {
	cmd := newRelayCmd()
	assert.Equal(t, "relay", cmd.Use)

	flag := cmd.Flags().Lookup("listen")
	require.NotNil(t, flag)
	assert.Equal(t, "127.0.0.1:8765", flag.DefValue)
	assert.NotNil(t, cmd.Flags().Lookup("token"))
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	versionCmd.Run(versionCmd, nil)
	assert.Equal(t, "comsync version dev (relay protocol v1)\n", out.String())
}
