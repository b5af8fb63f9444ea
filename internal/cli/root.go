package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "comsync",
	Short: "Run Lua scripts that block on input and sleep, with interrupts",
	Long: `Comsync runs scripts on a background worker that can block synchronously
on user input and sleep while the foreground stays responsive. Interrupts
either unblock the script cooperatively or replace the worker outright.

Messages travel over shared memory when available and over a local HTTP
relay otherwise.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("comsync version {{.Version}}\n")
}

// ExitError carries a process exit code out of a command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// ExitCode returns the exit code for err: 0 for nil, the carried code for
// an ExitError, 1 otherwise.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return 1
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// ExecuteRelay runs the relay command as a standalone program.
func ExecuteRelay() error {
	cmd := newRelayCmd()
	cmd.Use = "comsync-relay"
	cmd.SilenceErrors = true
	cmd.Version = Version
	cmd.SetVersionTemplate("comsync-relay version {{.Version}}\n")
	return cmd.Execute()
}
