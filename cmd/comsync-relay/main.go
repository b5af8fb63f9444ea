// Standalone message relay for deployments where the relay runs as its
// own process.
package main

import (
	"fmt"
	"os"

	"github.com/thruflo/comsync/internal/cli"
)

func main() {
	if err := cli.ExecuteRelay(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(cli.ExitCode(err))
	}
}
