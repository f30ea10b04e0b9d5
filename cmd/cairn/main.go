package main

import (
	"fmt"
	"os"

	"github.com/roach88/cairn/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		// Commands silence cobra's own error printing and rely on this
		// single exit path.
		fmt.Fprintf(os.Stderr, "cairn: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
