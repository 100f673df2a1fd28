// Command capsule runs and inspects a reactive capsule database.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/roach88/capsule/internal/cli"
	"github.com/roach88/capsule/internal/ir"
)

func main() {
	root := cli.NewRootCommand()
	root.Version = ir.EngineVersion

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
