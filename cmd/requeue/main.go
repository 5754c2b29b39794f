package main

import (
	"fmt"
	"os"

	"github.com/nickpoorman/http-requeue/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "requeue:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
