// Package main is the shiftsync command line entry point.
package main

import (
	"fmt"
	"os"

	"github.com/kimhsiao/shiftsync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
