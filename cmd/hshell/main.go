// Package main is the entry point for the hshell binary.
//
// hshell keeps authenticated SSH connections open and forwards local
// loopback ports through them. Without arguments it opens the dashboard;
// subcommands manage servers, hold tunnels open (up, serve) and run remote
// commands (exec, shell).
//
// Usage:
//
//	hshell                 # dashboard
//	hshell server list     # configured servers
//	hshell up db           # connect db and hold its tunnels until Ctrl-C
//	hshell serve           # keep every server connected, reload on edits
package main

import (
	"fmt"
	"os"

	"github.com/treykane/hshell/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.ExitCode(err))
	}
}
