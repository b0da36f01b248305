package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/treykane/hshell/internal/registry"
	"github.com/treykane/hshell/internal/sshconn"
)

// exitCodeError carries a remote exit status out of cobra.
type exitCodeError struct{ code int }

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("remote command exited with status %d", e.code)
}

// ExitCode returns the process exit code for err.
func ExitCode(err error) int {
	var ec *exitCodeError
	if errors.As(err, &ec) {
		return ec.code
	}
	return 1
}

func (a *app) openSession(ctx context.Context, ref string) (*sshconn.Conn, error) {
	recs, err := a.records()
	if err != nil {
		return nil, err
	}
	rec, err := registry.New(recs, registry.Options{}).Resolve(ref)
	if err != nil {
		return nil, err
	}
	c, err := a.connectSingle(ctx, rec)
	if err != nil {
		return nil, a.userError(err)
	}
	return c, nil
}

func newExecCmd(rf *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "exec <server> -- <command>...",
		Short: "Run a command on a server and print its output",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rf.app()
			if err != nil {
				return err
			}
			c, err := a.openSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer c.Disconnect()
			code, err := c.Run(cmd.Context(), strings.Join(args[1:], " "), cmd.OutOrStdout(), cmd.ErrOrStderr())
			if err != nil {
				return a.userError(err)
			}
			if code != 0 {
				return &exitCodeError{code: code}
			}
			return nil
		},
	}
}

func newShellCmd(rf *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "shell <server>",
		Short: "Open an interactive shell on a server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fd := int(os.Stdin.Fd())
			if !term.IsTerminal(fd) {
				return fmt.Errorf("shell needs a terminal on stdin")
			}
			a, err := rf.app()
			if err != nil {
				return err
			}
			c, err := a.openSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer c.Disconnect()

			state, err := term.MakeRaw(fd)
			if err != nil {
				return fmt.Errorf("raw mode: %w", err)
			}
			defer func() { _ = term.Restore(fd, state) }()

			resize, stop := watchResize(os.Stdin)
			defer stop()
			err = c.Shell(cmd.Context(), os.Stdin, os.Stdout, os.Stderr, sshconn.ShellOptions{
				Term:   os.Getenv("TERM"),
				Size:   terminalSize(os.Stdin),
				Resize: resize,
			})
			return a.userError(err)
		},
	}
}
