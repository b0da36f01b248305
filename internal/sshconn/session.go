package sshconn

import (
	"context"
	"errors"
	"io"

	"golang.org/x/crypto/ssh"

	"github.com/treykane/hshell/internal/fault"
)

// TermSize is a terminal size in character cells.
type TermSize struct {
	Rows int
	Cols int
}

// ShellOptions configures an interactive session.
type ShellOptions struct {
	Term   string
	Size   TermSize
	Resize <-chan TermSize
}

// Run executes command in a new session and returns its exit status. A
// non-zero exit is not an error. Cancelling ctx closes the session.
func (c *Conn) Run(ctx context.Context, command string, stdout, stderr io.Writer) (int, error) {
	client, err := c.connectedClient("run")
	if err != nil {
		return -1, err
	}
	s, err := client.NewSession()
	if err != nil {
		return -1, fault.New(fault.Transport, "open session", c.record.Target(), err)
	}
	defer s.Close()
	s.Stdout = stdout
	s.Stderr = stderr

	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	err = s.Run(command)
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	return exitStatus(err)
}

func exitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var ee *ssh.ExitError
	if errors.As(err, &ee) {
		return ee.ExitStatus(), nil
	}
	return -1, err
}

// Shell starts an interactive login shell on a remote PTY and passes bytes
// through until the remote side exits or ctx is cancelled.
func (c *Conn) Shell(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, opts ShellOptions) error {
	client, err := c.connectedClient("shell")
	if err != nil {
		return err
	}
	s, err := client.NewSession()
	if err != nil {
		return fault.New(fault.Transport, "open session", c.record.Target(), err)
	}
	defer s.Close()

	term := opts.Term
	if term == "" {
		term = "xterm-256color"
	}
	rows, cols := opts.Size.Rows, opts.Size.Cols
	if rows <= 0 || cols <= 0 {
		rows, cols = 24, 80
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := s.RequestPty(term, rows, cols, modes); err != nil {
		return fault.New(fault.Transport, "request pty", c.record.Target(), err)
	}
	s.Stdin = stdin
	s.Stdout = stdout
	s.Stderr = stderr
	if err := s.Shell(); err != nil {
		return fault.New(fault.Transport, "start shell", c.record.Target(), err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Wait() }()
	for {
		select {
		case err := <-done:
			_, err = exitStatus(err)
			return err
		case <-ctx.Done():
			_ = s.Close()
			return ctx.Err()
		case sz, ok := <-opts.Resize:
			if !ok {
				opts.Resize = nil
				continue
			}
			if err := s.WindowChange(sz.Rows, sz.Cols); err != nil {
				c.log.Debug("window change failed", "error", err)
			}
		}
	}
}
