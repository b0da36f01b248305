//go:build windows

package cli

import (
	"os"

	"golang.org/x/term"

	"github.com/treykane/hshell/internal/sshconn"
)

func terminalSize(f *os.File) sshconn.TermSize {
	cols, rows, err := term.GetSize(int(f.Fd()))
	if err != nil {
		return sshconn.TermSize{}
	}
	return sshconn.TermSize{Rows: rows, Cols: cols}
}

// No SIGWINCH; the initial size is kept.
func watchResize(*os.File) (<-chan sshconn.TermSize, func()) {
	return nil, func() {}
}
