//go:build !windows

package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/creack/pty"

	"github.com/treykane/hshell/internal/sshconn"
)

func terminalSize(f *os.File) sshconn.TermSize {
	ws, err := pty.GetsizeFull(f)
	if err != nil {
		return sshconn.TermSize{}
	}
	return sshconn.TermSize{Rows: int(ws.Rows), Cols: int(ws.Cols)}
}

// watchResize delivers the new terminal size on every SIGWINCH.
func watchResize(f *os.File) (<-chan sshconn.TermSize, func()) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGWINCH)
	out := make(chan sshconn.TermSize, 1)
	done := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case <-sig:
				select {
				case out <- terminalSize(f):
				default:
				}
			}
		}
	}()
	return out, func() {
		signal.Stop(sig)
		close(done)
	}
}
