//go:build !unix

package tunnel

import (
	"context"
	"net"
)

func listen(addr string) (net.Listener, error) {
	var lc net.ListenConfig
	return lc.Listen(context.Background(), "tcp", addr)
}
