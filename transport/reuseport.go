/*
File Name:  reuseport.go

Binds listening sockets with SO_REUSEADDR/SO_REUSEPORT set, so a restarted
master can rebind its configured ports immediately instead of hitting
"address already in use" while the previous socket lingers in TIME_WAIT.
The teacher ships an empty "reuseport" submodule whose go.mod already
requires golang.org/x/sys for exactly this purpose; this restores that
intent with real code.
*/

package transport

import (
	"context"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

func reuseControl(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		if sockErr != nil {
			return
		}
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

func listenTCPReusable(addr string) (*net.TCPListener, error) {
	lc := net.ListenConfig{Control: reuseControl}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, err
	}
	return ln.(*net.TCPListener), nil
}

func listenUDPReusable(addr string) (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: reuseControl}
	conn, err := lc.ListenPacket(context.Background(), "udp", addr)
	if err != nil {
		return nil, err
	}
	return conn.(*net.UDPConn), nil
}
