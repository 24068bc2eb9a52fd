// Package netutil holds small TCP-tuning helpers shared by the USB/IP
// server/client and the agent's TCP tunnels.
package netutil

import (
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// KeepAlive is the idle/interval/count triple spec.md's transports use:
// idle 5s, interval 5s, count 3 (the client side of a tunnel adds a 2s
// grace to idle).
type KeepAlive struct {
	Idle     time.Duration
	Interval time.Duration
	Count    int
}

// Default is the keep-alive setting used by the USB/IP server, including
// on connections the exporter's proxy hands to it; the proxy's raw TCP
// relays do not set keep-alive.
var Default = KeepAlive{Idle: 5 * time.Second, Interval: 5 * time.Second, Count: 3}

// ClientDefault is Default with the +2s idle grace spec.md gives the
// client side of a tunnel.
var ClientDefault = KeepAlive{Idle: 7 * time.Second, Interval: 5 * time.Second, Count: 3}

// SetKeepAlive enables TCP keep-alive on conn with the given idle time,
// probe interval and probe count, falling back to the coarser
// SetKeepAlivePeriod when the raw socket isn't reachable (or on
// platforms without the fine-grained sockopts). A conn that is not a
// *net.TCPConn (e.g. a TLS or prefix-replaying wrapper) is left unchanged
// and nil is returned.
func SetKeepAlive(conn net.Conn, ka KeepAlive) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	if err := tcpConn.SetKeepAlive(true); err != nil {
		return err
	}

	raw, err := tcpConn.SyscallConn()
	if err != nil {
		return tcpConn.SetKeepAlivePeriod(ka.Idle)
	}

	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = setSockoptKeepAlive(int(fd), ka)
	})
	if err != nil {
		return err
	}
	if sockErr != nil {
		return tcpConn.SetKeepAlivePeriod(ka.Idle)
	}
	return nil
}

func setSockoptKeepAlive(fd int, ka KeepAlive) error {
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, int(ka.Idle.Seconds())); err != nil {
		return err
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, int(ka.Interval.Seconds())); err != nil {
		return err
	}
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPCNT, ka.Count)
}
