package exporter

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/holesch/not-my-board/internal/config"
	"github.com/holesch/not-my-board/internal/logger"
	"github.com/holesch/not-my-board/internal/usbip"
)

// UsbPseudoHost is the CONNECT target importers use to reach the embedded
// USB/IP server, since USB/IP has no listening socket of its own on the
// exporter side; every USB/IP connection is tunnelled in behind a CONNECT
// to this pseudo-host instead.
const UsbPseudoHost = "usb.not-my-board.localhost:3240"

// Proxy is the HTTP-CONNECT frontend spec.md §4.5 describes: it accepts
// only CONNECT, to one of a fixed set of targets, from a client IP
// currently on the allow-list, and otherwise fails closed without
// revealing which targets or IPs would have been accepted.
type Proxy struct {
	targets   map[string]bool
	allow     *allowList
	usbServer *usbip.Server
	log       *zerolog.Logger
}

// NewProxy builds a Proxy for desc's exported TCP endpoints plus the USB/IP
// pseudo-host, gated by allow.
func NewProxy(desc *config.ExportDescription, usbServer *usbip.Server, allow *allowList) *Proxy {
	targets := map[string]bool{UsbPseudoHost: true}
	for _, part := range desc.Parts {
		for _, tcp := range part.TCP {
			targets[fmt.Sprintf("%s:%d", tcp.Host, tcp.Port)] = true
		}
	}
	return &Proxy{
		targets:   targets,
		allow:     allow,
		usbServer: usbServer,
		log:       logger.Exporter(),
	}
}

// Serve runs the accept loop on listener until ctx is cancelled.
func (p *Proxy) Serve(ctx context.Context, listener net.Listener) error {
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return err
			}
		}
		go p.handleConn(ctx, conn)
	}
}

func (p *Proxy) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	ip, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		ip = conn.RemoteAddr().String()
	}

	if !p.allow.Allowed(ip) {
		p.log.Debug().Str("remote", ip).Msg("CONNECT from IP not on allow-list")
		writeStatusLine(conn, http.StatusForbidden, "IP address is not allowed", nil)
		return
	}

	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	if err != nil {
		p.log.Debug().Err(err).Str("remote", ip).Msg("malformed CONNECT request")
		return
	}

	if req.Method != http.MethodConnect {
		writeStatusLine(conn, http.StatusMethodNotAllowed, "only CONNECT is supported", map[string]string{"Allow": http.MethodConnect})
		return
	}

	target := req.Host
	if target == "" {
		target = req.RequestURI
	}
	if !p.targets[target] {
		p.log.Debug().Str("remote", ip).Str("target", target).Msg("CONNECT to unknown target")
		writeStatusLine(conn, http.StatusForbidden, "requested target is not allowed", nil)
		return
	}

	tunnelCtx, cancel := context.WithCancel(ctx)
	untrack := p.allow.track(ip, cancel)
	defer untrack()
	defer cancel()

	if _, err := io.WriteString(conn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return
	}

	if target == UsbPseudoHost {
		// USB/IP needs the raw *net.TCPConn to duplicate its fd into the
		// kernel driver, so it can't be wrapped like the TCP relay path
		// below. Clients always wait for the 200 response before writing
		// their import request, so nothing is ever buffered here in
		// practice.
		p.usbServer.HandleConn(tunnelCtx, conn)
		return
	}

	var tunnel net.Conn = conn
	if br.Buffered() > 0 {
		buffered, _ := br.Peek(br.Buffered())
		tunnel = &prefixedConn{Conn: conn, prefix: append([]byte(nil), buffered...)}
	}

	p.relay(tunnelCtx, tunnel, target)
}

// relay dials target and copies bytes in both directions until either side
// closes or ctx is cancelled.
func (p *Proxy) relay(ctx context.Context, client net.Conn, target string) {
	var d net.Dialer
	backend, err := d.DialContext(ctx, "tcp", target)
	if err != nil {
		p.log.Warn().Err(err).Str("target", target).Msg("dialing CONNECT backend failed")
		return
	}
	defer backend.Close()

	go func() {
		<-ctx.Done()
		backend.Close()
		client.Close()
	}()

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(backend, client)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(client, backend)
		done <- struct{}{}
	}()
	<-done
}

func writeStatusLine(conn net.Conn, code int, body string, headers map[string]string) {
	var extra string
	for k, v := range headers {
		extra += fmt.Sprintf("%s: %s\r\n", k, v)
	}
	fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\nContent-Length: %d\r\nConnection: close\r\n%s\r\n%s",
		code, http.StatusText(code), len(body), extra, body)
}

// prefixedConn replays bytes the request reader had already buffered past
// the CONNECT request before the raw connection is handed to a backend,
// mirroring httpclient.Client's own prefixedConn on the dialing side.
type prefixedConn struct {
	net.Conn
	prefix []byte
}

func (p *prefixedConn) Read(b []byte) (int, error) {
	if len(p.prefix) > 0 {
		n := copy(b, p.prefix)
		p.prefix = p.prefix[n:]
		return n, nil
	}
	return p.Conn.Read(b)
}
