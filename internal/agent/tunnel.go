package agent

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/holesch/not-my-board/internal/apperr"
	"github.com/holesch/not-my-board/internal/config"
	"github.com/holesch/not-my-board/internal/exporter"
	"github.com/holesch/not-my-board/internal/httpclient"
	"github.com/holesch/not-my-board/internal/logger"
	"github.com/holesch/not-my-board/internal/netutil"
	"github.com/holesch/not-my-board/internal/usbip"
)

// TunnelKind distinguishes a USB/IP tunnel from a TCP port-forward.
type TunnelKind int

const (
	TunnelUSB TunnelKind = iota
	TunnelTCP
)

// TunnelDesc is one imported interface's realization plan: where it comes
// from on the exporter side and, for USB, which local vhci port it lands
// on or, for TCP, which local port it listens on. It is comparable so
// reservation updates can diff two tunnel sets with plain map equality.
type TunnelDesc struct {
	Key  string
	Kind TunnelKind

	BusID   string // USB only
	PortNum int    // USB only: vhci port_num from the import description

	RemoteHost string // TCP only
	RemotePort int    // TCP only
	LocalPort  int    // TCP only
}

// buildTunnels expands one matched imported part into its TunnelDescs,
// substituting exporterHost for a loopback proxy host per spec.md §4.6 —
// the import description's addresses come from the hub's catalog and
// would otherwise name the exporter's own loopback interface instead of
// a host the agent can actually reach.
func buildTunnels(partName string, imp config.ImportedPartConfig, pp PlacePart, exporterHost string) []TunnelDesc {
	var tunnels []TunnelDesc
	for name, portNum := range imp.USB {
		usb := pp.USB[name]
		tunnels = append(tunnels, TunnelDesc{
			Key:     fmt.Sprintf("%s.usb.%s", partName, name),
			Kind:    TunnelUSB,
			BusID:   usb.UsbID,
			PortNum: portNum,
		})
	}
	for name, localPort := range imp.TCP {
		tcp := pp.TCP[name]
		host := tcp.Host
		if isLoopback(host) {
			host = exporterHost
		}
		tunnels = append(tunnels, TunnelDesc{
			Key:        fmt.Sprintf("%s.tcp.%s", partName, name),
			Kind:       TunnelTCP,
			RemoteHost: host,
			RemotePort: tcp.Port,
			LocalPort:  localPort,
		})
	}
	return tunnels
}

func isLoopback(host string) bool {
	ip := net.ParseIP(host)
	if ip != nil {
		return ip.IsLoopback()
	}
	return host == "localhost"
}

// tunnelSet turns a slice of TunnelDesc into a map keyed by Key, the
// shape set-difference logic in the reservation update path operates on.
func tunnelSet(tunnels []TunnelDesc) map[string]TunnelDesc {
	set := make(map[string]TunnelDesc, len(tunnels))
	for _, t := range tunnels {
		set[t.Key] = t
	}
	return set
}

// diffTunnels reports which keys only old has (to close), which only new
// has (to open) and which are in both with an identical TunnelDesc (to
// keep untouched).
func diffTunnels(before, after map[string]TunnelDesc) (removed, added []TunnelDesc) {
	for key, t := range before {
		if at, ok := after[key]; !ok || at != t {
			removed = append(removed, t)
		}
	}
	for key, t := range after {
		if bt, ok := before[key]; !ok || bt != t {
			added = append(added, t)
		}
	}
	return removed, added
}

// openTunnel is one live tunnel's handle: Close tears it down.
type openTunnel struct {
	desc  TunnelDesc
	ready chan struct{}
	close func()
}

// tunnelDialer dials through place's exporter proxy to target, the shared
// CONNECT step both USB and TCP tunnels perform before doing anything
// protocol-specific.
type tunnelDialer struct {
	client *httpclient.Client
	place  Place
}

func (d *tunnelDialer) dial(ctx context.Context, target string) (net.Conn, error) {
	proxyAddr := fmt.Sprintf("%s:%d", d.place.Host, d.place.Port)
	return d.client.ConnectThrough(ctx, proxyAddr, target)
}

// openUSBTunnel starts the retry loop spec.md §4.6 describes: call
// usbip_attach, set the ready event on success, and on any failure log,
// sleep the current backoff delay, and double it up to 30s. It runs until
// ctx is cancelled.
func openUSBTunnel(ctx context.Context, desc TunnelDesc, dialer *tunnelDialer, kernel usbip.KernelOps, topology usbip.VHCITopology) *openTunnel {
	ready := make(chan struct{})
	tunnelCtx, cancel := context.WithCancel(ctx)
	log := logger.Agent()

	go func() {
		backoff := usbip.NewBackoffSchedule()
		client := usbip.NewClient(kernel, topology, func(dialCtx context.Context) (net.Conn, error) {
			return dialer.dial(dialCtx, exporter.UsbPseudoHost)
		})

		firstSuccess := true
		for {
			select {
			case <-tunnelCtx.Done():
				return
			default:
			}

			attached, err := client.Attach(tunnelCtx, desc.BusID, desc.PortNum)
			if err != nil {
				if tunnelCtx.Err() != nil {
					return
				}
				log.Warn().Err(err).Str("busid", desc.BusID).Msg("usbip attach failed, retrying")
				select {
				case <-time.After(backoff.Next()):
				case <-tunnelCtx.Done():
					return
				}
				continue
			}
			backoff.Reset()
			if firstSuccess {
				firstSuccess = false
				close(ready)
			}

			lost := waitForDetach(tunnelCtx, kernel, attached.VHCIPort)
			attached.Close()
			if !lost {
				return
			}
			log.Warn().Str("busid", desc.BusID).Msg("usbip transport lost, reattaching")
		}
	}()

	return &openTunnel{desc: desc, ready: ready, close: cancel}
}

// waitForDetach polls vhci_hcd's port status until either ctx is
// cancelled (the caller is tearing this tunnel down deliberately, so
// waitForDetach returns false — not a transport loss) or the port stops
// reporting attached (the kernel or remote side dropped the connection
// out from under us, so it returns true to trigger a reattach). Reading
// the tunnel's own net.Conn to detect this is not an option: once a
// device is attached, the vhci_hcd driver owns that socket's fd directly
// at the kernel level.
func waitForDetach(ctx context.Context, kernel usbip.KernelOps, vhciPort int) bool {
	const pollInterval = 2 * time.Second
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			statuses, err := kernel.ScanStatus()
			if err != nil {
				continue
			}
			if status, ok := statuses[vhciPort]; !ok || !status.Attached {
				return true
			}
		}
	}
}

// openTCPTunnel starts the long-lived local listener spec.md §4.6
// describes: listen on 127.0.0.1:local_port, and for each inbound
// connection CONNECT through the exporter to the remote target and relay
// bidirectionally. It's considered ready as soon as the listener is
// bound, since unlike USB there's no remote handshake to wait for.
func openTCPTunnel(ctx context.Context, desc TunnelDesc, dialer *tunnelDialer) (*openTunnel, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", desc.LocalPort))
	if err != nil {
		return nil, fmt.Errorf("listening for tunnel %s: %w", desc.Key, err)
	}

	tunnelCtx, cancel := context.WithCancel(ctx)
	log := logger.Agent()
	target := fmt.Sprintf("%s:%d", desc.RemoteHost, desc.RemotePort)

	go func() {
		<-tunnelCtx.Done()
		listener.Close()
	}()

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go relayTCPConn(tunnelCtx, conn, dialer, target, log)
		}
	}()

	ready := make(chan struct{})
	close(ready)
	return &openTunnel{desc: desc, ready: ready, close: func() {
		cancel()
		listener.Close()
	}}, nil
}

func relayTCPConn(ctx context.Context, local net.Conn, dialer *tunnelDialer, target string, log *zerolog.Logger) {
	defer local.Close()

	remote, err := dialer.dial(ctx, target)
	if err != nil {
		log.Warn().Err(err).Str("target", target).Msg("dialing exporter for tunnelled connection failed")
		return
	}
	defer remote.Close()

	if err := netutil.SetKeepAlive(remote, netutil.ClientDefault); err != nil {
		log.Debug().Err(err).Msg("failed to set keep-alive on tunnelled connection")
	}

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(remote, local)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(local, remote)
		done <- struct{}{}
	}()
	<-done
}

// waitReady blocks until every tunnel in tunnels signals ready or timeout
// elapses, returning apperr.TunnelReadyTimeout for the first one that
// didn't make it.
func waitReady(ctx context.Context, tunnels []*openTunnel, timeout time.Duration) error {
	deadline := time.After(timeout)
	for _, t := range tunnels {
		select {
		case <-t.ready:
		case <-deadline:
			return apperr.TunnelReadyTimeout(t.desc.Key)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
