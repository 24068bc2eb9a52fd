package usbip

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/holesch/not-my-board/internal/apperr"
	"github.com/holesch/not-my-board/internal/logger"
	"github.com/holesch/not-my-board/internal/netutil"
)

// DefaultVHCIPlatformDir is where every vhci_hcd.N platform device
// directory lives.
const DefaultVHCIPlatformDir = "/sys/devices/platform"

// DetectVHCITopology counts the vhci_hcd.N controller directories under
// platformDir and reads vhci_hcd.0/nports for the total port count across
// all controllers, the same two numbers modinfo vhci-hcd's vhci_nr_hcs parameter
// and the driver's nports attribute expose, without requiring the agent
// to parse module parameters directly.
func DetectVHCITopology(platformDir string) (VHCITopology, error) {
	entries, err := os.ReadDir(platformDir)
	if err != nil {
		return VHCITopology{}, fmt.Errorf("reading %s: %w", platformDir, err)
	}

	numControllers := 0
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "vhci_hcd.") {
			numControllers++
		}
	}
	if numControllers == 0 {
		return VHCITopology{}, fmt.Errorf("no vhci_hcd controllers found under %s; is the vhci-hcd module loaded?", platformDir)
	}

	nportsPath := filepath.Join(platformDir, "vhci_hcd.0", "nports")
	data, err := os.ReadFile(nportsPath)
	if err != nil {
		return VHCITopology{}, fmt.Errorf("reading %s: %w", nportsPath, err)
	}
	nports, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return VHCITopology{}, fmt.Errorf("parsing %s: %w", nportsPath, err)
	}

	return VHCITopology{NumControllers: numControllers, NumPorts: nports}, nil
}

// VHCITopology describes the local vhci_hcd installation's port layout,
// used by PortForNum to compute the deterministic port_num → vhci_port
// mapping.
type VHCITopology struct {
	NumControllers int // vhci_nr_hcs: number of vhci_hcd.* platform devices
	NumPorts       int // nports: total port count across all controllers
}

// PortForNum implements spec.md §4.3's deterministic mapping from a
// caller-supplied port_num to a vhci port index.
func (t VHCITopology) PortForNum(portNum int, speed Speed) (int, error) {
	vhciPorts := t.NumPorts / t.NumControllers
	vhciHCPorts := vhciPorts / 2

	hcdNr := portNum / vhciHCPorts
	port := hcdNr*vhciPorts + portNum%vhciHCPorts
	if speed == SpeedSuper || speed == SpeedSuperPlus {
		port += vhciHCPorts
	}

	if port >= t.NumPorts {
		return 0, apperr.PortOutOfRange(port)
	}
	return port, nil
}

// Client dials an exporter's USB/IP endpoint and attaches devices to the
// local vhci_hcd. Each Attach call is a single attempt; BackoffSchedule
// supplies the delays for a caller's retry loop.
type Client struct {
	kernel       KernelOps
	topology     VHCITopology
	dial         func(ctx context.Context) (net.Conn, error)
	attachedOnce bool

	log *zerolog.Logger
}

// NewClient builds a Client that dials via dial (typically a function
// tunnelling through the exporter's HTTP CONNECT proxy) and drives the
// given vhci_hcd topology.
func NewClient(kernel KernelOps, topology VHCITopology, dial func(ctx context.Context) (net.Conn, error)) *Client {
	return &Client{kernel: kernel, topology: topology, dial: dial, log: logger.USBIP()}
}

// Attached is the result of a successful Attach: the vhci port the device
// landed on and the connection carrying the export, which must be kept
// open (and eventually closed, which also detaches) for as long as the
// device should stay attached.
type Attached struct {
	VHCIPort int
	conn     net.Conn
	client   *Client
}

// Close detaches the device and closes the underlying connection.
func (a *Attached) Close() error {
	a.client.kernel.Detach(a.VHCIPort)
	return a.conn.Close()
}

// Attach dials the exporter, performs the Import request/reply exchange
// for busid, and attaches the resulting device at the vhci port mapped
// from portNum. The first attach attempt uses a 1s timeout; later
// attempts (after a prior success) block without a timeout, since the
// kernel legitimately waits for the remote side to be ready.
func (c *Client) Attach(ctx context.Context, busid string, portNum int) (*Attached, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}

	if err := netutil.SetKeepAlive(conn, netutil.ClientDefault); err != nil {
		c.log.Debug().Err(err).Msg("failed to set keep-alive on USB/IP client connection")
	}

	if err := WriteImportRequest(conn, busid); err != nil {
		conn.Close()
		return nil, err
	}
	reply, err := ReadImportReply(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	vhciPort, err := c.topology.PortForNum(portNum, Speed(reply.Device.Speed))
	if err != nil {
		conn.Close()
		return nil, err
	}

	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		conn.Close()
		return nil, apperr.ProtocolError("USB/IP client connection is not TCP")
	}
	file, err := tcpConn.File()
	if err != nil {
		conn.Close()
		return nil, err
	}
	fd := int(file.Fd())

	attachCtx := ctx
	var cancel context.CancelFunc
	if !c.attachedOnce {
		attachCtx, cancel = context.WithTimeout(ctx, time.Second)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		done <- c.kernel.Attach(vhciPort, fd, reply.Device.DevID(), Speed(reply.Device.Speed))
	}()

	select {
	case err := <-done:
		file.Close()
		if err != nil {
			conn.Close()
			return nil, apperr.AttachTimeout()
		}
	case <-attachCtx.Done():
		file.Close()
		conn.Close()
		return nil, apperr.AttachTimeout()
	}

	c.attachedOnce = true
	return &Attached{VHCIPort: vhciPort, conn: conn, client: c}, nil
}

// BackoffSchedule yields spec.md §4.6's attach retry delays: starting at
// 1s and doubling up to a 30s ceiling.
type BackoffSchedule struct {
	next time.Duration
}

// NewBackoffSchedule returns a fresh schedule starting at 1s.
func NewBackoffSchedule() *BackoffSchedule {
	return &BackoffSchedule{next: time.Second}
}

// Next returns the next delay and advances the schedule, capping at 30s.
func (b *BackoffSchedule) Next() time.Duration {
	d := b.next
	b.next *= 2
	if b.next > 30*time.Second {
		b.next = 30 * time.Second
	}
	return d
}

// Reset restarts the schedule at 1s, e.g. after a successful attach.
func (b *BackoffSchedule) Reset() {
	b.next = time.Second
}

// Detach writes vhciPort to the kernel detach file, ignoring errors as
// spec.md §4.3 requires.
func (c *Client) Detach(vhciPort int) {
	c.kernel.Detach(vhciPort)
}

// ScanStatus returns the {port → attached, busid} map parsed from every
// status[.N] file under vhci_hcd.0. The files are parsed afresh on every
// call; no result is cached between calls.
func (c *Client) ScanStatus() (map[int]PortStatus, error) {
	return c.kernel.ScanStatus()
}
