package usbip

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/holesch/not-my-board/internal/logger"
	"github.com/holesch/not-my-board/internal/netutil"
)

// Device is one exported USB device: its busid and the (static, collected
// once at startup) descriptor returned in every ImportReply.
type Device struct {
	BusID      string
	Descriptor DeviceDescriptor
}

// Server accepts USB/IP connections for a fixed set of devices, serializing
// driver-binding operations per device and exporting each accepted
// connection's socket fd into the kernel's usbip-host driver.
type Server struct {
	devices map[string]Device
	kernel  KernelOps

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	log *zerolog.Logger
}

// NewServer builds a Server for devices, using kernel for every sysfs/
// driver-binding operation.
func NewServer(devices []Device, kernel KernelOps) *Server {
	s := &Server{
		devices: make(map[string]Device, len(devices)),
		kernel:  kernel,
		locks:   make(map[string]*sync.Mutex, len(devices)),
		log:     logger.USBIP(),
	}
	for _, d := range devices {
		s.devices[d.BusID] = d
		s.locks[d.BusID] = &sync.Mutex{}
	}
	return s
}

func (s *Server) deviceLock(busid string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[busid]
	if !ok {
		l = &sync.Mutex{}
		s.locks[busid] = l
	}
	return l
}

// Serve runs the accept loop on listener until ctx is cancelled or the
// listener is closed. Each connection is handled on its own goroutine; a
// failure on one connection never takes down the accept loop.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
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
		go s.HandleConn(ctx, conn)
	}
}

// HandleConn drives one USB/IP client connection end to end: read the
// import request, look up the device, and export it. Used both by Serve's
// accept loop and directly by the exporter when a CONNECT tunnel to the
// usb.not-my-board.localhost pseudo-host is handed off to this server.
func (s *Server) HandleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if err := netutil.SetKeepAlive(conn, netutil.Default); err != nil {
		s.log.Debug().Err(err).Msg("failed to set keep-alive on USB/IP connection")
	}

	busid, err := ReadImportRequest(conn)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("malformed import request")
		return
	}

	device, ok := s.devices[busid]
	if !ok {
		s.log.Warn().Str("busid", busid).Msg("import request for unknown bus id")
		_ = WriteImportReply(conn, 1, "", "", DeviceDescriptor{})
		return
	}

	if err := s.exportDevice(ctx, conn, device); err != nil {
		s.log.Error().Err(err).Str("busid", busid).Msg("exporting device failed")
	}
}

// exportDevice implements spec.md §4.3's server-side lifecycle: bind the
// device to usbip-host, wait for it to become available, export the
// connection's fd, reply, then block until the kernel releases it or the
// client disconnects, handing the device back to its default driver on the
// way out (via drivers_probe; the driver read beforehand is not re-bound).
func (s *Server) exportDevice(ctx context.Context, conn net.Conn, device Device) error {
	lock := s.deviceLock(device.BusID)
	lock.Lock()
	defer lock.Unlock()

	previousDriver, err := s.kernel.CurrentDriver(device.BusID)
	if err != nil {
		return fmt.Errorf("reading current driver for %s: %w", device.BusID, err)
	}

	if err := s.bindHost(device.BusID, previousDriver); err != nil {
		return err
	}
	defer func() {
		if err := s.kernel.RestoreDefault(device.BusID); err != nil {
			s.log.Warn().Err(err).Str("busid", device.BusID).Msg("failed to restore original driver")
		}
	}()

	if err := s.awaitAvailable(ctx, device.BusID); err != nil {
		return err
	}

	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return fmt.Errorf("connection for %s is not a TCP connection", device.BusID)
	}
	file, err := tcpConn.File()
	if err != nil {
		return fmt.Errorf("duplicating socket fd for %s: %w", device.BusID, err)
	}
	fd := int(file.Fd())

	if err := s.kernel.WriteSockfd(device.BusID, fd); err != nil {
		file.Close()
		return fmt.Errorf("writing usbip_sockfd for %s: %w", device.BusID, err)
	}
	file.Close()

	if err := WriteImportReply(conn, 0, "", device.BusID, device.Descriptor); err != nil {
		return fmt.Errorf("sending import reply for %s: %w", device.BusID, err)
	}

	return s.awaitRelease(ctx, conn, device.BusID)
}

// bindHost unbinds the device from whatever driver currently holds it and
// binds it to usbip-host, loading the module first if it isn't present.
func (s *Server) bindHost(busid, previousDriver string) error {
	if previousDriver == usbipHostDriver {
		return nil
	}
	if err := s.kernel.Unbind(busid, previousDriver); err != nil {
		return fmt.Errorf("unbinding %s from %q: %w", busid, previousDriver, err)
	}
	if err := s.kernel.Bind(busid, usbipHostDriver); err != nil {
		if loadErr := s.kernel.LoadModule("usbip_host"); loadErr == nil {
			if err := s.kernel.Bind(busid, usbipHostDriver); err == nil {
				return nil
			}
		}
		return fmt.Errorf("binding %s to %s: %w", busid, usbipHostDriver, err)
	}
	return nil
}

const statusAvailable = 1

// awaitAvailable polls usbip_status until it reads AVAILABLE, also waking
// early when the device's refresh FIFO receives a byte.
func (s *Server) awaitAvailable(ctx context.Context, busid string) error {
	fifoCtx, stopFIFO := context.WithCancel(ctx)
	defer stopFIFO()
	wake := s.watchRefreshFIFO(fifoCtx, busid)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		status, err := s.kernel.Status(busid)
		if err == nil && status == statusAvailable {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-wake:
		}
	}
}

// awaitRelease blocks until the kernel has released the export (status
// returns to AVAILABLE again) or the client closes its end, whichever
// comes first.
func (s *Server) awaitRelease(ctx context.Context, conn net.Conn, busid string) error {
	closed := make(chan struct{})
	go func() {
		buf := make([]byte, 1)
		conn.Read(buf)
		close(closed)
	}()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-closed:
			return nil
		case <-ticker.C:
			status, err := s.kernel.Status(busid)
			if err == nil && status == statusAvailable {
				return nil
			}
		}
	}
}

// watchRefreshFIFO opens the per-device refresh FIFO non-blockingly and
// forwards a wake signal whenever a byte arrives, until ctx is done.
// The FIFO's existence is an external collaborator's responsibility
// (uevent hook); a missing FIFO just means this loop falls back to
// polling only.
func (s *Server) watchRefreshFIFO(ctx context.Context, busid string) chan struct{} {
	wake := make(chan struct{})
	path := refreshFIFOPath(busid)
	go func() {
		file, err := os.OpenFile(path, os.O_RDONLY, os.ModeNamedPipe)
		if err != nil {
			return
		}
		defer file.Close()
		buf := make([]byte, 1)
		for {
			if _, err := file.Read(buf); err != nil {
				return
			}
			select {
			case wake <- struct{}{}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return wake
}
