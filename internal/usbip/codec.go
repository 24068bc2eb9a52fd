// Package usbip implements the binary-framed USB/IP wire protocol
// (spec.md §4.3), bit-exact with Linux vhci-hcd's userspace protocol: the
// server side that binds devices to the usbip host driver and exports a
// socket fd into the kernel, and the client side that attaches a remote
// device to a local vhci port.
package usbip

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"regexp"

	"github.com/holesch/not-my-board/internal/apperr"
)

// Protocol version and message codes, exactly as Linux's usbip tools use
// them on the wire.
const (
	ProtocolVersion = 0x0111

	CodeImportRequest = 0x8003
	CodeImportReply   = 0x0003
)

// Speed mirrors the Linux USB speed enumeration used in the device
// descriptor's speed field.
type Speed uint32

const (
	SpeedUnknown Speed = iota
	SpeedLow
	SpeedFull
	SpeedHigh
	SpeedWireless
	SpeedSuper
	SpeedSuperPlus
)

// busIDPattern matches spec.md §3's usbid grammar: "[1-9][0-9]*-[1-9][0-9]*(\.[1-9][0-9]*)*".
var busIDPattern = regexp.MustCompile(`^[1-9][0-9]*-[1-9][0-9]*(\.[1-9][0-9]*)*$`)

// ValidBusID reports whether id matches the busid grammar used by every
// ExportedPart and USB/IP message.
func ValidBusID(id string) bool {
	return busIDPattern.MatchString(id)
}

// header is the 8-byte prefix of every USB/IP message on this subsystem's
// wire (the import-request/reply exchange; the full protocol has more
// message types not used by this core).
type header struct {
	Version uint16
	Code    uint16
	Status  uint32
}

// DeviceDescriptor is the fixed-layout descriptor carried by ImportReply,
// field-for-field identical to struct usbip_usb_device.
type DeviceDescriptor struct {
	BusNum              uint32
	DevNum              uint32
	Speed               uint32
	IDVendor            uint16
	IDProduct           uint16
	BCDDevice           uint16
	BDeviceClass        uint8
	BDeviceSubClass     uint8
	BDeviceProtocol     uint8
	BConfigurationValue uint8
	BNumConfigurations  uint8
	BNumInterfaces      uint8
}

// DevID packs busnum/devnum into the single devid value the kernel attach
// file expects: (busnum<<16) | devnum.
func (d DeviceDescriptor) DevID() uint32 {
	return d.BusNum<<16 | d.DevNum
}

func putFixedString(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

func getFixedString(src []byte) string {
	n := bytes.IndexByte(src, 0)
	if n == -1 {
		n = len(src)
	}
	return string(src[:n])
}

// WriteImportRequest sends a code-0x8003 Import request for busid.
func WriteImportRequest(w io.Writer, busid string) error {
	buf := make([]byte, 8+32)
	binary.BigEndian.PutUint16(buf[0:2], ProtocolVersion)
	binary.BigEndian.PutUint16(buf[2:4], CodeImportRequest)
	binary.BigEndian.PutUint32(buf[4:8], 0)
	putFixedString(buf[8:40], busid)
	_, err := w.Write(buf)
	return err
}

// ReadImportRequest reads and validates a code-0x8003 Import request.
func ReadImportRequest(r io.Reader) (busid string, err error) {
	buf := make([]byte, 8+32)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	h, err := decodeHeader(buf[:8], CodeImportRequest)
	if err != nil {
		return "", err
	}
	_ = h
	return getFixedString(buf[8:40]), nil
}

// WriteImportReply sends a code-0x0003 Import reply. status is the
// usbip_header status field (non-zero signals failure and path/busid/
// device are not meaningful).
func WriteImportReply(w io.Writer, status uint32, path, busid string, dev DeviceDescriptor) error {
	buf := make([]byte, 8+256+32+24)
	binary.BigEndian.PutUint16(buf[0:2], ProtocolVersion)
	binary.BigEndian.PutUint16(buf[2:4], CodeImportReply)
	binary.BigEndian.PutUint32(buf[4:8], status)
	putFixedString(buf[8:264], path)
	putFixedString(buf[264:296], busid)
	encodeDevice(buf[296:320], dev)
	_, err := w.Write(buf)
	return err
}

func encodeDevice(dst []byte, d DeviceDescriptor) {
	binary.BigEndian.PutUint32(dst[0:4], d.BusNum)
	binary.BigEndian.PutUint32(dst[4:8], d.DevNum)
	binary.BigEndian.PutUint32(dst[8:12], d.Speed)
	binary.BigEndian.PutUint16(dst[12:14], d.IDVendor)
	binary.BigEndian.PutUint16(dst[14:16], d.IDProduct)
	binary.BigEndian.PutUint16(dst[16:18], d.BCDDevice)
	dst[18] = d.BDeviceClass
	dst[19] = d.BDeviceSubClass
	dst[20] = d.BDeviceProtocol
	dst[21] = d.BConfigurationValue
	dst[22] = d.BNumConfigurations
	dst[23] = d.BNumInterfaces
}

func decodeDevice(src []byte) DeviceDescriptor {
	return DeviceDescriptor{
		BusNum:              binary.BigEndian.Uint32(src[0:4]),
		DevNum:              binary.BigEndian.Uint32(src[4:8]),
		Speed:               binary.BigEndian.Uint32(src[8:12]),
		IDVendor:            binary.BigEndian.Uint16(src[12:14]),
		IDProduct:           binary.BigEndian.Uint16(src[14:16]),
		BCDDevice:           binary.BigEndian.Uint16(src[16:18]),
		BDeviceClass:        src[18],
		BDeviceSubClass:     src[19],
		BDeviceProtocol:     src[20],
		BConfigurationValue: src[21],
		BNumConfigurations:  src[22],
		BNumInterfaces:      src[23],
	}
}

// ImportReply is the decoded form of a code-0x0003 message.
type ImportReply struct {
	Status uint32
	Path   string
	BusID  string
	Device DeviceDescriptor
}

// ReadImportReply reads and validates a code-0x0003 Import reply.
func ReadImportReply(r io.Reader) (*ImportReply, error) {
	buf := make([]byte, 8+256+32+24)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	version := binary.BigEndian.Uint16(buf[0:2])
	code := binary.BigEndian.Uint16(buf[2:4])
	status := binary.BigEndian.Uint32(buf[4:8])
	if version != ProtocolVersion {
		return nil, apperr.ProtocolError(fmt.Sprintf("unexpected version 0x%04x", version))
	}
	if code != CodeImportReply {
		return nil, apperr.ProtocolError(fmt.Sprintf("expected import reply, got code 0x%04x", code))
	}
	reply := &ImportReply{
		Status: status,
		Path:   getFixedString(buf[8:264]),
		BusID:  getFixedString(buf[264:296]),
		Device: decodeDevice(buf[296:320]),
	}
	if status != 0 {
		return reply, apperr.ProtocolError(fmt.Sprintf("import failed with status %d", status))
	}
	return reply, nil
}

// decodeHeader validates the common 8-byte header, enforcing spec.md's
// rule that an unexpected version or non-zero status is always a
// ProtocolError, and that a reply code is never accepted where a request
// was expected.
func decodeHeader(buf []byte, wantCode uint16) (header, error) {
	h := header{
		Version: binary.BigEndian.Uint16(buf[0:2]),
		Code:    binary.BigEndian.Uint16(buf[2:4]),
		Status:  binary.BigEndian.Uint32(buf[4:8]),
	}
	if h.Version != ProtocolVersion {
		return h, apperr.ProtocolError(fmt.Sprintf("unexpected version 0x%04x", h.Version))
	}
	if h.Status != 0 {
		return h, apperr.ProtocolError(fmt.Sprintf("unexpected non-zero status %d", h.Status))
	}
	if h.Code != wantCode {
		return h, apperr.ProtocolError(fmt.Sprintf("expected code 0x%04x, got 0x%04x", wantCode, h.Code))
	}
	return h, nil
}
