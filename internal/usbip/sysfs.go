package usbip

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// SysfsPath is a plain struct replacement for a subclassed path type: it
// holds a base directory and knows how to read/write the small set of
// single-line attribute files sysfs exposes for a USB device.
type SysfsPath struct {
	dir string
}

// NewSysfsPath builds a SysfsPath rooted at dir, e.g. /sys/bus/usb/devices/1-2.
func NewSysfsPath(dir string) SysfsPath {
	return SysfsPath{dir: dir}
}

func (p SysfsPath) Join(elem ...string) SysfsPath {
	return SysfsPath{dir: filepath.Join(append([]string{p.dir}, elem...)...)}
}

func (p SysfsPath) String() string {
	return p.dir
}

// attrSpec is the accessor-table entry replacing Python descriptors for
// sysfs fields: a file name relative to a device's sysfs directory, and
// the value substituted when the file is absent (some attributes only
// exist while a device is bound to a particular driver).
type attrSpec struct {
	name    string
	base    string
	missing string
}

var (
	attrDriver  = attrSpec{name: "driver", base: "", missing: ""}
	attrStatus  = attrSpec{name: "usbip_status", base: "", missing: "-1"}
	attrSockfd  = attrSpec{name: "usbip_sockfd", base: "", missing: ""}
	attrBind    = attrSpec{name: "bind", base: "/sys/bus/usb/drivers_probe", missing: ""}
)

// readAttr is the uniform read routine every accessor-table entry uses.
func (p SysfsPath) readAttr(spec attrSpec) (string, error) {
	data, err := os.ReadFile(filepath.Join(p.dir, spec.name))
	if err != nil {
		if os.IsNotExist(err) && spec.missing != "" {
			return spec.missing, nil
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (p SysfsPath) writeAttr(spec attrSpec, value string) error {
	return os.WriteFile(filepath.Join(p.dir, spec.name), []byte(value), 0644)
}

// KernelOps is the boundary to the operating-system kernel interfaces this
// subsystem only consumes: sysfs attribute files, driver bind/unbind,
// modprobe, and the vhci_hcd attach/detach files. The core logic (server
// accept loop, per-device serialization, client retry/backoff) is
// exercised against this interface; OSKernelOps is the real backend.
type KernelOps interface {
	CurrentDriver(busid string) (string, error)
	Unbind(busid, driver string) error
	Bind(busid, driver string) error
	LoadModule(name string) error
	Status(busid string) (int, error)
	WriteSockfd(busid string, fd int) error
	RestoreDefault(busid string) error
	Attach(vhciPort, fd int, devid uint32, speed Speed) error
	Detach(vhciPort int) error
	ScanStatus() (map[int]PortStatus, error)
}

// PortStatus is one parsed row of a vhci_hcd status[.N] file.
type PortStatus struct {
	Port     int
	Attached bool
	BusID    string
}

const usbipHostDriver = "usbip-host"

// OSKernelOps is the real sysfs/vhci-backed implementation of KernelOps.
type OSKernelOps struct {
	SysBusUSBDevices string
	SysBusUSBDrivers string
	VHCIDir          string
}

// NewOSKernelOps returns an OSKernelOps rooted at the conventional sysfs
// locations.
func NewOSKernelOps() *OSKernelOps {
	return &OSKernelOps{
		SysBusUSBDevices: "/sys/bus/usb/devices",
		SysBusUSBDrivers: "/sys/bus/usb/drivers",
		VHCIDir:          "/sys/devices/platform/vhci_hcd.0",
	}
}

func (k *OSKernelOps) devicePath(busid string) SysfsPath {
	return NewSysfsPath(filepath.Join(k.SysBusUSBDevices, busid))
}

func (k *OSKernelOps) CurrentDriver(busid string) (string, error) {
	link := filepath.Join(k.SysBusUSBDevices, busid, "driver")
	target, err := os.Readlink(link)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return filepath.Base(target), nil
}

func (k *OSKernelOps) Unbind(busid, driver string) error {
	if driver == "" {
		return nil
	}
	path := filepath.Join(k.SysBusUSBDrivers, driver, "unbind")
	return os.WriteFile(path, []byte(busid), 0200)
}

func (k *OSKernelOps) Bind(busid, driver string) error {
	path := filepath.Join(k.SysBusUSBDrivers, driver, "bind")
	return os.WriteFile(path, []byte(busid), 0200)
}

func (k *OSKernelOps) LoadModule(name string) error {
	return exec.Command("modprobe", name).Run()
}

func (k *OSKernelOps) Status(busid string) (int, error) {
	s, err := k.devicePath(busid).readAttr(attrStatus)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(s)
}

func (k *OSKernelOps) WriteSockfd(busid string, fd int) error {
	return k.devicePath(busid).writeAttr(attrSockfd, strconv.Itoa(fd))
}

func (k *OSKernelOps) RestoreDefault(busid string) error {
	driver, err := k.CurrentDriver(busid)
	if err != nil {
		return err
	}
	if driver != usbipHostDriver {
		return nil
	}
	if err := k.Unbind(busid, usbipHostDriver); err != nil {
		return err
	}
	return os.WriteFile(attrBind.base, []byte(busid), 0200)
}

func (k *OSKernelOps) Attach(vhciPort, fd int, devid uint32, speed Speed) error {
	line := fmt.Sprintf("%d %d %d %d", vhciPort, fd, devid, speed)
	return os.WriteFile(filepath.Join(k.VHCIDir, "attach"), []byte(line), 0200)
}

func (k *OSKernelOps) Detach(vhciPort int) error {
	_ = os.WriteFile(filepath.Join(k.VHCIDir, "detach"), []byte(strconv.Itoa(vhciPort)), 0200)
	return nil
}

// ScanStatus parses every status[.N] file under the vhci_hcd platform
// device. The kernel doesn't document the ordering of the N suffixes;
// this walks them in the order os.ReadDir returns (sorted by file name),
// and the result is a map keyed by port, so no file order is kept.
func (k *OSKernelOps) ScanStatus() (map[int]PortStatus, error) {
	entries, err := os.ReadDir(k.VHCIDir)
	if err != nil {
		return nil, err
	}
	result := make(map[int]PortStatus)
	for _, e := range entries {
		name := e.Name()
		if name != "status" && !strings.HasPrefix(name, "status.") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(k.VHCIDir, name))
		if err != nil {
			continue
		}
		for _, line := range strings.Split(string(data), "\n") {
			fields := strings.Fields(line)
			if len(fields) < 4 || fields[0] == "hub" {
				continue
			}
			port, err := strconv.Atoi(fields[0])
			if err != nil {
				continue
			}
			status, _ := strconv.Atoi(fields[1])
			busid := ""
			if len(fields) >= 8 {
				busid = fields[7]
			}
			result[port] = PortStatus{
				Port:     port,
				Attached: status != 0 && status != 6,
				BusID:    busid,
			}
		}
	}
	return result, nil
}

// DescriptorFromSysfs reads the fixed set of single-line attribute files
// every USB device directory exposes under /sys/bus/usb/devices/<busid>
// and assembles the wire descriptor sent in ImportReply.
func (k *OSKernelOps) DescriptorFromSysfs(busid string) (DeviceDescriptor, error) {
	p := k.devicePath(busid)

	readUint := func(name string, bits int) (uint64, error) {
		data, err := os.ReadFile(filepath.Join(p.dir, name))
		if err != nil {
			return 0, err
		}
		s := strings.TrimSpace(string(data))
		base := 10
		if strings.HasPrefix(name, "id") || name == "bcdDevice" {
			base = 16
		}
		return strconv.ParseUint(s, base, bits)
	}

	busnum, err := readUint("busnum", 32)
	if err != nil {
		return DeviceDescriptor{}, fmt.Errorf("reading busnum for %s: %w", busid, err)
	}
	devnum, err := readUint("devnum", 32)
	if err != nil {
		return DeviceDescriptor{}, fmt.Errorf("reading devnum for %s: %w", busid, err)
	}
	speedRaw, err := os.ReadFile(filepath.Join(p.dir, "speed"))
	if err != nil {
		return DeviceDescriptor{}, fmt.Errorf("reading speed for %s: %w", busid, err)
	}
	idVendor, err := readUint("idVendor", 16)
	if err != nil {
		return DeviceDescriptor{}, fmt.Errorf("reading idVendor for %s: %w", busid, err)
	}
	idProduct, err := readUint("idProduct", 16)
	if err != nil {
		return DeviceDescriptor{}, fmt.Errorf("reading idProduct for %s: %w", busid, err)
	}
	bcdDevice, err := readUint("bcdDevice", 16)
	if err != nil {
		return DeviceDescriptor{}, fmt.Errorf("reading bcdDevice for %s: %w", busid, err)
	}
	bDeviceClass, _ := readUint("bDeviceClass", 8)
	bDeviceSubClass, _ := readUint("bDeviceSubClass", 8)
	bDeviceProtocol, _ := readUint("bDeviceProtocol", 8)
	bConfigurationValue, _ := readUint("bConfigurationValue", 8)
	bNumConfigurations, _ := readUint("bNumConfigurations", 8)
	bNumInterfaces, _ := readUint("bNumInterfaces", 8)

	return DeviceDescriptor{
		BusNum:              uint32(busnum),
		DevNum:              uint32(devnum),
		Speed:               uint32(speedToConst(strings.TrimSpace(string(speedRaw)))),
		IDVendor:            uint16(idVendor),
		IDProduct:           uint16(idProduct),
		BCDDevice:           uint16(bcdDevice),
		BDeviceClass:        uint8(bDeviceClass),
		BDeviceSubClass:     uint8(bDeviceSubClass),
		BDeviceProtocol:     uint8(bDeviceProtocol),
		BConfigurationValue: uint8(bConfigurationValue),
		BNumConfigurations:  uint8(bNumConfigurations),
		BNumInterfaces:      uint8(bNumInterfaces),
	}, nil
}

// speedToConst maps the string sysfs reports in a device's speed file to
// the numeric speed enumeration used on the wire.
func speedToConst(s string) Speed {
	switch s {
	case "1.5":
		return SpeedLow
	case "12":
		return SpeedFull
	case "480":
		return SpeedHigh
	case "5000":
		return SpeedSuper
	case "10000":
		return SpeedSuperPlus
	default:
		return SpeedUnknown
	}
}

// refreshFIFOPath is the per-device FIFO an external uevent hook writes a
// byte to in order to wake a blocked "await available" loop.
func refreshFIFOPath(busid string) string {
	return fmt.Sprintf("/run/usbip-refresh-%s", busid)
}
