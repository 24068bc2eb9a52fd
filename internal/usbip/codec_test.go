package usbip

import (
	"bytes"
	"testing"
)

func TestImportRequestRoundTrip(t *testing.T) {
	cases := []string{"1-2", "1-2.3", "3-11.2.8"}
	for _, busid := range cases {
		var buf bytes.Buffer
		if err := WriteImportRequest(&buf, busid); err != nil {
			t.Fatalf("WriteImportRequest(%q): %v", busid, err)
		}
		original := append([]byte(nil), buf.Bytes()...)

		got, err := ReadImportRequest(&buf)
		if err != nil {
			t.Fatalf("ReadImportRequest(%q): %v", busid, err)
		}
		if got != busid {
			t.Errorf("busid round-trip: got %q, want %q", got, busid)
		}

		var repacked bytes.Buffer
		if err := WriteImportRequest(&repacked, got); err != nil {
			t.Fatalf("re-pack: %v", err)
		}
		if !bytes.Equal(repacked.Bytes(), original) {
			t.Errorf("pack(unpack(bytes)) != bytes for %q", busid)
		}
	}
}

func TestImportReplyRoundTrip(t *testing.T) {
	dev := DeviceDescriptor{
		BusNum:              1,
		DevNum:              7,
		Speed:               uint32(SpeedHigh),
		IDVendor:            0x1d6b,
		IDProduct:           0x0002,
		BCDDevice:           0x0100,
		BDeviceClass:        9,
		BDeviceSubClass:     0,
		BDeviceProtocol:     1,
		BConfigurationValue: 1,
		BNumConfigurations:  1,
		BNumInterfaces:      1,
	}

	var buf bytes.Buffer
	if err := WriteImportReply(&buf, 0, "/sys/devices/pci0000:00/usb1/1-2", "1-2", dev); err != nil {
		t.Fatalf("WriteImportReply: %v", err)
	}
	original := append([]byte(nil), buf.Bytes()...)

	reply, err := ReadImportReply(&buf)
	if err != nil {
		t.Fatalf("ReadImportReply: %v", err)
	}
	if reply.BusID != "1-2" {
		t.Errorf("busid: got %q", reply.BusID)
	}
	if reply.Device != dev {
		t.Errorf("device descriptor mismatch: got %+v, want %+v", reply.Device, dev)
	}

	var repacked bytes.Buffer
	if err := WriteImportReply(&repacked, 0, reply.Path, reply.BusID, reply.Device); err != nil {
		t.Fatalf("re-pack: %v", err)
	}
	if !bytes.Equal(repacked.Bytes(), original) {
		t.Errorf("pack(unpack(bytes)) != bytes for import reply")
	}
}

func TestImportReplyNonZeroStatusIsProtocolError(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteImportReply(&buf, 1, "", "", DeviceDescriptor{}); err != nil {
		t.Fatalf("WriteImportReply: %v", err)
	}
	if _, err := ReadImportReply(&buf); err == nil {
		t.Fatal("expected error for non-zero status")
	}
}

func TestUnexpectedVersionIsProtocolError(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteImportRequest(&buf, "1-2"); err != nil {
		t.Fatalf("WriteImportRequest: %v", err)
	}
	raw := buf.Bytes()
	raw[1] = 0x00 // corrupt the low byte of the version field

	if _, err := ReadImportRequest(bytes.NewReader(raw)); err == nil {
		t.Fatal("expected error for corrupted version")
	}
}

func TestValidBusID(t *testing.T) {
	valid := []string{"1-2", "1-2.3", "3-11.2.8"}
	invalid := []string{"", "0-1", "1-0", "1", "a-1", "1-2.", "1--2"}

	for _, id := range valid {
		if !ValidBusID(id) {
			t.Errorf("ValidBusID(%q) = false, want true", id)
		}
	}
	for _, id := range invalid {
		if ValidBusID(id) {
			t.Errorf("ValidBusID(%q) = true, want false", id)
		}
	}
}
