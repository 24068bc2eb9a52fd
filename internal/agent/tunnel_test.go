package agent

import (
	"testing"

	"github.com/holesch/not-my-board/internal/config"
)

func TestBuildTunnelsSubstitutesLoopbackHost(t *testing.T) {
	imp := config.ImportedPartConfig{TCP: map[string]int{"serial": 5000}}
	pp := PlacePart{TCP: map[string]PlaceTCPPort{"serial": {Host: "127.0.0.1", Port: 4000}}}

	tunnels := buildTunnels("dut", imp, pp, "hub.example.com")
	if len(tunnels) != 1 {
		t.Fatalf("expected 1 tunnel, got %d", len(tunnels))
	}
	if tunnels[0].RemoteHost != "hub.example.com" {
		t.Fatalf("expected loopback host substituted with hub host, got %q", tunnels[0].RemoteHost)
	}
}

func TestBuildTunnelsKeepsNonLoopbackHost(t *testing.T) {
	imp := config.ImportedPartConfig{TCP: map[string]int{"serial": 5000}}
	pp := PlacePart{TCP: map[string]PlaceTCPPort{"serial": {Host: "10.0.0.5", Port: 4000}}}

	tunnels := buildTunnels("dut", imp, pp, "hub.example.com")
	if tunnels[0].RemoteHost != "10.0.0.5" {
		t.Fatalf("expected non-loopback host kept as-is, got %q", tunnels[0].RemoteHost)
	}
}

func TestDiffTunnelsClassifiesKeysCorrectly(t *testing.T) {
	before := tunnelSet([]TunnelDesc{
		{Key: "dut.usb.main", Kind: TunnelUSB, BusID: "1-2", PortNum: 0},
		{Key: "dut.tcp.serial", Kind: TunnelTCP, RemoteHost: "h", RemotePort: 1, LocalPort: 2},
	})
	after := tunnelSet([]TunnelDesc{
		{Key: "dut.usb.main", Kind: TunnelUSB, BusID: "1-2", PortNum: 0}, // unchanged
		{Key: "dut.tcp.other", Kind: TunnelTCP, RemoteHost: "h", RemotePort: 3, LocalPort: 4}, // added
	})

	removed, added := diffTunnels(before, after)
	if len(removed) != 1 || removed[0].Key != "dut.tcp.serial" {
		t.Fatalf("expected dut.tcp.serial removed, got %v", removed)
	}
	if len(added) != 1 || added[0].Key != "dut.tcp.other" {
		t.Fatalf("expected dut.tcp.other added, got %v", added)
	}
}

func TestDiffTunnelsTreatsChangedDescAsRemoveAndAdd(t *testing.T) {
	before := tunnelSet([]TunnelDesc{
		{Key: "dut.tcp.serial", Kind: TunnelTCP, RemoteHost: "h", RemotePort: 1, LocalPort: 2},
	})
	after := tunnelSet([]TunnelDesc{
		{Key: "dut.tcp.serial", Kind: TunnelTCP, RemoteHost: "h", RemotePort: 1, LocalPort: 9},
	})

	removed, added := diffTunnels(before, after)
	if len(removed) != 1 || len(added) != 1 {
		t.Fatalf("expected the changed tunnel to appear in both removed and added, got removed=%v added=%v", removed, added)
	}
}

func TestIsLoopback(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1": true,
		"::1":       true,
		"localhost": true,
		"10.0.0.5":  false,
		"hub.example.com": false,
	}
	for host, want := range cases {
		if got := isLoopback(host); got != want {
			t.Errorf("isLoopback(%q) = %v, want %v", host, got, want)
		}
	}
}
