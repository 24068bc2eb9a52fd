package usbip

import "testing"

func TestPortForNumInjective(t *testing.T) {
	topo := VHCITopology{NumControllers: 2, NumPorts: 16}

	seen := make(map[[2]int]int)
	for portNum := 0; portNum < 4; portNum++ {
		for _, speed := range []Speed{SpeedHigh, SpeedSuper} {
			port, err := topo.PortForNum(portNum, speed)
			if err != nil {
				t.Fatalf("PortForNum(%d, %v): %v", portNum, speed, err)
			}
			if port >= topo.NumPorts {
				t.Fatalf("PortForNum(%d, %v) = %d, want < %d", portNum, speed, port, topo.NumPorts)
			}
			key := [2]int{portNum, int(speed)}
			if other, ok := seen[key]; ok && other != port {
				t.Fatalf("non-deterministic mapping for (%d, %v): got %d and %d", portNum, speed, other, port)
			}
			seen[key] = port
		}
	}

	byPort := make(map[int]bool)
	for portNum := 0; portNum < 4; portNum++ {
		port, err := topo.PortForNum(portNum, SpeedHigh)
		if err != nil {
			t.Fatalf("PortForNum(%d, high): %v", portNum, err)
		}
		if byPort[port] {
			t.Fatalf("PortForNum(%d, high) collided at port %d", portNum, port)
		}
		byPort[port] = true
	}
}

func TestPortForNumOutOfRange(t *testing.T) {
	topo := VHCITopology{NumControllers: 1, NumPorts: 8}
	if _, err := topo.PortForNum(100, SpeedHigh); err == nil {
		t.Fatal("expected PortOutOfRange error")
	}
}

func TestBackoffSchedule(t *testing.T) {
	b := NewBackoffSchedule()
	want := []int64{1, 2, 4, 8, 16, 30, 30}
	for i, w := range want {
		got := b.Next().Seconds()
		if int64(got) != w {
			t.Errorf("step %d: got %vs, want %ds", i, got, w)
		}
	}
	b.Reset()
	if got := b.Next().Seconds(); int64(got) != 1 {
		t.Errorf("after reset: got %vs, want 1s", got)
	}
}
