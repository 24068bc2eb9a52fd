package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/holesch/not-my-board/internal/authn"
	"github.com/holesch/not-my-board/internal/config"
	"github.com/holesch/not-my-board/internal/httpclient"
	"github.com/holesch/not-my-board/internal/jsonrpc"
	"github.com/holesch/not-my-board/internal/usbip"
)

// pipeConn connects two jsonrpc.Channels in-process, standing in for the
// WebSocket connection a real hub dial would use.
type pipeConn struct {
	out    chan []byte
	in     chan []byte
	closed chan struct{}
}

func newPipePair() (*pipeConn, *pipeConn) {
	ab := make(chan []byte, 16)
	ba := make(chan []byte, 16)
	a := &pipeConn{out: ab, in: ba, closed: make(chan struct{})}
	b := &pipeConn{out: ba, in: ab, closed: make(chan struct{})}
	return a, b
}

func (p *pipeConn) ReadMessage() ([]byte, error) {
	select {
	case m, ok := <-p.in:
		if !ok {
			return nil, context.Canceled
		}
		return m, nil
	case <-p.closed:
		return nil, context.Canceled
	}
}

func (p *pipeConn) WriteMessage(data []byte) error {
	select {
	case p.out <- data:
		return nil
	case <-p.closed:
		return context.Canceled
	}
}

func (p *pipeConn) Close() error {
	select {
	case <-p.closed:
	default:
		close(p.closed)
	}
	return nil
}

// fakeHub implements just enough of the hub's RPC surface for the
// reservation lifecycle tests: reserve always grants grantedPlaceID,
// whatever the candidates, and return_reservation always succeeds.
func newFakeHub(ctx context.Context, grantedPlaceID int) *jsonrpc.Channel {
	a, b := newPipePair()
	hub := jsonrpc.New(ctx, a)
	hub.Register("reserve", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return map[string]int{"place_id": grantedPlaceID}, nil
	})
	hub.Register("return_reservation", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return map[string]interface{}{}, nil
	})
	go hub.Serve(ctx)

	client := jsonrpc.New(ctx, b)
	go client.Serve(ctx)
	return client
}

func newTestAgent(t *testing.T, ctx context.Context, places []Place, grantedPlaceID int) *Agent {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"places": places})
	}))
	t.Cleanup(server.Close)

	client, err := httpclient.New(&httpclient.Config{Proxies: &httpclient.Proxies{}})
	if err != nil {
		t.Fatalf("building http client: %v", err)
	}

	ag := New(client, server.URL, nil, usbip.VHCITopology{}, authn.NewStore(t.TempDir()+"/tokens.json"), &authn.Tokens{IDToken: "test"})
	ag.channel = newFakeHub(ctx, grantedPlaceID)
	return ag
}

func tcpOnlyPlace(id int) Place {
	return Place{
		ID: id,
		Parts: []PlacePart{
			{Compatible: []string{"raspberrypi4"}, TCP: map[string]PlaceTCPPort{"serial": {Host: "10.0.0.5", Port: 4000}}},
		},
	}
}

func tcpOnlyDesc(localPort int) *config.ImportDescription {
	return &config.ImportDescription{
		AutoReturnTime: "0s",
		Parts: map[string]config.ImportedPartConfig{
			"dut": {Compatible: []string{"raspberrypi4"}, TCP: map[string]int{"serial": localPort}},
		},
	}
}

func TestReserveBuildsTunnelsFromGrantedPlace(t *testing.T) {
	ctx := context.Background()
	place := tcpOnlyPlace(7)
	ag := newTestAgent(t, ctx, []Place{place}, 7)

	desc := tcpOnlyDesc(5000)
	if err := ag.Reserve(ctx, "board1", desc, "raw-toml"); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	res, err := ag.getReservation("board1")
	if err != nil {
		t.Fatalf("expected reservation to exist: %v", err)
	}
	if res.PlaceID != 7 {
		t.Fatalf("expected place id 7, got %d", res.PlaceID)
	}
	if len(res.Tunnels) != 1 {
		t.Fatalf("expected 1 tunnel, got %d", len(res.Tunnels))
	}
}

func TestReserveFailsWhenNoPlaceMatches(t *testing.T) {
	ctx := context.Background()
	ag := newTestAgent(t, ctx, []Place{{ID: 1, Parts: []PlacePart{{Compatible: []string{"stm32"}}}}}, 1)

	err := ag.Reserve(ctx, "board1", tcpOnlyDesc(5000), "raw-toml")
	if err == nil {
		t.Fatal("expected NoMatchingPlace error")
	}
}

func TestReserveTwiceUnderSameNameFails(t *testing.T) {
	ctx := context.Background()
	place := tcpOnlyPlace(1)
	ag := newTestAgent(t, ctx, []Place{place}, 1)

	desc := tcpOnlyDesc(5000)
	if err := ag.Reserve(ctx, "board1", desc, "raw-toml"); err != nil {
		t.Fatalf("first reserve failed: %v", err)
	}
	if err := ag.Reserve(ctx, "board1", desc, "raw-toml"); err == nil {
		t.Fatal("expected AlreadyReserved on second reserve")
	}
}

func TestReturnRemovesReservation(t *testing.T) {
	ctx := context.Background()
	place := tcpOnlyPlace(1)
	ag := newTestAgent(t, ctx, []Place{place}, 1)

	if err := ag.Reserve(ctx, "board1", tcpOnlyDesc(5000), "raw-toml"); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if err := ag.Return(ctx, "board1", false); err != nil {
		t.Fatalf("return failed: %v", err)
	}
	if _, err := ag.getReservation("board1"); err == nil {
		t.Fatal("expected reservation to be gone after return")
	}
}

func TestReturnUnknownNameFails(t *testing.T) {
	ctx := context.Background()
	ag := newTestAgent(t, ctx, nil, 0)
	if err := ag.Return(ctx, "nope", false); err == nil {
		t.Fatal("expected NotReserved error")
	}
}

func TestUpdateRejectsDescriptionThatNoLongerMatches(t *testing.T) {
	ctx := context.Background()
	place := tcpOnlyPlace(1)
	ag := newTestAgent(t, ctx, []Place{place}, 1)

	if err := ag.Reserve(ctx, "board1", tcpOnlyDesc(5000), "raw-toml"); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	badDesc := &config.ImportDescription{
		AutoReturnTime: "0s",
		Parts: map[string]config.ImportedPartConfig{
			"dut": {Compatible: []string{"stm32"}},
		},
	}
	if err := ag.Update(ctx, "board1", badDesc, "raw-toml-2"); err == nil {
		t.Fatal("expected NoMatchingPlace on update with incompatible description")
	}
}

func TestListAndStatusReflectReservations(t *testing.T) {
	ctx := context.Background()
	place := tcpOnlyPlace(1)
	ag := newTestAgent(t, ctx, []Place{place}, 1)

	if err := ag.Reserve(ctx, "board1", tcpOnlyDesc(5000), "raw-toml"); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	names := ag.List()
	if len(names) != 1 || names[0] != "board1" {
		t.Fatalf("expected [board1], got %v", names)
	}
	statuses := ag.Status()
	if len(statuses) != 1 || statuses[0].Attached {
		t.Fatalf("expected one unattached reservation, got %v", statuses)
	}
}
