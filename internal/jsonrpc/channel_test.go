package jsonrpc

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

// pipeConn connects two Channels in-process through buffered Go channels,
// standing in for a websocket or Unix socket transport in tests.
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
			return nil, errConnClosed
		}
		return m, nil
	case <-p.closed:
		return nil, errConnClosed
	}
}

func (p *pipeConn) WriteMessage(data []byte) error {
	select {
	case p.out <- data:
		return nil
	case <-p.closed:
		return errConnClosed
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

type pipeErr string

func (e pipeErr) Error() string { return string(e) }

const errConnClosed = pipeErr("pipe closed")

func TestCallNotifyRoundTrip(t *testing.T) {
	ca, cb := newPipePair()
	serverCh := New(context.Background(), ca)
	clientCh := New(context.Background(), cb)

	serverCh.Register("echo", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var args []string
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, err
		}
		return args[0], nil
	})

	notified := make(chan struct{}, 1)
	serverCh.Register("ping", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		notified <- struct{}{}
		return nil, nil
	})

	go serverCh.Serve(context.Background())
	go clientCh.Serve(context.Background())

	result, err := clientCh.Call(context.Background(), "echo", []interface{}{"hello"}, nil)
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	var got string
	if err := json.Unmarshal(result, &got); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if got != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}

	if err := clientCh.Notify("ping", nil, nil); err != nil {
		t.Fatalf("notify failed: %v", err)
	}
	select {
	case <-notified:
	case <-time.After(time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestCallBothArgsAndKwargsRejected(t *testing.T) {
	ca, _ := newPipePair()
	ch := New(context.Background(), ca)
	_, err := ch.Call(context.Background(), "m", []interface{}{1}, map[string]interface{}{"a": 1})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestMethodNotFoundForUnderscoreAndHidden(t *testing.T) {
	ca, cb := newPipePair()
	serverCh := New(context.Background(), ca)
	clientCh := New(context.Background(), cb)

	serverCh.Register("_private", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return "should not run", nil
	})
	serverCh.RegisterHidden("secret", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return "should not run", nil
	})

	go serverCh.Serve(context.Background())
	go clientCh.Serve(context.Background())

	if _, err := clientCh.Call(context.Background(), "_private", nil, nil); err == nil {
		t.Fatal("expected MethodNotFound for underscore-prefixed method")
	}
	if _, err := clientCh.Call(context.Background(), "secret", nil, nil); err == nil {
		t.Fatal("expected MethodNotFound for hidden method")
	}
	if _, err := clientCh.Call(context.Background(), "nope", nil, nil); err == nil {
		t.Fatal("expected MethodNotFound for unregistered method")
	}
}

func TestShutdownFailsPendingCalls(t *testing.T) {
	ca, cb := newPipePair()
	serverCh := New(context.Background(), ca)
	clientCh := New(context.Background(), cb)

	block := make(chan struct{})
	serverCh.Register("block", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		<-block
		return nil, nil
	})

	serveCtx, cancelServe := context.WithCancel(context.Background())
	go serverCh.Serve(serveCtx)
	go clientCh.Serve(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := clientCh.Call(context.Background(), "block", nil, nil)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancelServe()
	ca.Close()
	cb.Close()
	close(block)

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected ConnectionClosed error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call was never resolved after shutdown")
	}
}

func TestCancelPropagatesToHandler(t *testing.T) {
	ca, cb := newPipePair()
	serverCh := New(context.Background(), ca)
	clientCh := New(context.Background(), cb)

	cancelled := make(chan struct{}, 1)
	serverCh.Register("long", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		select {
		case <-ctx.Done():
			cancelled <- struct{}{}
		case <-time.After(2 * time.Second):
		}
		return nil, ctx.Err()
	})

	go serverCh.Serve(context.Background())
	go clientCh.Serve(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := clientCh.Call(ctx, "long", nil, nil)
	if err == nil {
		t.Fatal("expected call to fail after local cancellation")
	}

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("server handler was never cancelled")
	}
}
