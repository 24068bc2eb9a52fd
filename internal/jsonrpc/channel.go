package jsonrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/holesch/not-my-board/internal/apperr"
	"github.com/holesch/not-my-board/internal/logger"
)

// HandlerFunc implements one JSON-RPC method. Returning an error turns it
// into an ErrorResponse with apperr.CodeInternalError and a traceback,
// unless err is already an *apperr.Error, whose RPCCode/Code/Message are
// used verbatim.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (interface{}, error)

type methodEntry struct {
	fn     HandlerFunc
	hidden bool
}

type pendingCall struct {
	result json.RawMessage
	rpcErr *RPCError
}

// Channel is a bidirectional JSON-RPC 2.0 message channel over a framed
// Conn. It is safe for concurrent Call/Notify from multiple goroutines;
// Serve must be run exactly once and drives both dispatch and delivery of
// pending call results.
type Channel struct {
	conn Conn
	log  *zerolog.Logger

	writeMu sync.Mutex
	nextID  uint64

	pendingMu sync.Mutex
	pending   map[string]chan pendingCall

	methodsMu sync.RWMutex
	methods   map[string]methodEntry

	handlersMu sync.Mutex
	handlers   map[string]context.CancelFunc

	wg     sync.WaitGroup
	closed chan struct{}
	once   sync.Once

	baseCtx context.Context
}

// New wraps conn in a Channel. baseCtx is the parent context for every
// spawned inbound handler task; cancelling it cancels all of them.
func New(baseCtx context.Context, conn Conn) *Channel {
	return &Channel{
		conn:     conn,
		log:      logger.RPC(),
		pending:  make(map[string]chan pendingCall),
		methods:  make(map[string]methodEntry),
		handlers: make(map[string]context.CancelFunc),
		closed:   make(chan struct{}),
		baseCtx:  baseCtx,
	}
}

// Register installs a method handler. A method name starting with "_" is
// permitted here but will always be rejected at dispatch time with
// MethodNotFound, matching spec.md's dispatch rule.
func (c *Channel) Register(method string, fn HandlerFunc) {
	c.registerEntry(method, fn, false)
}

// RegisterHidden installs a handler that exists locally (e.g. for tests)
// but is rejected with MethodNotFound when invoked by a peer.
func (c *Channel) RegisterHidden(method string, fn HandlerFunc) {
	c.registerEntry(method, fn, true)
}

func (c *Channel) registerEntry(method string, fn HandlerFunc, hidden bool) {
	c.methodsMu.Lock()
	defer c.methodsMu.Unlock()
	c.methods[method] = methodEntry{fn: fn, hidden: hidden}
}

func (c *Channel) newID() ID {
	n := atomic.AddUint64(&c.nextID, 1)
	return ID(strconv.FormatUint(n, 10))
}

func marshalParams(args []interface{}, kwargs map[string]interface{}) (json.RawMessage, error) {
	if len(args) > 0 && len(kwargs) > 0 {
		return nil, apperr.UseEitherArgsOrKwargs()
	}
	if len(kwargs) > 0 {
		return json.Marshal(kwargs)
	}
	if args == nil {
		args = []interface{}{}
	}
	return json.Marshal(args)
}

// Call sends a Request and blocks for its Response. Only one of args or
// kwargs may be non-empty. If ctx is cancelled before a reply arrives, an
// rpc.cancel request carrying the original id is sent and its own
// response awaited before Call returns ctx.Err(); that inner cancellation
// round-trip cannot itself be cancelled, to avoid an infinite chain.
func (c *Channel) Call(ctx context.Context, method string, args []interface{}, kwargs map[string]interface{}) (json.RawMessage, error) {
	params, err := marshalParams(args, kwargs)
	if err != nil {
		return nil, err
	}

	id := c.newID()
	key := string(id)
	resultCh := make(chan pendingCall, 1)
	c.pendingMu.Lock()
	c.pending[key] = resultCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, key)
		c.pendingMu.Unlock()
	}()

	req := &Request{JSONRPC: version, ID: id, Method: method, Params: params}
	if err := c.writeMessage(req); err != nil {
		return nil, err
	}

	select {
	case res := <-resultCh:
		if res.rpcErr != nil {
			return nil, res.rpcErr
		}
		return res.result, nil
	case <-ctx.Done():
		cancelErr := ctx.Err()
		c.sendCancel(id)
		return nil, cancelErr
	case <-c.closed:
		return nil, apperr.ConnectionClosed()
	}
}

type cancelParams struct {
	ID ID `json:"id"`
}

// sendCancel requests the peer abort the handler for id, awaiting the
// cancel's own (uncancellable) reply before returning.
func (c *Channel) sendCancel(id ID) {
	_, err := c.Call(context.Background(), "rpc.cancel", nil, map[string]interface{}{"id": json.RawMessage(id)})
	if err != nil {
		c.log.Debug().Err(err).Str("id", string(id)).Msg("rpc.cancel round-trip failed")
	}
}

// Notify sends a Request with no id; no reply is awaited or expected.
func (c *Channel) Notify(method string, args []interface{}, kwargs map[string]interface{}) error {
	params, err := marshalParams(args, kwargs)
	if err != nil {
		return err
	}
	req := &Request{JSONRPC: version, Method: method, Params: params}
	return c.writeMessage(req)
}

func (c *Channel) writeMessage(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(data)
}

// Serve drains the receive stream until it ends or ctx is cancelled. For
// each inbound Request it spawns a handler task; for each Response or
// ErrorResponse it resolves the matching pending Call. When the stream
// ends, every pending call fails with ConnectionClosed and every spawned
// handler task is cancelled.
func (c *Channel) Serve(ctx context.Context) error {
	defer c.shutdown()

	type readResult struct {
		data []byte
		err  error
	}
	reads := make(chan readResult)
	go func() {
		for {
			data, err := c.conn.ReadMessage()
			reads <- readResult{data, err}
			if err != nil {
				close(reads)
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r, ok := <-reads:
			if !ok {
				return nil
			}
			if r.err != nil {
				return r.err
			}
			c.handleMessage(r.data)
		}
	}
}

func (c *Channel) shutdown() {
	c.once.Do(func() {
		close(c.closed)
	})

	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan pendingCall)
	c.pendingMu.Unlock()
	for _, ch := range pending {
		select {
		case ch <- pendingCall{rpcErr: &RPCError{Code: apperr.RPCCodeInternalError, Message: apperr.ConnectionClosed().Error()}}:
		default:
		}
	}

	c.handlersMu.Lock()
	cancels := make([]context.CancelFunc, 0, len(c.handlers))
	for _, cancel := range c.handlers {
		cancels = append(cancels, cancel)
	}
	c.handlersMu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}

	c.wg.Wait()
}

func (c *Channel) handleMessage(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.log.Warn().Err(err).Msg("received malformed JSON, no id to reply to")
		return
	}

	switch {
	case env.Method != nil:
		c.handleRequestEnvelope(data, env)
	case env.Result != nil || env.Error != nil:
		c.handleReplyEnvelope(env)
	default:
		c.log.Warn().Msg("received message with neither method nor result/error")
	}
}

func (c *Channel) handleRequestEnvelope(raw []byte, env envelope) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		c.replyErrorRaw(idFromEnvelope(env), apperr.RPCCodeInvalidRequest, "malformed request", nil)
		return
	}
	if !validID(env.ID) {
		c.replyErrorRaw(idFromEnvelope(env), apperr.RPCCodeInvalidRequest, "invalid id type", nil)
		return
	}
	if req.Method == "rpc.cancel" {
		c.handleCancel(&req)
		return
	}
	c.dispatch(&req)
}

func validID(id *json.RawMessage) bool {
	if id == nil {
		return true
	}
	var s string
	if json.Unmarshal(*id, &s) == nil {
		return true
	}
	var n json.Number
	return json.Unmarshal(*id, &n) == nil
}

func idFromEnvelope(env envelope) ID {
	if env.ID == nil {
		return nil
	}
	return ID(*env.ID)
}

func (c *Channel) dispatch(req *Request) {
	if strings.HasPrefix(req.Method, "_") {
		c.replyMethodNotFound(req)
		return
	}

	c.methodsMu.RLock()
	entry, ok := c.methods[req.Method]
	c.methodsMu.RUnlock()
	if !ok || entry.hidden {
		c.replyMethodNotFound(req)
		return
	}

	key := string(req.ID)
	hctx, cancel := context.WithCancel(c.baseCtx)
	if !req.IsNotification() {
		c.handlersMu.Lock()
		c.handlers[key] = cancel
		c.handlersMu.Unlock()
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			if !req.IsNotification() {
				c.handlersMu.Lock()
				delete(c.handlers, key)
				c.handlersMu.Unlock()
			}
			cancel()
		}()
		c.runHandler(hctx, req, entry.fn)
	}()
}

func (c *Channel) replyMethodNotFound(req *Request) {
	if req.IsNotification() {
		return
	}
	err := apperr.MethodNotFound(req.Method)
	c.replyErrorRaw(req.ID, err.RPCCode, err.Message, nil)
}

func (c *Channel) runHandler(ctx context.Context, req *Request, fn HandlerFunc) {
	result, err := c.invokeSafely(ctx, fn, req.Params)
	if req.IsNotification() {
		return
	}
	if err != nil {
		c.replyWithError(req.ID, err)
		return
	}
	data, merr := json.Marshal(result)
	if merr != nil {
		c.replyWithError(req.ID, apperr.Internal(merr))
		return
	}
	c.replyResult(req.ID, data)
}

func (c *Channel) invokeSafely(ctx context.Context, fn HandlerFunc, params json.RawMessage) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &apperr.Error{
				Code:    apperr.CodeInternalError,
				Message: fmt.Sprintf("handler panicked: %v", r),
				Details: string(debug.Stack()),
				RPCCode: apperr.RPCCodeInternalError,
			}
		}
	}()
	return fn(ctx, params)
}

func (c *Channel) replyWithError(id ID, err error) {
	var ae *apperr.Error
	if e, ok := err.(*apperr.Error); ok {
		ae = e
	} else {
		ae = apperr.Internal(err)
	}
	var data json.RawMessage
	if ae.Code == apperr.CodeInternalError {
		tb, _ := json.Marshal(traceback{Traceback: ae.Details})
		data = tb
	}
	code := ae.RPCCode
	if code == 0 {
		code = apperr.RPCCodeInternalError
	}
	c.replyErrorRaw(id, code, ae.Message, data)
}

func (c *Channel) replyResult(id ID, result json.RawMessage) {
	_ = c.writeMessage(&Response{JSONRPC: version, ID: id, Result: result})
}

func (c *Channel) replyErrorRaw(id ID, code int, message string, data json.RawMessage) {
	if id == nil {
		return
	}
	_ = c.writeMessage(&ErrorResponse{JSONRPC: version, ID: id, Error: &RPCError{Code: code, Message: message, Data: data}})
}

func (c *Channel) handleCancel(req *Request) {
	var p cancelParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		var arr []json.RawMessage
		if err := json.Unmarshal(req.Params, &arr); err == nil && len(arr) > 0 {
			p.ID = ID(arr[0])
		}
	}

	key := string(p.ID)
	c.handlersMu.Lock()
	cancel, ok := c.handlers[key]
	c.handlersMu.Unlock()
	if ok {
		cancel()
	}

	if !req.IsNotification() {
		c.replyResult(req.ID, json.RawMessage("null"))
	}
}

func (c *Channel) handleReplyEnvelope(env envelope) {
	if env.ID == nil {
		c.log.Warn().Msg("received response/error with no id")
		return
	}
	key := string(*env.ID)

	var result pendingCall
	if env.Error != nil {
		if env.Error.Message == "" {
			result.rpcErr = &RPCError{Code: apperr.RPCCodeInternalError, Message: "protocol error: malformed error object"}
		} else {
			result.rpcErr = env.Error
		}
	} else {
		result.result = env.Result
	}

	c.pendingMu.Lock()
	ch, ok := c.pending[key]
	c.pendingMu.Unlock()
	if !ok {
		c.log.Debug().Str("id", key).Msg("response for unknown or already-resolved call id")
		return
	}
	select {
	case ch <- result:
	default:
	}
}
