// Package rpcserver implements the RPC server: a TCP accept loop plus a per-connection
// state machine carrying each request through Received → Routed → Invoked → Responded →
// Closed. One goroutine per connection owns the read loop and frame decoder; each
// decoded frame is dispatched on its own goroutine (or the bounded async pool for
// routes marked router.Offload) and responses are written back in request-arrival
// order.
package rpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"reflect"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"corerpc/codec"
	"corerpc/config"
	"corerpc/invoker"
	"corerpc/message"
	"corerpc/middleware"
	"corerpc/protocol"
	"corerpc/router"
)

// ErrChannelNotWritable is logged when a connection's pending write volume crosses the
// high watermark and the server refuses to queue further responses on it.
var ErrChannelNotWritable = errors.New("rpcserver: channel not writable")

// Server is the RPC server: it owns a listener, a route registry, a middleware chain,
// and an async worker pool for routes that opt out of inline dispatch.
type Server struct {
	cfg      config.ServerConfig
	registry *router.Registry
	logger   *zap.Logger
	codec    codec.CodecType

	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc

	invokers sync.Map // normalized path -> *invoker.Invoker, built lazily per route

	listener net.Listener
	wg       sync.WaitGroup
	shutdown atomic.Bool

	async *AsyncPool // bounded pool for routes marked router.Offload
}

// New builds a Server. registry must already have every Controller registered; New
// calls registry.Start() itself so callers don't have to remember the ordering.
func New(cfg config.ServerConfig, reg *router.Registry, logger *zap.Logger, codecType codec.CodecType) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg.Start()
	s := &Server{
		cfg:      cfg,
		registry: reg,
		logger:   logger,
		codec:    codecType,
		async:    NewAsyncPoolWithCore(cfg.WorkerPoolSize),
	}
	return s
}

// Use registers a middleware; middlewares run in the order they're added, outermost
// first, exactly as middleware.Chain documents.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// Listen binds cfg.Network/cfg.Address and returns the bound address (useful when
// cfg.Address uses the ":0" OS-assigned-port convention, as in tests). Calling Serve
// without calling Listen first binds lazily using cfg.Address directly.
func (s *Server) Listen() (string, error) {
	if s.listener != nil {
		return s.listener.Addr().String(), nil
	}
	listener, err := listenConfig().Listen(context.Background(), s.cfg.Network, s.cfg.Address)
	if err != nil {
		return "", fmt.Errorf("rpcserver: listen: %w", err)
	}
	s.listener = listener
	return listener.Addr().String(), nil
}

// Addr returns the bound listener's address. Valid only after Listen or Serve has
// successfully bound.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Serve applies the per-connection TCP options to every accepted connection and runs
// the accept loop until Shutdown closes the listener. It binds via Listen first if
// that hasn't happened yet.
func (s *Server) Serve() error {
	s.handler = middleware.Chain(s.middlewares...)(s.dispatch)

	if _, err := s.Listen(); err != nil {
		return err
	}
	s.logger.Info("rpcserver: listening", zap.String("address", s.Addr()))
	if s.cfg.BasePackage != "" {
		s.logger.Info("rpcserver: basePackage is informational only; controllers are registered explicitly",
			zap.String("basePackage", s.cfg.BasePackage))
	}

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return nil
			}
			return fmt.Errorf("rpcserver: accept: %w", err)
		}
		applyTCPOptions(conn, s.logger)
		go s.handleConn(conn)
	}
}

// readIdleTimeout and writeIdleTimeout bound how long a connection may sit with no
// activity in either direction before the server gives up on it.
const (
	readIdleTimeout  = 30 * time.Second
	writeIdleTimeout = 30 * time.Second
)

// connState tracks per-connection bookkeeping handleFrame needs beyond the raw
// net.Conn: the short channel id stamped into response envelopes, a ticket lock so
// responses are written in request-arrival order even when handlers finish out of
// order, pending-write accounting against the configured watermarks, and a
// cooperative cancellation flag handleFrame checks before writing a response to a
// connection that's already being torn down.
type connState struct {
	id string

	mu          sync.Mutex
	cond        *sync.Cond
	nextTicket  uint64
	nextToWrite uint64
	closing     atomic.Bool

	pending    atomic.Int64 // bytes accepted for write but not yet flushed
	unwritable atomic.Bool  // set above the high watermark, cleared below the low one
}

func newConnState() *connState {
	cs := &connState{id: shortID()}
	cs.cond = sync.NewCond(&cs.mu)
	return cs
}

// awaitTurn blocks until every response with an earlier ticket has been written, then
// returns true. Returns false without acquiring the turn if the connection closed first.
func (cs *connState) awaitTurn(ticket uint64) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for cs.nextToWrite != ticket {
		if cs.closing.Load() {
			return false
		}
		cs.cond.Wait()
	}
	return true
}

func (cs *connState) advance() {
	cs.mu.Lock()
	cs.nextToWrite++
	cs.cond.Broadcast()
	cs.mu.Unlock()
}

func (cs *connState) close() {
	cs.closing.Store(true)
	cs.mu.Lock()
	cs.cond.Broadcast()
	cs.mu.Unlock()
}

// acceptWrite applies the watermark policy before n more bytes are queued for this
// connection. Once pending crosses the high watermark the connection is unwritable
// until it drains below the low one; an unwritable connection rejects the write.
func (cs *connState) acceptWrite(n int, low, high int) bool {
	pending := cs.pending.Load()
	if cs.unwritable.Load() {
		if pending > int64(low) {
			return false
		}
		cs.unwritable.Store(false)
	}
	if pending+int64(n) > int64(high) {
		cs.unwritable.Store(true)
		return false
	}
	cs.pending.Add(int64(n))
	return true
}

func (cs *connState) writeDone(n int) {
	cs.pending.Add(int64(-n))
}

// handleConn runs the single blocking read loop for one connection (reads must be
// sequential to track frame boundaries), dispatching every decoded frame to its own
// goroutine so a slow handler never blocks the next request's read. Each frame is
// assigned a monotonic ticket here, in arrival order, so responses can later be
// written back in that same order regardless of which handler finishes first.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	cs := newConnState()
	defer cs.close()

	logger := s.logger.With(zap.String("channel", cs.id))
	dec := protocol.NewDecoder(
		protocol.Limits{MinValidPacket: s.cfg.MinValidPacket, MaxPacketSize: s.cfg.MaxPacketSize},
		func(received, total int) {
			logger.Info("rpcserver: assembling large frame",
				zap.Int("receivedBytes", received), zap.Int("totalBytes", total))
		})
	buf := make([]byte, 64*1024)

	for {
		conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
		n, err := conn.Read(buf)
		if n > 0 {
			frames, ferr := dec.Feed(buf[:n])
			for _, frame := range frames {
				ticket := cs.nextTicket
				cs.nextTicket++
				s.wg.Add(1)
				go s.handleFrame(conn, cs, ticket, frame)
			}
			if ferr != nil {
				logger.Warn("rpcserver: closing connection after frame error", zap.Error(ferr))
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// handleFrame is state "Received" through "Closed" for exactly one request. Decoding
// and dispatch may happen concurrently with other frames on the same connection; only
// the final write is serialized, in ticket order, via cs. Every exit path, including
// the failure paths that write nothing, must still pass through cs.awaitTurn/cs.advance
// in ticket order: advance() unconditionally bumps nextToWrite, so skipping awaitTurn
// on one path would let a later ticket advance past an earlier one still in flight and
// deadlock that ticket's eventual awaitTurn.
func (s *Server) handleFrame(conn net.Conn, cs *connState, ticket uint64, frame []byte) {
	defer s.wg.Done()
	start := time.Now()

	cdc := codec.GetCodec(s.codec)
	req, err := cdc.Decode(frame)
	if err != nil {
		// A corrupt frame forfeits the whole connection: framing state can no longer
		// be trusted once a frame that parsed as well-formed fails to deserialize.
		s.logger.Warn("rpcserver: failed to decode frame, closing connection", zap.Error(err))
		if cs.awaitTurn(ticket) {
			cs.advance()
		}
		conn.Close()
		return
	}

	trxID := strconv.FormatInt(time.Now().UnixMilli(), 10) + "-" + cs.id
	req.Head.Set(message.HeadExtTrxID, trxID)
	logger := s.logger.With(zap.String("extTrxId", trxID), zap.String("channel", cs.id))

	ctx := context.WithValue(context.Background(), connContextKey{}, conn)

	entry, ok, _ := s.registry.Lookup(req.Target())
	var resp *message.Message
	if ok && entry.Offload {
		done := make(chan struct{})
		s.async.Submit(func() {
			resp = s.handler(ctx, req)
			close(done)
		})
		<-done
	} else {
		resp = s.handler(ctx, req)
	}

	if resp == nil {
		// Void route: the method wrote its own response through the injected
		// connection, so there is nothing to auto-send.
		if cs.awaitTurn(ticket) {
			cs.advance()
		}
		return
	}

	resp.Head.Set(message.HeadExtTrxID, trxID)
	if id := resp.Head.GetString(message.HeadID); id == "" {
		resp.Head.Set(message.HeadID, cs.id)
	}

	out, err := cdc.Encode(resp)
	if err != nil {
		logger.Warn("rpcserver: failed to encode response", zap.Error(err))
		if cs.awaitTurn(ticket) {
			cs.advance()
		}
		return
	}

	if !cs.acceptWrite(len(out), s.cfg.LowWatermark, s.cfg.HighWatermark) {
		logger.Error("rpcserver: dropping response", zap.Error(ErrChannelNotWritable),
			zap.Int("pendingBytes", int(cs.pending.Load())))
		if cs.awaitTurn(ticket) {
			cs.advance()
		}
		conn.Close()
		return
	}

	if !cs.awaitTurn(ticket) {
		cs.writeDone(len(out))
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeIdleTimeout))
	writeErr := protocol.Encode(conn, out)
	cs.advance()
	cs.writeDone(len(out))
	if writeErr != nil {
		logger.Debug("rpcserver: write failed, connection likely closed", zap.Error(writeErr))
		return
	}
	logger.Debug("rpcserver: response written", zap.Int64("elapsedNanos", time.Since(start).Nanoseconds()))

	s.scheduleClose(conn, cs, logger)
}

// scheduleClose is the "Responded → Closed" transition. With CloseAfterResponse set the
// connection is torn down once the linger elapses, on a runtime timer rather than a
// blocking sleep, giving the peer a grace window to read the payload before the FIN.
// Without it the connection stays open for pipelined reuse and the idle timeouts
// reclaim it instead.
func (s *Server) scheduleClose(conn net.Conn, cs *connState, logger *zap.Logger) {
	if !s.cfg.CloseAfterResponse {
		return
	}
	linger := s.cfg.ResponseLinger
	if linger <= 0 {
		linger = 100 * time.Millisecond
	}
	time.AfterFunc(linger, func() {
		logger.Debug("rpcserver: response linger elapsed, closing connection")
		cs.close()
		conn.Close()
	})
}

// SendAndClose is the synchronous variant of the respond-linger-close sequence, for
// simple callers (and void routes writing their own replies) that hold the connection
// on their own goroutine anyway: encode msg, write it, sleep out the linger, close.
func SendAndClose(conn net.Conn, msg *message.Message, codecType codec.CodecType, linger time.Duration) error {
	out, err := codec.GetCodec(codecType).Encode(msg)
	if err != nil {
		return fmt.Errorf("rpcserver: encode: %w", err)
	}
	if err := protocol.Encode(conn, out); err != nil {
		conn.Close()
		return fmt.Errorf("rpcserver: write: %w", err)
	}
	if linger > 0 {
		time.Sleep(linger)
	}
	return conn.Close()
}

// dispatch resolves req's target to a route, instantiates the invoker once per route,
// and shapes whatever the handler method returned into a response Message. Error
// envelopes carry result/message in Head and errorType plus detail in Data.
func (s *Server) dispatch(ctx context.Context, req *message.Message) *message.Message {
	entry, ok, err := s.registry.Lookup(req.Target())
	if err != nil {
		resp := message.New()
		resp.Fail(err.Error())
		resp.Data.Set("errorType", "INIT_TIMEOUT")
		return resp
	}
	if !ok {
		resp := message.New()
		resp.Fail(fmt.Sprintf("Target not found: %q", req.Target()))
		resp.Data.Set("errorType", "ROUTE_NOT_FOUND")
		return resp
	}

	inv, err := s.invokerFor(entry)
	if err != nil {
		resp := message.New()
		resp.Fail(err.Error())
		resp.Data.Set("errorType", "INVOKER_INIT_FAILED")
		return resp
	}

	conn, _ := ctx.Value(connContextKey{}).(net.Conn)
	results, err := inv.Invoke(&invoker.RequestContext{Conn: conn, Msg: req})
	if err != nil {
		resp := message.New()
		if handlerErr, ok := err.(*invoker.HandlerError); ok {
			resp.Fail(handlerErr.Detail)
			resp.Data.Set("errorType", handlerErr.ClassName)
			resp.Data.Set("response", fmt.Sprintf("%s at %s", handlerErr.Detail, handlerErr.Frame))
		} else {
			resp.Fail(err.Error())
			resp.Data.Set("errorType", "INVOCATION_ERROR")
		}
		return resp
	}

	return shapeResponse(results)
}

type connContextKey struct{}

func (s *Server) invokerFor(entry *router.RouteEntry) (*invoker.Invoker, error) {
	if cached, ok := s.invokers.Load(entry.Path); ok {
		return cached.(*invoker.Invoker), nil
	}
	inv, err := invoker.New(entry)
	if err != nil {
		return nil, err
	}
	actual, _ := s.invokers.LoadOrStore(entry.Path, inv)
	return actual.(*invoker.Invoker), nil
}

// shapeResponse converts a handler method's raw return values into a response
// envelope: *message.Message merges directly; string becomes Data["response"];
// map[string]any merges into Data; anything else is JSON-encoded into
// Data["response"]. A method with no value results (void, or error-only with a nil
// error) returns nil, signaling the caller that the method sent its own response and
// nothing must be auto-sent. A non-nil declared error becomes a failure envelope with
// the error's concrete type name in Data["errorType"].
func shapeResponse(results []reflect.Value) *message.Message {
	var retErr error
	var payload reflect.Value
	switch len(results) {
	case 0:
		return nil
	case 1:
		if isErrorValue(results[0]) {
			retErr = valueAsError(results[0])
			if retErr == nil {
				return nil
			}
		} else {
			payload = results[0]
		}
	case 2:
		payload = results[0]
		retErr = valueAsError(results[1])
	}

	resp := message.New()
	if retErr != nil {
		resp.Fail(retErr.Error())
		resp.Data.Set("errorType", reflect.TypeOf(retErr).String())
		return resp
	}

	resp.Success("")
	if !payload.IsValid() {
		return resp
	}

	switch v := payload.Interface().(type) {
	case *message.Message:
		resp.Head.Merge(v.Head)
		resp.Data.Merge(v.Data)
	case string:
		resp.Data.Set("response", v)
	case map[string]any:
		for k, val := range v {
			resp.Data.Set(k, val)
		}
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			resp.Fail(fmt.Sprintf("failed to marshal handler result: %v", err))
			resp.Data.Set("errorType", "RESPONSE_MARSHAL_FAILED")
			return resp
		}
		resp.Data.Set("response", string(raw))
	}
	return resp
}

func isErrorValue(v reflect.Value) bool {
	errType := reflect.TypeOf((*error)(nil)).Elem()
	return v.Type().Implements(errType)
}

func valueAsError(v reflect.Value) error {
	if v.IsNil() {
		return nil
	}
	return v.Interface().(error)
}

var idCounter atomic.Uint64

func shortID() string {
	return strconv.FormatUint(idCounter.Add(1), 36)
}

// Shutdown stops accepting new connections, then waits up to timeout for in-flight
// requests to finish. Errors from the listener close and the wait timeout are joined
// with multierr so neither masks the other. Idempotent: a second call finds shutdown
// already set and the listener already closed.
func (s *Server) Shutdown(timeout time.Duration) error {
	var errs error
	if s.shutdown.CompareAndSwap(false, true) {
		if s.listener != nil {
			if err := s.listener.Close(); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("rpcserver: close listener: %w", err))
			}
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		errs = multierr.Append(errs, fmt.Errorf("rpcserver: timeout waiting for in-flight requests"))
	}

	s.async.Close()
	return errs
}
