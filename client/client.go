// Package client implements the outbound RPC caller: it resolves a target service to
// an endpoint via loadbalance.Pool, borrows a pooled connection to that endpoint,
// writes one framed request and reads back one framed response with separate write and
// read deadlines, and returns the decoded response, never a Go error, across the Call
// boundary. Every failure mode (dial failure, write deadline, read deadline, oversize
// frame, decode failure) is instead encoded into the returned Message's Head, the same
// way rpcserver shapes a failed invocation into a response envelope, so callers have one
// uniform way to check success: Head["result"].
package client

import (
	"fmt"
	"net"
	"sync"
	"time"

	"corerpc/codec"
	"corerpc/loadbalance"
	"corerpc/message"
	"corerpc/protocol"
	"corerpc/transport"
)

const (
	defaultDialTimeout  = 2 * time.Second
	defaultWriteTimeout = 5 * time.Second
	defaultReadTimeout  = 120 * time.Second
	poolSizePerEndpoint = 8
)

// Client is the outbound RPC caller for one logical set of downstream services, all
// reachable through the same load balancer pool.
type Client struct {
	pool      *loadbalance.Pool
	codecType codec.CodecType
	limits    protocol.Limits

	mu    sync.Mutex
	pools map[string]*transport.ConnPool
}

// New builds a Client backed by pool for endpoint selection, using codecType to encode
// requests and decode responses.
func New(pool *loadbalance.Pool, codecType codec.CodecType) *Client {
	return &Client{
		pool:      pool,
		codecType: codecType,
		limits:    protocol.DefaultClientLimits,
		pools:     make(map[string]*transport.ConnPool),
	}
}

func (c *Client) connPoolFor(addr string) *transport.ConnPool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pools[addr]; ok {
		return p
	}
	p := transport.NewConnPool(addr, poolSizePerEndpoint, func() (net.Conn, error) {
		return net.DialTimeout("tcp", addr, defaultDialTimeout)
	})
	c.pools[addr] = p
	return p
}

// stepError carries the fixed failure vocabulary Call/roundTrip map onto the response
// envelope's head["message"]: "connect timeout", "read timeout", "host/port not set",
// "serialize failed: …", "execute step: <last state> exception: <detail>". Callers
// match on these literals, so raw wrapped Go error text never passes through.
type stepError struct {
	literal string
}

func (e *stepError) Error() string { return e.literal }

func connectTimeoutErr() error { return &stepError{"connect timeout"} }
func readTimeoutErr() error    { return &stepError{"read timeout"} }
func hostPortNotSetErr() error { return &stepError{"host/port not set"} }
func serializeFailedErr(err error) error {
	return &stepError{fmt.Sprintf("serialize failed: %v", err)}
}
func executeStepErr(step string, err error) error {
	return &stepError{fmt.Sprintf("execute step: %s exception: %v", step, err)}
}

// failure builds a response-shaped failure envelope, matching rpcserver's response
// envelope convention (result/message in Head, errorType in Data) so a caller never
// has to branch on where a failure originated.
func failure(errorType, detail string, elapsed time.Duration) *message.Message {
	resp := message.New()
	resp.Fail(detail)
	resp.Data.Set("errorType", errorType)
	resp.Head.Set(message.HeadTime, elapsed.Nanoseconds())
	return resp
}

// Call resolves service to an endpoint through the load balancer, sends req, and
// returns the decoded response. Endpoint selection is weighted round robin unless the
// caller set head["source"], which switches to consistent-hash affinity so every
// request from that source keeps hitting the same endpoint (see Pool.PickAffine).
// req.Head["extTrxId"] is left untouched if already set by the caller; otherwise Call
// does not assign one, since one pooled connection serves exactly one in-flight
// request at a time and needs no correlation key. head["time"] is always stamped with
// the elapsed nanoseconds for the whole call, success or failure.
func (c *Client) Call(service string, req *message.Message) *message.Message {
	start := time.Now()

	addr, err := c.pickEndpoint(service, req)
	if err != nil || addr == "" {
		return failure("NO_ENDPOINT", hostPortNotSetErr().Error(), time.Since(start))
	}

	pooled := c.connPoolFor(addr)
	conn, err := pooled.Get()
	if err != nil {
		c.pool.MarkBroken(addr)
		return failure("CONNECT_TIMEOUT", connectTimeoutErr().Error(), time.Since(start))
	}

	resp, err := c.roundTrip(conn, req)
	if err != nil {
		conn.MarkUnusable()
		c.pool.MarkBroken(addr)
		pooled.Put(conn)
		errorType := "TRANSPORT_ERROR"
		if se, ok := err.(*stepError); ok {
			switch se.literal {
			case "read timeout":
				errorType = "READ_TIMEOUT"
			case "connect timeout":
				errorType = "CONNECT_TIMEOUT"
			}
		}
		return failure(errorType, err.Error(), time.Since(start))
	}
	pooled.Put(conn)
	resp.Head.Set(message.HeadTime, time.Since(start).Nanoseconds())
	return resp
}

func (c *Client) pickEndpoint(service string, req *message.Message) (string, error) {
	if src := req.Head.GetString(message.HeadSource); src != "" {
		return c.pool.PickAffine(service, src)
	}
	return c.pool.Pick(service)
}

func (c *Client) roundTrip(conn *transport.PoolConn, req *message.Message) (*message.Message, error) {
	enc := codec.GetCodec(c.codecType)
	body, err := enc.Encode(req)
	if err != nil {
		return nil, serializeFailedErr(err)
	}

	if err := conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout)); err != nil {
		return nil, executeStepErr("write", err)
	}
	if err := protocol.Encode(conn, body); err != nil {
		return nil, executeStepErr("write", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(defaultReadTimeout)); err != nil {
		return nil, executeStepErr("read", err)
	}
	dec := protocol.NewDecoder(c.limits, nil)
	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			frames, ferr := dec.Feed(buf[:n])
			if ferr != nil {
				return nil, executeStepErr("decode", ferr)
			}
			if len(frames) > 0 {
				msg, derr := enc.Decode(frames[0])
				if derr != nil {
					return nil, executeStepErr("decode", derr)
				}
				return msg, nil
			}
		}
		if err != nil {
			if isTimeout(err) {
				return nil, readTimeoutErr()
			}
			return nil, executeStepErr("read", err)
		}
	}
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// Close releases every per-endpoint connection pool this client has created.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.pools {
		p.Close()
	}
	c.pools = make(map[string]*transport.ConnPool)
	return nil
}
