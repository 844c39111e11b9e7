package client

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"corerpc/codec"
	"corerpc/loadbalance"
	"corerpc/message"
	"corerpc/protocol"
)

// startEchoServer runs a minimal server that decodes one tagged-codec frame, flips it
// into a success envelope, and writes it back, enough to exercise Client.Call's round
// trip without depending on the rpcserver package.
func startEchoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				dec := protocol.NewDecoder(protocol.DefaultServerLimits, nil)
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if err != nil {
						return
					}
					frames, err := dec.Feed(buf[:n])
					if err != nil {
						return
					}
					for _, frame := range frames {
						cdc := codec.GetCodec(codec.CodecTypeTagged)
						msg, err := cdc.Decode(frame)
						if err != nil {
							return
						}
						msg.Success("echo-chan")
						msg.Data.Set("server", ln.Addr().String())
						out, err := cdc.Encode(msg)
						if err != nil {
							return
						}
						if err := protocol.Encode(c, out); err != nil {
							return
						}
					}
				}
			}(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func writePoolConfig(t *testing.T, service, addr string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "lb.json")
	cfg := map[string]map[string]int{service: {addr: 1}}
	raw, err := json.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestClientCallRoundTrip(t *testing.T) {
	addr := startEchoServer(t)
	cfgPath := writePoolConfig(t, "Echo", addr)

	pool, err := loadbalance.NewPool(cfgPath, zap.NewNop(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	c := New(pool, codec.CodecTypeTagged)
	defer c.Close()

	req := message.New()
	req.Head.Set(message.HeadTarget, "/echo/ping")
	req.Data.Set("value", "hi")

	resp := c.Call("Echo", req)
	if !resp.Head.GetBool(message.HeadResult) {
		t.Fatalf("expected success, got %q", resp.Head.GetString(message.HeadMessage))
	}
}

func TestClientCallSourceAffinityPinsEndpoint(t *testing.T) {
	addr1 := startEchoServer(t)
	addr2 := startEchoServer(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "lb.json")
	raw, err := json.Marshal(map[string]map[string]int{"Echo": {addr1: 1, addr2: 1}})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}

	pool, err := loadbalance.NewPool(path, zap.NewNop(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	c := New(pool, codec.CodecTypeTagged)
	defer c.Close()

	req := message.New()
	req.Head.Set(message.HeadTarget, "/echo/ping")
	req.Head.Set(message.HeadSource, "caller-7")

	var pinned string
	for i := 0; i < 5; i++ {
		resp := c.Call("Echo", req)
		if !resp.Head.GetBool(message.HeadResult) {
			t.Fatalf("call %d failed: %s", i, resp.Head.GetString(message.HeadMessage))
		}
		server := resp.Data.GetString("server")
		if pinned == "" {
			pinned = server
			continue
		}
		if server != pinned {
			t.Fatalf("source affinity broke: call %d hit %s after %s", i, server, pinned)
		}
	}
}

func TestClientCallNoEndpointConfigured(t *testing.T) {
	cfgPath := writePoolConfig(t, "Other", "127.0.0.1:1")

	pool, err := loadbalance.NewPool(cfgPath, zap.NewNop(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	c := New(pool, codec.CodecTypeTagged)
	defer c.Close()

	resp := c.Call("Unconfigured", message.New())
	if resp.Head.GetBool(message.HeadResult) {
		t.Fatal("expected failure for an unconfigured service")
	}
	if resp.Data.GetString("errorType") != "NO_ENDPOINT" {
		t.Errorf("expected errorType NO_ENDPOINT, got %q", resp.Data.GetString("errorType"))
	}
	if resp.Head.GetString(message.HeadMessage) != "host/port not set" {
		t.Errorf("expected the host/port not set literal, got %q", resp.Head.GetString(message.HeadMessage))
	}
	if elapsed, _ := resp.Head.Get(message.HeadTime); elapsed == nil {
		t.Error("expected head[\"time\"] to be stamped even on failure")
	}
}

func TestClientCallDialFailureMarksEndpointBroken(t *testing.T) {
	cfgPath := writePoolConfig(t, "Down", "127.0.0.1:1")

	pool, err := loadbalance.NewPool(cfgPath, zap.NewNop(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	c := New(pool, codec.CodecTypeTagged)
	defer c.Close()

	resp := c.Call("Down", message.New())
	if resp.Head.GetBool(message.HeadResult) {
		t.Fatal("expected dial failure")
	}
	if resp.Data.GetString("errorType") != "CONNECT_TIMEOUT" {
		t.Errorf("expected errorType CONNECT_TIMEOUT, got %q", resp.Data.GetString("errorType"))
	}
	if resp.Head.GetString(message.HeadMessage) != "connect timeout" {
		t.Errorf("expected the connect timeout literal, got %q", resp.Head.GetString(message.HeadMessage))
	}

	time.Sleep(10 * time.Millisecond)
	resp2 := c.Call("Down", message.New())
	if resp2.Head.GetBool(message.HeadResult) {
		t.Fatal("expected second call to also fail")
	}
}
