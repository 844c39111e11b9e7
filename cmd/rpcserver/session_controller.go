package main

import (
	"context"
	"time"

	"corerpc/message"
	"corerpc/router"
	"corerpc/session"
)

const sessionOpTimeout = 3 * time.Second

// SessionController exposes the session store over RPC so any instance behind the load
// balancer can read and write the same caller state.
type SessionController struct {
	store session.Store
}

func (c *SessionController) Prefix() string { return "/session" }

func (c *SessionController) RouteDescriptor() []router.RouteDef {
	return []router.RouteDef{
		{Target: "/save", MethodName: "Save", Loggable: true},
		{Target: "/load", MethodName: "Load", Loggable: true},
		{Target: "/delete", MethodName: "Delete", Loggable: true},
	}
}

// Save persists data["attributes"]-style string entries under data["sessionId"], with
// data["ttlSeconds"] controlling expiry (default 1800).
func (c *SessionController) Save(req *message.Message) (map[string]any, error) {
	id := req.Data.GetString("sessionId")
	ttl := req.Data.GetLong("ttlSeconds")
	if ttl <= 0 {
		ttl = 1800
	}

	attrs := make(map[string]string)
	for _, k := range req.Data.Keys() {
		if k == "sessionId" || k == "ttlSeconds" {
			continue
		}
		attrs[k] = req.Data.GetString(k)
	}

	ctx, cancel := context.WithTimeout(context.Background(), sessionOpTimeout)
	defer cancel()
	if err := c.store.Save(ctx, session.Session{ID: id, Attributes: attrs}, ttl); err != nil {
		return nil, err
	}
	return map[string]any{"sessionId": id}, nil
}

func (c *SessionController) Load(req *message.Message) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), sessionOpTimeout)
	defer cancel()

	sess, ok, err := c.store.Load(ctx, req.Data.GetString("sessionId"))
	if err != nil {
		return nil, err
	}
	out := map[string]any{"found": ok}
	if ok {
		for k, v := range sess.Attributes {
			out[k] = v
		}
	}
	return out, nil
}

func (c *SessionController) Delete(req *message.Message) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), sessionOpTimeout)
	defer cancel()

	id := req.Data.GetString("sessionId")
	if err := c.store.Delete(ctx, id); err != nil {
		return nil, err
	}
	return map[string]any{"sessionId": id}, nil
}
