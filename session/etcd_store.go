package session

import (
	"context"
	"encoding/json"
	"fmt"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// etcdKeyPrefix namespaces every session key so this store can share an etcd cluster
// with other uses without key collisions.
const etcdKeyPrefix = "/corerpc/session/"

// EtcdSessionStore implements Store on top of etcd v3 with the lease-plus-TTL
// pattern: a session's key carries a lease that expires it automatically if nothing
// renews it, so a crashed or forgetful caller doesn't leave stale session state
// behind forever.
type EtcdSessionStore struct {
	client *clientv3.Client
}

// NewEtcdSessionStore connects to the given etcd endpoints.
func NewEtcdSessionStore(endpoints []string) (*EtcdSessionStore, error) {
	c, err := clientv3.New(clientv3.Config{Endpoints: endpoints})
	if err != nil {
		return nil, err
	}
	return &EtcdSessionStore{client: c}, nil
}

func (s *EtcdSessionStore) key(id string) string {
	return etcdKeyPrefix + id
}

// Save grants a fresh lease for ttlSeconds and puts sess under it, replacing any lease
// (and TTL) the session previously had. Sessions are not kept alive by a background
// heartbeat: the caller is expected to call Save again to renew, which naturally
// matches a session refreshed by continued use.
func (s *EtcdSessionStore) Save(ctx context.Context, sess Session, ttlSeconds int64) error {
	lease, err := s.client.Grant(ctx, ttlSeconds)
	if err != nil {
		return fmt.Errorf("session: grant lease: %w", err)
	}
	val, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("session: marshal: %w", err)
	}
	_, err = s.client.Put(ctx, s.key(sess.ID), string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return fmt.Errorf("session: put: %w", err)
	}
	return nil
}

func (s *EtcdSessionStore) Load(ctx context.Context, id string) (Session, bool, error) {
	resp, err := s.client.Get(ctx, s.key(id))
	if err != nil {
		return Session{}, false, fmt.Errorf("session: get: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return Session{}, false, nil
	}
	var sess Session
	if err := json.Unmarshal(resp.Kvs[0].Value, &sess); err != nil {
		return Session{}, false, fmt.Errorf("session: unmarshal: %w", err)
	}
	return sess, true, nil
}

func (s *EtcdSessionStore) Delete(ctx context.Context, id string) error {
	_, err := s.client.Delete(ctx, s.key(id))
	if err != nil {
		return fmt.Errorf("session: delete: %w", err)
	}
	return nil
}

func (s *EtcdSessionStore) Close() error {
	return s.client.Close()
}
