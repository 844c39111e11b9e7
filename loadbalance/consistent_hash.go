package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
)

// ringReplicas is how many virtual nodes each endpoint occupies on a hash ring.
// Without virtual nodes, a handful of endpoints can cluster together and skew the
// distribution.
const ringReplicas = 100

// hashRing maps affinity keys to endpoints so the same key keeps landing on the same
// endpoint until the endpoint set changes. One ring exists per service, rebuilt from
// the distinct configured addresses on every config reload; Pool.PickAffine is the
// consumer.
type hashRing struct {
	ring  []uint32
	nodes map[uint32]string
}

func newHashRing(addrs []string) *hashRing {
	r := &hashRing{nodes: make(map[uint32]string, len(addrs)*ringReplicas)}
	for _, addr := range addrs {
		for i := 0; i < ringReplicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", addr, i)))
			r.ring = append(r.ring, hash)
			r.nodes[hash] = addr
		}
	}
	sort.Slice(r.ring, func(i, j int) bool { return r.ring[i] < r.ring[j] })
	return r
}

// walk visits distinct endpoints in ring order starting at key's position (binary
// search for the first node at or past the key's hash, wrapping at the end), calling
// visit until it returns true or every distinct address has been offered. Walking
// successors rather than returning only the owner is what lets a caller skip a
// quarantined endpoint while keeping the mapping stable for every other key.
func (r *hashRing) walk(key string, visit func(addr string) bool) {
	if len(r.ring) == 0 {
		return
	}
	hash := crc32.ChecksumIEEE([]byte(key))
	start := sort.Search(len(r.ring), func(i int) bool { return r.ring[i] >= hash })
	seen := make(map[string]struct{})
	for i := 0; i < len(r.ring); i++ {
		addr := r.nodes[r.ring[(start+i)%len(r.ring)]]
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		if visit(addr) {
			return
		}
	}
}
