package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
)

// ConsistentHashBalancer maps keys to broker endpoints using a hash
// ring. The same key always maps to the same endpoint until the ring
// changes — useful for pinning a client identity to one broker so its
// registered handlers and calls stay on one connection. 100 virtual
// nodes per endpoint keep the ring from clustering a handful of
// endpoints unevenly.
type ConsistentHashBalancer struct {
	replicas int
	ring     []uint32
	nodes    map[uint32]*Endpoint
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per endpoint.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		ring:     []uint32{},
		nodes:    make(map[uint32]*Endpoint),
	}
}

// Add places an endpoint onto the hash ring with N virtual nodes,
// each hashed from "{addr}#{i}".
func (b *ConsistentHashBalancer) Add(endpoint *Endpoint) {
	for i := 0; i < b.replicas; i++ {
		key := fmt.Sprintf("%s#%d", endpoint.Addr, i)
		hash := crc32.ChecksumIEEE([]byte(key))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = endpoint
	}
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

// Pick finds the endpoint responsible for the given key. It hashes the
// key, then binary-searches for the first node >= hash on the ring. If
// the hash is larger than all nodes, it wraps around to the first node
// (ring property).
//
// Pick takes a string key (not []Endpoint) because consistent hashing
// is key-based — it doesn't implement the Balancer interface directly.
func (b *ConsistentHashBalancer) Pick(key string) (*Endpoint, error) {
	if len(b.ring) == 0 {
		return nil, fmt.Errorf("no endpoints available")
	}
	hash := crc32.ChecksumIEEE([]byte(key))

	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}

	return b.nodes[b.ring[idx]], nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}

// KeyedBalancer adapts a ConsistentHashBalancer to the Balancer
// interface for a fixed routing key, so cmd/brokerd's call command can
// select it through the same Pick([]Endpoint) entry point as the other
// two strategies. The ring is rebuilt from the endpoint list on every
// Pick, since a one-shot CLI invocation has no state to keep it in
// between calls.
type KeyedBalancer struct {
	Key string
}

func (k KeyedBalancer) Pick(endpoints []Endpoint) (*Endpoint, error) {
	if k.Key == "" {
		return nil, fmt.Errorf("consistent-hash: routing key is empty")
	}
	ring := NewConsistentHashBalancer()
	for i := range endpoints {
		ring.Add(&endpoints[i])
	}
	return ring.Pick(k.Key)
}

func (k KeyedBalancer) Name() string { return "ConsistentHash" }
