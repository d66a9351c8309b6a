package loadbalance

import (
	"fmt"
	"sync/atomic"
)

// RoundRobinBalancer distributes new connections evenly across all
// configured broker endpoints in order. Best for equal-capacity
// brokers behind the same client pool.
type RoundRobinBalancer struct {
	counter int64
}

// Pick selects the next endpoint in round-robin order.
func (b *RoundRobinBalancer) Pick(endpoints []Endpoint) (*Endpoint, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("no endpoints available")
	}
	index := atomic.AddInt64(&b.counter, 1) % int64(len(endpoints))
	return &endpoints[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
