package client

import (
	"fmt"

	"mini-rpc-broker/loadbalance"
)

// DialBalanced picks one broker address out of endpoints using balancer
// and dials it. Once connected, the returned Client stays on that
// single multiplexed connection for its lifetime — endpoint picking
// only ever happens at dial time, not per call.
func DialBalanced(network string, endpoints []loadbalance.Endpoint, balancer loadbalance.Balancer) (*Client, error) {
	endpoint, err := balancer.Pick(endpoints)
	if err != nil {
		return nil, fmt.Errorf("client: pick endpoint via %s: %w", balancer.Name(), err)
	}
	return Dial(network, endpoint.Addr)
}
