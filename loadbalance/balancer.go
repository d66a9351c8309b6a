// Package loadbalance picks which configured broker endpoint a fresh
// client.Dial should connect to when more than one is available.
// Once connected, a client.Client stays on that single multiplexed
// connection for its lifetime, so a Balancer only ever runs once, at
// dial time — cmd/brokerd's call command is the one place in this
// repo that actually has more than one broker address to choose from
// (client.DialBalanced).
package loadbalance

// Endpoint is one broker address a client may dial.
type Endpoint struct {
	Addr   string
	Weight int
}

// Balancer picks one endpoint out of a configured set. A client
// dialing multiple configured brokers calls Pick once before Dial.
type Balancer interface {
	Pick(endpoints []Endpoint) (*Endpoint, error)
	Name() string
}
