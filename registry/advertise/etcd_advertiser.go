// Package advertise publishes a running broker's listen endpoints to etcd
// for operational discovery — a second broker process, a monitoring
// sidecar, or an ops CLI can enumerate live brokers this way. It plays no
// part in call routing: the dispatch core never consults it (spec.md
// leaves cross-broker federation a Non-goal; SPEC_FULL.md §6 narrows the
// teacher's etcd-backed service registry to this advertisement-only role
// instead of dropping the dependency).
//
// etcd is used as a distributed phonebook:
//
//	Key:   /mini-rpc-broker/{brokerID}
//	Value: JSON-encoded Endpoint
//
// Registration uses a TTL lease: if the broker crashes, the lease expires
// and the entry disappears on its own.
package advertise

import (
	"context"
	"encoding/json"
	"fmt"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// Endpoint describes how to reach one running broker.
type Endpoint struct {
	BrokerID   string   `json:"broker_id"`
	SocketPath string   `json:"socket_path,omitempty"`
	TCPAddrs   []string `json:"tcp_addrs,omitempty"`
}

const keyPrefix = "/mini-rpc-broker/"

// Advertiser publishes and withdraws broker Endpoints in etcd.
type Advertiser struct {
	client *clientv3.Client
}

// NewAdvertiser connects to the given etcd endpoints.
func NewAdvertiser(etcdEndpoints []string) (*Advertiser, error) {
	c, err := clientv3.New(clientv3.Config{Endpoints: etcdEndpoints})
	if err != nil {
		return nil, fmt.Errorf("advertise: dial etcd: %w", err)
	}
	return &Advertiser{client: c}, nil
}

// Advertise publishes ep under its BrokerID with a TTL lease, and starts a
// background goroutine renewing the lease until ctx is cancelled.
func (a *Advertiser) Advertise(ctx context.Context, ep Endpoint, ttlSeconds int64) error {
	lease, err := a.client.Grant(ctx, ttlSeconds)
	if err != nil {
		return fmt.Errorf("advertise: grant lease: %w", err)
	}

	val, err := json.Marshal(ep)
	if err != nil {
		return fmt.Errorf("advertise: marshal endpoint: %w", err)
	}

	if _, err := a.client.Put(ctx, keyPrefix+ep.BrokerID, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("advertise: put endpoint: %w", err)
	}

	ch, err := a.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("advertise: keepalive: %w", err)
	}
	go func() {
		for range ch {
		}
	}()
	return nil
}

// Withdraw removes brokerID's advertisement, called during graceful
// shutdown before the broker stops accepting connections.
func (a *Advertiser) Withdraw(ctx context.Context, brokerID string) error {
	if _, err := a.client.Delete(ctx, keyPrefix+brokerID); err != nil {
		return fmt.Errorf("advertise: delete endpoint: %w", err)
	}
	return nil
}

// ListBrokers returns every currently-advertised Endpoint.
func (a *Advertiser) ListBrokers(ctx context.Context) ([]Endpoint, error) {
	resp, err := a.client.Get(ctx, keyPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("advertise: list brokers: %w", err)
	}
	endpoints := make([]Endpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var ep Endpoint
		if err := json.Unmarshal(kv.Value, &ep); err != nil {
			continue
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, nil
}

// Watch emits the full broker list whenever it changes.
func (a *Advertiser) Watch(ctx context.Context) <-chan []Endpoint {
	out := make(chan []Endpoint, 1)
	go func() {
		watchChan := a.client.Watch(ctx, keyPrefix, clientv3.WithPrefix())
		for range watchChan {
			endpoints, err := a.ListBrokers(ctx)
			if err != nil {
				continue
			}
			out <- endpoints
		}
	}()
	return out
}

// Close releases the underlying etcd client.
func (a *Advertiser) Close() error {
	return a.client.Close()
}
