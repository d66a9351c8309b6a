// Package broker wires the dispatch core, the I/O bridge, and the
// ambient stack (config, logging, optional metrics and etcd
// advertisement) into one runnable broker process, the way
// marmos91-dittofs's cmd/*/commands/start.go wires its own server
// components before calling Serve.
package broker

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"mini-rpc-broker/bridge"
	"mini-rpc-broker/dispatch"
	"mini-rpc-broker/internal/config"
	"mini-rpc-broker/registry/advertise"
)

// Broker owns a bridge, a dispatch core, and whatever ambient services
// (metrics server, etcd advertiser) the configuration turns on.
type Broker struct {
	cfg    config.Config
	log    zerolog.Logger
	bridge *bridge.Bridge
	core   *dispatch.Core

	metricsSrv *http.Server
	advertiser *advertise.Advertiser
}

// New builds a Broker from cfg, wiring the bridge and dispatch core
// together exactly as client/client_test.go's startTestBroker does for
// tests, plus the production-only ambient services.
func New(cfg config.Config, log zerolog.Logger) *Broker {
	br := bridge.New(bridge.Config{
		WorkerPoolSize: cfg.WorkerPoolSize,
		MaxFrameSize:   cfg.MaxFrameSize,
		AcceptRate:     cfg.AcceptRate,
		AcceptBurst:    cfg.AcceptBurst,
	}, log)
	core := dispatch.New(br, dispatch.Config{AllowRemoteExit: cfg.AllowRemoteExit}, log)
	br.SetCore(core)

	b := &Broker{cfg: cfg, log: log.With().Str("component", "broker").Logger(), bridge: br, core: core}

	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		core.SetMetrics(newMetrics(reg))
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		b.metricsSrv = &http.Server{Addr: cfg.Metrics.Address, Handler: mux}
	}

	return b
}

// Listen opens a broker listener; call once per configured endpoint
// before Serve.
func (b *Broker) Listen(network, address string) error {
	return b.bridge.Listen(network, address)
}

// Addrs returns the broker's listener addresses, in registration order.
func (b *Broker) Addrs() []net.Addr { return b.bridge.Addrs() }

// Serve runs the dispatch core, the bridge's accept loops, and (if
// configured) the metrics HTTP server and etcd advertiser, blocking
// until the broker shuts down (via Shutdown or an accepted core.exit).
func (b *Broker) Serve(ctx context.Context) error {
	if b.metricsSrv != nil {
		go func() {
			if err := b.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				b.log.Warn().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	if b.cfg.Etcd.Enabled {
		adv, err := advertise.NewAdvertiser(b.cfg.Etcd.Endpoints)
		if err != nil {
			return fmt.Errorf("broker: connect etcd advertiser: %w", err)
		}
		b.advertiser = adv

		endpoints := make([]string, 0, len(b.cfg.Endpoints))
		var socketPath string
		for _, e := range b.cfg.Endpoints {
			if e.Network == "unix" {
				socketPath = e.Address
			} else {
				endpoints = append(endpoints, e.Address)
			}
		}
		ttl := int64(b.cfg.Etcd.LeaseTTL / time.Second)
		if ttl <= 0 {
			ttl = 10
		}
		if err := adv.Advertise(ctx, advertise.Endpoint{
			BrokerID:   b.cfg.Etcd.BrokerID,
			SocketPath: socketPath,
			TCPAddrs:   endpoints,
		}, ttl); err != nil {
			return fmt.Errorf("broker: advertise: %w", err)
		}
	}

	b.core.SetOnQuit(func() {
		b.log.Info().Msg("core.exit accepted, shutting down broker")
		_ = b.bridge.Quit(ctx)
	})

	go b.core.Run()
	b.bridge.Serve()
	<-b.core.Done()
	return nil
}

// Shutdown withdraws the etcd advertisement, then stops the metrics
// server, the bridge, and the dispatch core, in that order.
func (b *Broker) Shutdown(ctx context.Context) error {
	if b.advertiser != nil {
		if err := b.advertiser.Withdraw(ctx, b.cfg.Etcd.BrokerID); err != nil {
			b.log.Warn().Err(err).Msg("failed to withdraw etcd advertisement")
		}
		b.advertiser.Close()
	}
	if b.metricsSrv != nil {
		_ = b.metricsSrv.Shutdown(ctx)
	}
	if err := b.bridge.Quit(ctx); err != nil {
		return err
	}
	b.core.Quit()
	return nil
}
