package commands

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"mini-rpc-broker/client"
	"mini-rpc-broker/internal/config"
	"mini-rpc-broker/loadbalance"
)

var (
	callBrokers  []string
	callStrategy string
	callKey      string
	callTimeout  time.Duration
)

var callCmd = &cobra.Command{
	Use:   "call <procedure> [json-args]",
	Short: "Pick one of several configured brokers and issue a single RPC call",
	Long: `call picks one broker address out of --broker (repeatable) or the
configured client.brokers list, using --strategy (or client.balance_strategy),
dials it, issues procedure with the given JSON arguments, and prints the
final response.

This is a diagnostic tool for reaching one broker out of a pool from the
command line; a long-lived caller should use the client package directly
instead of shelling out to it.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runCall,
}

func init() {
	callCmd.Flags().StringSliceVar(&callBrokers, "broker", nil, "broker address to dial (repeatable); defaults to client.brokers from config")
	callCmd.Flags().StringVar(&callStrategy, "strategy", "", "round-robin, weighted-random, or consistent-hash; defaults to client.balance_strategy from config")
	callCmd.Flags().StringVar(&callKey, "key", "", "routing key for the consistent-hash strategy")
	callCmd.Flags().DurationVar(&callTimeout, "timeout", 5*time.Second, "how long to wait for the final response")
}

func runCall(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(viper.New(), GetConfigFile())
	if err != nil {
		return err
	}

	brokers := cfg.Client.Brokers
	if len(callBrokers) > 0 {
		brokers = make([]config.ClientBroker, len(callBrokers))
		for i, addr := range callBrokers {
			brokers[i] = config.ClientBroker{Address: addr, Weight: 1}
		}
	}
	if len(brokers) == 0 {
		return fmt.Errorf("brokerd: no brokers configured; pass --broker or set client.brokers")
	}

	strategy := cfg.Client.BalanceStrategy
	if callStrategy != "" {
		strategy = callStrategy
	}
	balancer, err := newBalancer(strategy, callKey)
	if err != nil {
		return err
	}

	endpoints := make([]loadbalance.Endpoint, len(brokers))
	for i, b := range brokers {
		endpoints[i] = loadbalance.Endpoint{Addr: b.Address, Weight: b.Weight}
	}

	c, err := client.DialBalanced("tcp", endpoints, balancer)
	if err != nil {
		return fmt.Errorf("brokerd: dial via %s: %w", balancer.Name(), err)
	}
	defer c.Close()

	var callArgs any
	if len(args) == 2 {
		if err := json.Unmarshal([]byte(args[1]), &callArgs); err != nil {
			return fmt.Errorf("brokerd: parse json args: %w", err)
		}
	}

	callCtx, err := c.Call(args[0], callArgs)
	if err != nil {
		return fmt.Errorf("brokerd: call %s: %w", args[0], err)
	}

	done := make(chan error, 1)
	var reply json.RawMessage
	go func() { done <- callCtx.WaitFor(&reply) }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("brokerd: %s: %w", args[0], err)
		}
	case <-time.After(callTimeout):
		_ = callCtx.Cancel()
		return fmt.Errorf("brokerd: %s: timed out waiting for a response", args[0])
	}

	fmt.Fprintln(cmd.OutOrStdout(), string(reply))
	return nil
}

func newBalancer(strategy, key string) (loadbalance.Balancer, error) {
	switch strings.ToLower(strategy) {
	case "", "round-robin", "roundrobin":
		return &loadbalance.RoundRobinBalancer{}, nil
	case "weighted-random", "weightedrandom":
		return &loadbalance.WeightedRandomBalancer{}, nil
	case "consistent-hash", "consistenthash":
		if key == "" {
			return nil, fmt.Errorf("brokerd: --key is required for the consistent-hash strategy")
		}
		return loadbalance.KeyedBalancer{Key: key}, nil
	default:
		return nil, fmt.Errorf("brokerd: unknown balance strategy %q", strategy)
	}
}
