package loadbalance

import (
	"fmt"
	"math/rand"
)

// WeightedRandomBalancer selects a broker endpoint probabilistically
// based on its weight: a weight-10 endpoint gets roughly 2x the new
// connections of a weight-5 one. Best for heterogeneous brokers.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(endpoints []Endpoint) (*Endpoint, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("no endpoints available")
	}

	totalWeight := 0
	for _, e := range endpoints {
		totalWeight += e.Weight
	}

	r := rand.Intn(totalWeight)
	for i := range endpoints {
		r -= endpoints[i].Weight
		if r < 0 {
			return &endpoints[i], nil
		}
	}

	return nil, fmt.Errorf("unexpected error in weighted random selection")
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
