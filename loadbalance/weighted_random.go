package loadbalance

import (
	"math/rand/v2"
)

type WeightedRandomBalancer struct{}

// Pick draws a target with probability proportional to its weight. Targets without a
// positive weight count as weight 1.
func (b *WeightedRandomBalancer) Pick(targets []Target) (Target, error) {
	if len(targets) == 0 {
		return Target{}, ErrNoTargets
	}

	// 计算总权重
	totalWeight := 0
	for _, v := range targets {
		totalWeight += weightOf(v)
	}

	// 生成一个随机数，范围是0到总权重
	r := rand.IntN(totalWeight)
	for _, v := range targets {
		r -= weightOf(v)
		if r < 0 {
			return v, nil
		}
	}
	return targets[len(targets)-1], nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}

func weightOf(t Target) int {
	if t.Weight <= 0 {
		return 1
	}
	return t.Weight
}
