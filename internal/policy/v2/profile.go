// Package v2 注册第二版策略：HTML 网络优先，其余资源 stale-while-revalidate，
// 激活时清理旧缓存代。
package v2

import "github.com/any-hub/offline-map/internal/policy"

func init() {
	policy.MustRegister(policy.Profile{
		Key:         "v2",
		Description: "Navigation network-first with cache fallback, everything else stale-while-revalidate; stale generations deleted on activation",
		Strategies: map[policy.RequestClass]policy.Strategy{
			policy.ClassNavigation: policy.StrategyNetworkFirst,
			policy.ClassTile:       policy.StrategyStaleWhileRevalidate,
			policy.ClassStatic:     policy.StrategyStaleWhileRevalidate,
		},
		Fallback:   policy.StrategyStaleWhileRevalidate,
		Activation: true,
	})
}
