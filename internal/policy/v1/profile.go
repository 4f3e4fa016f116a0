// Package v1 注册初版离线策略：瓦片缓存优先并写回，其余资源只读缓存。
package v1

import "github.com/any-hub/offline-map/internal/policy"

// v1 不做缓存代清理，版本升级后旧缓存代会永久保留。
func init() {
	policy.MustRegister(policy.Profile{
		Key:         "v1",
		Description: "Offline-first: tiles cache-first with write-back, everything else served from cache or network without write-back",
		Strategies: map[policy.RequestClass]policy.Strategy{
			policy.ClassNavigation: policy.StrategyCacheOrNetwork,
			policy.ClassTile:       policy.StrategyCacheFirst,
			policy.ClassStatic:     policy.StrategyCacheOrNetwork,
		},
		Fallback:   policy.StrategyCacheOrNetwork,
		Activation: false,
	})
}
