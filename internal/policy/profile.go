package policy

import "fmt"

// RequestClass 描述请求在分派时被归入的资源类别。
type RequestClass string

const (
	ClassNavigation RequestClass = "navigation"
	ClassTile       RequestClass = "tile"
	ClassStatic     RequestClass = "static"
)

// Classes 返回按分类优先级排列的全部类别。
func Classes() []RequestClass {
	return []RequestClass{ClassNavigation, ClassTile, ClassStatic}
}

// ParseClass 校验并返回请求类别。
func ParseClass(raw string) (RequestClass, error) {
	switch c := RequestClass(raw); c {
	case ClassNavigation, ClassTile, ClassStatic:
		return c, nil
	default:
		return "", fmt.Errorf("unknown request class: %s", raw)
	}
}

// Strategy 描述单个请求的缓存/网络组合方式。
type Strategy string

const (
	// StrategyCacheFirst 先查缓存，未命中时回源并写回缓存。
	StrategyCacheFirst Strategy = "cache-first"
	// StrategyCacheOrNetwork 先查缓存，未命中时回源但不写回。
	StrategyCacheOrNetwork Strategy = "cache-or-network"
	// StrategyNetworkFirst 总是先回源，成功写回；失败时退回缓存。
	StrategyNetworkFirst Strategy = "network-first"
	// StrategyStaleWhileRevalidate 立即返回缓存，同时后台回源刷新。
	StrategyStaleWhileRevalidate Strategy = "stale-while-revalidate"
)

// ParseStrategy 校验并返回策略值。
func ParseStrategy(raw string) (Strategy, error) {
	switch s := Strategy(raw); s {
	case StrategyCacheFirst, StrategyCacheOrNetwork, StrategyNetworkFirst, StrategyStaleWhileRevalidate:
		return s, nil
	default:
		return "", fmt.Errorf("unknown strategy: %s", raw)
	}
}

// Profile 记录一个策略版本的静态信息，供拦截器分派与诊断端使用。
type Profile struct {
	Key         string
	Description string
	// Strategies 为每个请求类别指定策略，缺省类别使用 Fallback。
	Strategies map[RequestClass]Strategy
	Fallback   Strategy
	// Activation 为 true 时，激活阶段会清理非当前版本的缓存代。
	Activation bool
}

// StrategyFor 返回类别对应的策略。
func (p Profile) StrategyFor(class RequestClass) Strategy {
	if s, ok := p.Strategies[class]; ok && s != "" {
		return s
	}
	if p.Fallback != "" {
		return p.Fallback
	}
	return StrategyCacheOrNetwork
}

// WithOverrides 返回应用了按类别覆盖后的副本，原档案保持不变。
func (p Profile) WithOverrides(overrides map[RequestClass]Strategy) Profile {
	if len(overrides) == 0 {
		return p
	}
	merged := make(map[RequestClass]Strategy, len(p.Strategies)+len(overrides))
	for class, s := range p.Strategies {
		merged[class] = s
	}
	for class, s := range overrides {
		merged[class] = s
	}
	p.Strategies = merged
	return p
}
