package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供站点/类别/策略/命中状态字段，供代理请求日志复用。
func RequestFields(site, domain, class, strategy string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"site":      site,
		"domain":    domain,
		"class":     class,
		"strategy":  strategy,
		"cache_hit": cacheHit,
	}
}

// LifecycleFields 描述 install/activate 阶段的日志字段。
func LifecycleFields(phase, cacheName string) logrus.Fields {
	return logrus.Fields{
		"action":     phase,
		"cache_name": cacheName,
	}
}
