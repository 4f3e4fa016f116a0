package server

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-map/internal/cache"
	"github.com/any-hub/offline-map/internal/config"
	"github.com/any-hub/offline-map/internal/interceptor"
	"github.com/any-hub/offline-map/internal/metrics"
	"github.com/any-hub/offline-map/internal/policy"
)

// BuildInterceptor 根据配置组装拦截器：策略档案、分类器、清单作用域与回源器。
func BuildInterceptor(cfg *config.Config, storage cache.Storage, network interceptor.Network, logger *logrus.Logger, adapter *metrics.Adapter) (*interceptor.Interceptor, error) {
	profile, err := cfg.ResolvedProfile()
	if err != nil {
		return nil, err
	}

	scope, err := cfg.Scope()
	if err != nil {
		return nil, err
	}

	ic, err := interceptor.New(interceptor.Options{
		CacheName:  cfg.Global.CacheName,
		Storage:    storage,
		Network:    network,
		Manifest:   cfg.Global.Manifest,
		Scope:      scope,
		Profile:    profile,
		Classifier: policy.NewClassifier(cfg.Global.TileHost, cfg.Global.NavigationMarker),
		Logger:     logger,
		Metrics:    adapter,
	})
	if err != nil {
		return nil, fmt.Errorf("build interceptor: %w", err)
	}
	return ic, nil
}
