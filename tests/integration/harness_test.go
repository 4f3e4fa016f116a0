package integration

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-map/internal/cache"
	"github.com/any-hub/offline-map/internal/config"
	"github.com/any-hub/offline-map/internal/interceptor"
	"github.com/any-hub/offline-map/internal/metrics"
	"github.com/any-hub/offline-map/internal/policy"
	"github.com/any-hub/offline-map/internal/proxy"
	"github.com/any-hub/offline-map/internal/server"
	"github.com/any-hub/offline-map/internal/server/routes"
)

// offlineMap 串起存储、拦截器与 Fiber 应用，模拟一次完整进程。
type offlineMap struct {
	*fiber.App
	cfg         *config.Config
	storage     cache.Storage
	interceptor *interceptor.Interceptor
	metrics     *metrics.Adapter
}

func newTestConfig(storagePath, driver, policyKey, cacheName string, mapStub, tileStub *upstreamStub) *config.Config {
	return &config.Config{
		Global: config.GlobalConfig{
			ListenPort:       5000,
			StoragePath:      storagePath,
			StorageDriver:    driver,
			CacheName:        cacheName,
			Policy:           policyKey,
			Manifest:         policy.DefaultManifest(),
			TileHost:         "localhost",
			NavigationMarker: "/index.html",
			MetricsEnabled:   true,
		},
		Sites: []config.SiteConfig{
			{Name: "map", Domain: "map.local", Upstream: mapStub.URL, Origin: true},
			{Name: "tiles", Domain: "tiles.local", Upstream: "http://localhost:" + tileStub.Port},
		},
	}
}

func newOfflineMap(t *testing.T, cfg *config.Config, storage cache.Storage) *offlineMap {
	t.Helper()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("config error: %v", err)
	}
	registry, err := server.NewSiteRegistry(cfg)
	if err != nil {
		t.Fatalf("registry error: %v", err)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	adapter := metrics.New(nil, "offline_map")
	ic, err := server.BuildInterceptor(cfg, storage, server.NewHTTPNetwork(cfg, registry), logger, adapter)
	if err != nil {
		t.Fatalf("interceptor error: %v", err)
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      proxy.NewHandler(ic, logger),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		t.Fatalf("app error: %v", err)
	}
	routes.RegisterCacheRoutes(app, routes.CacheRouteOptions{
		Storage:   storage,
		Registry:  registry,
		CacheName: ic.CacheName(),
		Profile:   ic.Profile(),
	})
	routes.RegisterMetricsRoute(app, adapter.Registry())

	t.Cleanup(ic.Wait)
	return &offlineMap{App: app, cfg: cfg, storage: storage, interceptor: ic, metrics: adapter}
}

func newTestStorage(t *testing.T, driver string) cache.Storage {
	t.Helper()
	storage, err := cache.NewStorage(driver, t.TempDir())
	if err != nil {
		t.Fatalf("storage error: %v", err)
	}
	t.Cleanup(func() { _ = storage.Close() })
	return storage
}

func (m *offlineMap) get(t *testing.T, host, p string) (*http.Response, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "http://"+host+p, nil)
	req.Host = host
	resp, err := m.Test(req)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

func (m *offlineMap) storeKeys(t *testing.T, name string) []string {
	t.Helper()
	store, err := m.storage.Open(context.Background(), name)
	if err != nil {
		t.Fatalf("open error: %v", err)
	}
	keys, err := store.Keys(context.Background())
	if err != nil {
		t.Fatalf("keys error: %v", err)
	}
	return keys
}

func containsKey(keys []string, want string) bool {
	for _, key := range keys {
		if key == want {
			return true
		}
	}
	return false
}

var drivers = []string{cache.DriverFS, cache.DriverSQLite}
