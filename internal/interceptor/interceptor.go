package interceptor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-map/internal/cache"
	"github.com/any-hub/offline-map/internal/metrics"
	"github.com/any-hub/offline-map/internal/policy"
)

// Network 抽象回源能力。网络不可达或资源不存在时返回错误。
type Network interface {
	Fetch(ctx context.Context, req *http.Request) (*cache.Response, error)
}

// NetworkFunc 将函数适配为 Network，便于测试注入。
type NetworkFunc func(ctx context.Context, req *http.Request) (*cache.Response, error)

// Fetch makes NetworkFunc satisfy Network.
func (f NetworkFunc) Fetch(ctx context.Context, req *http.Request) (*cache.Response, error) {
	return f(ctx, req)
}

// ErrInstallFailed 表示清单中至少一个资源未能获取或写入。
var ErrInstallFailed = errors.New("install failed")

// Options 汇总构造拦截器所需的依赖，缓存代名称作为显式配置传入。
type Options struct {
	CacheName  string
	Storage    cache.Storage
	Network    Network
	Manifest   []string
	Scope      *url.URL
	Profile    policy.Profile
	Classifier policy.Classifier
	Logger     *logrus.Logger
	Metrics    *metrics.Adapter
}

// Interceptor 持有当前缓存代句柄与分派策略，每个实例互相独立。
type Interceptor struct {
	cacheName  string
	storage    cache.Storage
	network    Network
	manifest   []string
	scope      *url.URL
	profile    policy.Profile
	classifier policy.Classifier
	logger     *logrus.Logger
	metrics    *metrics.Adapter

	mu    sync.Mutex
	store cache.Store

	pending sync.WaitGroup
}

// New 校验依赖并构造拦截器。
func New(opts Options) (*Interceptor, error) {
	if strings.TrimSpace(opts.CacheName) == "" {
		return nil, errors.New("cache name is required")
	}
	if opts.Storage == nil {
		return nil, errors.New("cache storage is required")
	}
	if opts.Network == nil {
		return nil, errors.New("network is required")
	}
	if opts.Profile.Key == "" {
		return nil, errors.New("policy profile is required")
	}
	if len(opts.Manifest) > 0 && opts.Scope == nil {
		return nil, errors.New("scope is required to resolve the manifest")
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	classifier := opts.Classifier
	if classifier.TileHost == "" && classifier.NavigationMarker == "" {
		classifier = policy.NewClassifier("", "")
	}

	return &Interceptor{
		cacheName:  opts.CacheName,
		storage:    opts.Storage,
		network:    opts.Network,
		manifest:   append([]string(nil), opts.Manifest...),
		scope:      opts.Scope,
		profile:    opts.Profile,
		classifier: classifier,
		logger:     logger,
		metrics:    opts.Metrics,
	}, nil
}

// CacheName 返回当前缓存代名称。
func (i *Interceptor) CacheName() string {
	return i.cacheName
}

// Profile 返回生效的策略档案。
func (i *Interceptor) Profile() policy.Profile {
	return i.profile
}

// Manifest 返回安装清单的副本。
func (i *Interceptor) Manifest() []string {
	return append([]string(nil), i.manifest...)
}

// Wait 阻塞直到全部后台刷新结束。
func (i *Interceptor) Wait() {
	i.pending.Wait()
}

// openStore 按需打开当前缓存代，Fetch 早于 Install 执行时同样可用。
func (i *Interceptor) openStore(ctx context.Context) (cache.Store, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.store != nil {
		return i.store, nil
	}
	store, err := i.storage.Open(ctx, i.cacheName)
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", i.cacheName, err)
	}
	i.store = store
	return store, nil
}

func (i *Interceptor) refreshStoreGauge(ctx context.Context) {
	if i.metrics == nil {
		return
	}
	if names, err := i.storage.Names(ctx); err == nil {
		i.metrics.Stores(len(names))
	}
}
