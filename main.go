package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-map/internal/cache"
	"github.com/any-hub/offline-map/internal/config"
	"github.com/any-hub/offline-map/internal/interceptor"
	"github.com/any-hub/offline-map/internal/logging"
	"github.com/any-hub/offline-map/internal/metrics"
	"github.com/any-hub/offline-map/internal/proxy"
	"github.com/any-hub/offline-map/internal/server"
	"github.com/any-hub/offline-map/internal/server/routes"
	"github.com/any-hub/offline-map/internal/version"
)

const configEnv = "OFFLINE_MAP_CONFIG"

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	installOnly bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

// runtimeDeps 是启动阶段按顺序构建的运行时依赖。
type runtimeDeps struct {
	storage     cache.Storage
	registry    *server.SiteRegistry
	metrics     *metrics.Adapter
	interceptor *interceptor.Interceptor
}

func (d *runtimeDeps) close(logger *logrus.Logger) {
	d.interceptor.Wait()
	if err := d.storage.Close(); err != nil {
		logger.WithError(err).WithField("action", "shutdown").Warn("cache_close_failed")
	}
}

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["sites"] = config.SiteNames(cfg.Sites)
		fields["policy"] = cfg.Global.Policy
		fields["cache_name"] = cfg.Global.CacheName
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 启动顺序：配置 → 日志 → 缓存存储 → 站点注册表 → 拦截器 → install → activate → Fiber。
	deps, err := buildRuntime(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化运行时失败: %v\n", err)
		return 1
	}
	defer deps.close(logger)

	if err := runLifecycle(ctx, deps, opts.installOnly); err != nil {
		fmt.Fprintln(stdErr, err.Error())
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["sites"] = config.SiteNames(cfg.Sites)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["policy"] = cfg.Global.Policy
	fields["cache_name"] = cfg.Global.CacheName
	fields["storage_driver"] = cfg.Global.StorageDriver
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if opts.installOnly {
		return 0
	}

	if err := startHTTPServer(ctx, cfg, deps, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// runLifecycle 依次执行 install 与 activate。-install 总是重新拉取清单；
// 常规启动复用已完整安装的缓存代，离线重启仍可服务。
func runLifecycle(ctx context.Context, deps *runtimeDeps, forceInstall bool) error {
	var err error
	if forceInstall {
		err = deps.interceptor.Install(ctx)
	} else {
		_, err = deps.interceptor.EnsureInstalled(ctx)
	}
	if err != nil {
		return fmt.Errorf("安装缓存失败: %w", err)
	}
	if err := deps.interceptor.Activate(ctx); err != nil {
		return fmt.Errorf("激活缓存失败: %w", err)
	}
	return nil
}

func buildRuntime(cfg *config.Config, logger *logrus.Logger) (*runtimeDeps, error) {
	storage, err := cache.NewStorage(cfg.Global.StorageDriver, cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("初始化缓存存储失败: %w", err)
	}

	registry, err := server.NewSiteRegistry(cfg)
	if err != nil {
		_ = storage.Close()
		return nil, fmt.Errorf("构建站点注册表失败: %w", err)
	}

	var adapter *metrics.Adapter
	if cfg.Global.MetricsEnabled {
		adapter = metrics.New(nil, "offline_map")
	}

	network := server.NewHTTPNetwork(cfg, registry)
	ic, err := server.BuildInterceptor(cfg, storage, network, logger, adapter)
	if err != nil {
		_ = storage.Close()
		return nil, err
	}

	return &runtimeDeps{
		storage:     storage,
		registry:    registry,
		metrics:     adapter,
		interceptor: ic,
	}, nil
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("offline-map", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag  string
		checkOnly   bool
		showVer     bool
		installOnly bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 "+configEnv+" 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")
	fs.BoolVar(&installOnly, "install", false, "执行 install/activate 预缓存后退出")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv(configEnv)
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
		installOnly: installOnly,
	}, nil
}

func newHTTPApp(cfg *config.Config, deps *runtimeDeps, logger *logrus.Logger) (*fiber.App, error) {
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   deps.registry,
		Proxy:      proxy.NewHandler(deps.interceptor, logger),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		return nil, err
	}
	routes.RegisterCacheRoutes(app, routes.CacheRouteOptions{
		Storage:   deps.storage,
		Registry:  deps.registry,
		CacheName: deps.interceptor.CacheName(),
		Profile:   deps.interceptor.Profile(),
	})
	if deps.metrics != nil {
		routes.RegisterMetricsRoute(app, deps.metrics.Registry())
	}
	return app, nil
}

func startHTTPServer(ctx context.Context, cfg *config.Config, deps *runtimeDeps, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := newHTTPApp(cfg, deps, logger)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		logger.WithField("action", "shutdown").Info("Fiber 服务停止")
		_ = app.Shutdown()
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
