package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ProxyHandler 负责处理已映射到站点的请求，测试中可替换为假实现。
type ProxyHandler interface {
	Handle(fiber.Ctx, *SiteRoute) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx, *SiteRoute) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx, route *SiteRoute) error {
	return f(c, route)
}

// AppOptions 描述单端口 Fiber 应用所需的依赖。
type AppOptions struct {
	Logger     *logrus.Logger
	Registry   *SiteRegistry
	Proxy      ProxyHandler
	ListenPort int
}

const (
	contextKeySite      = "_offline_map_site"
	contextKeyRequestID = "_offline_map_request_id"

	headerRequestID = "X-Request-ID"
	headerSite      = "X-Offline-Map-Site"
	headerOrigin    = "X-Offline-Map-Origin"
	headerHost      = "X-Offline-Map-Host"

	diagnosticsPrefix = "/-/"
)

// NewApp 构建按 Host 分发到站点的 Fiber 应用。/-/ 下的诊断路由由调用方随后注册，
// 兜底路由通过 Next 交给它们。
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("site registry is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(siteMiddleware(opts))

	app.All("/*", func(c fiber.Ctx) error {
		if isDiagnosticsPath(c) {
			return c.Next()
		}
		site, ok := siteFromContext(c)
		if !ok {
			return renderHostUnmapped(c, opts, "")
		}
		return opts.Proxy.Handle(c, site)
	})

	return app, nil
}

// siteMiddleware 分配请求 ID，并把 Host 解析为站点（地图页面或瓦片源）。
func siteMiddleware(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := requestIDFor(c)
		c.Locals(contextKeyRequestID, reqID)
		c.Set(headerRequestID, reqID)

		if isDiagnosticsPath(c) {
			return c.Next()
		}

		host := strings.TrimSpace(hostHeader(c))
		site, ok := opts.Registry.Lookup(host)
		if !ok {
			return renderHostUnmapped(c, opts, host)
		}

		c.Locals(contextKeySite, site)
		c.Set(headerSite, site.Config.Name)
		if site.Config.Origin {
			c.Set(headerOrigin, "true")
		}
		return c.Next()
	}
}

// requestIDFor 沿用客户端传入的合法 UUID，否则生成新值。
func requestIDFor(c fiber.Ctx) string {
	if raw := strings.TrimSpace(c.Get(headerRequestID)); raw != "" {
		if id, err := uuid.Parse(raw); err == nil {
			return id.String()
		}
	}
	return uuid.NewString()
}

func renderHostUnmapped(c fiber.Ctx, opts AppOptions, host string) error {
	domains := siteDomains(opts.Registry)
	opts.Logger.WithFields(logrus.Fields{
		"action":     "host_lookup",
		"host":       host,
		"port":       opts.ListenPort,
		"site_count": len(domains),
		"request_id": RequestID(c),
	}).Warn("host unmapped")

	if host != "" {
		c.Set(headerHost, host)
	}

	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"error": "host_unmapped",
		"sites": domains,
	})
}

func siteDomains(registry *SiteRegistry) []string {
	routes := registry.List()
	domains := make([]string, 0, len(routes))
	for _, route := range routes {
		domains = append(domains, route.Config.Domain)
	}
	return domains
}

func hostHeader(c fiber.Ctx) string {
	if raw := c.Request().Header.Peek(fiber.HeaderHost); len(raw) > 0 {
		return string(raw)
	}
	return c.Hostname()
}

func siteFromContext(c fiber.Ctx) (*SiteRoute, bool) {
	site, ok := c.Locals(contextKeySite).(*SiteRoute)
	return site, ok && site != nil
}

// RequestID 返回路由中间件写入的请求 ID。
func RequestID(c fiber.Ctx) string {
	reqID, _ := c.Locals(contextKeyRequestID).(string)
	return reqID
}

func isDiagnosticsPath(c fiber.Ctx) bool {
	return strings.HasPrefix(string(c.Request().URI().Path()), diagnosticsPrefix)
}
