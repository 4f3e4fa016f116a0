package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-map/internal/cache"
	"github.com/any-hub/offline-map/internal/interceptor"
	"github.com/any-hub/offline-map/internal/logging"
	"github.com/any-hub/offline-map/internal/server"
)

// Fetcher 是拦截器对代理层暴露的能力，便于测试注入。
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*cache.Response, interceptor.Outcome, error)
}

// Handler 将 Fiber 请求转换为上游 *http.Request，交给拦截器按策略决定
// 缓存/网络来源，再把结果写回客户端。
type Handler struct {
	fetcher Fetcher
	logger  *logrus.Logger
}

// NewHandler constructs a proxy handler backed by the request interceptor.
func NewHandler(fetcher Fetcher, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{
		fetcher: fetcher,
		logger:  logger,
	}
}

// Handle 构建上游请求并执行拦截器分派，任何阶段出错都会输出结构化日志。
func (h *Handler) Handle(c fiber.Ctx, route *server.SiteRoute) error {
	started := time.Now()
	requestID := server.RequestID(c)
	method := c.Method()

	upstream := resolveUpstreamURL(route.UpstreamURL, c)
	// HEAD 按 GET 查找缓存，只写回响应头。
	fetchMethod := method
	if method == fiber.MethodHead {
		fetchMethod = fiber.MethodGet
	}

	req, err := buildUpstreamRequest(c, upstream, route, fetchMethod)
	if err != nil {
		h.logResult(route, upstream.String(), requestID, interceptor.Outcome{}, 0, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_build_failed")
	}

	resp, outcome, err := h.fetcher.Fetch(req.Context(), req)
	if err != nil {
		status := fiber.StatusBadGateway
		code := "upstream_failed"
		var statusErr *server.StatusError
		if errors.As(err, &statusErr) {
			status = statusErr.Status
			code = "upstream_status"
		}
		h.logResult(route, upstream.String(), requestID, outcome, status, started, err)
		writeDispatchHeaders(c, route, outcome, requestID)
		return h.writeError(c, status, code)
	}

	copyResponseHeaders(c, resp.Header)
	writeDispatchHeaders(c, route, outcome, requestID)
	c.Status(resp.Status)
	h.logResult(route, upstream.String(), requestID, outcome, resp.Status, started, nil)

	if method == fiber.MethodHead {
		c.Response().Header.SetContentLength(len(resp.Body))
		return nil
	}
	return c.Send(resp.Body)
}

func writeDispatchHeaders(c fiber.Ctx, route *server.SiteRoute, outcome interceptor.Outcome, requestID string) {
	if route.UpstreamURL != nil {
		c.Set("X-Offline-Map-Upstream", route.UpstreamURL.String())
	}
	if outcome.Class != "" {
		c.Set("X-Offline-Map-Class", string(outcome.Class))
	}
	if outcome.Strategy != "" && !outcome.Bypass {
		c.Set("X-Offline-Map-Strategy", string(outcome.Strategy))
	}
	c.Set("X-Offline-Map-Cache-Hit", strconv.FormatBool(outcome.CacheHit))
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func buildUpstreamRequest(c fiber.Ctx, upstream *url.URL, route *server.SiteRoute, method string) (*http.Request, error) {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var body io.Reader = http.NoBody
	raw := c.Body()
	if method != fiber.MethodGet && len(raw) > 0 {
		body = bytes.NewReader(append([]byte(nil), raw...))
	}

	req, err := http.NewRequestWithContext(ctx, method, upstream.String(), body)
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Accept-Encoding")
	req.Header.Del("Host")
	req.Host = upstream.Host
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Protocol())
	if route.ListenPort > 0 {
		req.Header.Set("X-Forwarded-Port", strconv.Itoa(route.ListenPort))
	}

	return req, nil
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	route *server.SiteRoute,
	upstream string,
	requestID string,
	outcome interceptor.Outcome,
	status int,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(
		route.Config.Name,
		route.Config.Domain,
		string(outcome.Class),
		string(outcome.Strategy),
		outcome.CacheHit,
	)
	fields["action"] = "proxy"
	fields["upstream"] = upstream
	fields["upstream_status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if outcome.Fallback {
		fields["fallback"] = true
	}
	if outcome.Revalidating {
		fields["revalidating"] = true
	}
	if outcome.Bypass {
		fields["bypass"] = true
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func resolveUpstreamURL(base *url.URL, c fiber.Ctx) *url.URL {
	uri := c.Request().URI()
	clean := normalizeRequestPath(string(uri.Path()))
	relative := &url.URL{Path: clean}
	if rawQuery := uri.QueryString(); len(rawQuery) > 0 {
		relative.RawQuery = string(rawQuery)
	}
	if base == nil {
		return relative
	}
	return base.ResolveReference(relative)
}

func normalizeRequestPath(raw string) string {
	if raw == "" {
		raw = "/"
	}
	clean := path.Clean("/" + raw)
	// path.Clean 会去掉末尾斜杠，目录形式的请求需要保留。
	if clean != "/" && raw[len(raw)-1] == '/' {
		clean += "/"
	}
	return clean
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
}
