package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/any-hub/offline-map/internal/cache"
	"github.com/any-hub/offline-map/internal/config"
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewUpstreamClient 返回共享 http.Client。默认不设置整体超时，
// 仅当 UpstreamTimeout 大于 0 时启用。
func NewUpstreamClient(cfg *config.Config) *http.Client {
	return newClient(cfg, nil)
}

func newClient(cfg *config.Config, proxyURL *url.URL) *http.Client {
	var timeout time.Duration
	if cfg != nil && cfg.Global.UpstreamTimeout.DurationValue() > 0 {
		timeout = cfg.Global.UpstreamTimeout.DurationValue()
	}

	transport := defaultTransport.Clone()
	if proxyURL != nil {
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// StatusError 表示上游返回了错误状态码，对拦截器而言等同于资源不存在。
type StatusError struct {
	Status int
	URL    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream %s returned status %d", e.URL, e.Status)
}

// HTTPNetwork 通过真实 HTTP 请求回源，实现 interceptor.Network。
// 站点配置了 Proxy 时，对该站点上游 Host 的请求走独立的代理 Client。
type HTTPNetwork struct {
	client  *http.Client
	proxied map[string]*http.Client
}

// NewHTTPNetwork 基于共享 Client 与站点注册表构建回源器。
func NewHTTPNetwork(cfg *config.Config, registry *SiteRegistry) *HTTPNetwork {
	network := &HTTPNetwork{
		client:  NewUpstreamClient(cfg),
		proxied: map[string]*http.Client{},
	}
	for _, route := range registry.List() {
		if route.ProxyURL == nil || route.UpstreamURL == nil {
			continue
		}
		network.proxied[strings.ToLower(route.UpstreamURL.Host)] = newClient(cfg, route.ProxyURL)
	}
	return network
}

// Fetch 发起上游请求并缓冲响应体。传输错误与 >=400 状态均视为失败。
func (n *HTTPNetwork) Fetch(ctx context.Context, req *http.Request) (*cache.Response, error) {
	upstreamReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), req.Body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	CopyHeaders(upstreamReq.Header, req.Header)
	// 请求体已缓冲时保留长度，避免切换为 chunked 上传。
	upstreamReq.ContentLength = req.ContentLength

	resp, err := n.clientFor(req.URL).Do(upstreamReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{Status: resp.StatusCode, URL: req.URL.String()}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	header := make(http.Header, len(resp.Header))
	CopyHeaders(header, resp.Header)
	// 响应体已整体缓冲，长度由写出方重新计算。
	header.Del("Content-Length")

	return &cache.Response{
		URL:    req.URL.String(),
		Status: resp.StatusCode,
		Header: header,
		Body:   body,
	}, nil
}

func (n *HTTPNetwork) clientFor(u *url.URL) *http.Client {
	if u != nil {
		if client, ok := n.proxied[strings.ToLower(u.Host)]; ok {
			return client
		}
	}
	return n.client
}

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

// CopyHeaders 将 src 中允许透传的头复制到 dst，自动忽略 hop-by-hop 字段。
func CopyHeaders(dst, src http.Header) {
	for key, values := range src {
		if IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}
