package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/any-hub/offline-map/internal/config"
)

// SiteRoute 将站点配置与解析后的 Upstream/Proxy URL 聚合在一起，供路由/代理层直接复用。
type SiteRoute struct {
	// Config 是 config.toml 中声明的站点字段副本。
	Config config.SiteConfig
	// ListenPort 记录当前监听端口，方便日志输出。
	ListenPort  int
	UpstreamURL *url.URL
	ProxyURL    *url.URL
}

// SiteRegistry 提供 Host/Host:port 到 SiteRoute 的查询能力，所有站点共享同一个监听端口。
type SiteRegistry struct {
	routes  map[string]*SiteRoute
	ordered []*SiteRoute
}

// NewSiteRegistry 根据配置构建 Host 映射。调用方应在启动阶段创建一次并复用。
func NewSiteRegistry(cfg *config.Config) (*SiteRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	registry := &SiteRegistry{
		routes: make(map[string]*SiteRoute, len(cfg.Sites)),
	}

	for _, site := range cfg.Sites {
		normalizedHost := normalizeDomain(site.Domain)
		if normalizedHost == "" {
			return nil, fmt.Errorf("invalid domain for site %s", site.Name)
		}
		if _, exists := registry.routes[normalizedHost]; exists {
			return nil, fmt.Errorf("duplicate domain mapping detected for %s", normalizedHost)
		}

		route, err := buildSiteRoute(cfg.Global.ListenPort, site)
		if err != nil {
			return nil, err
		}

		registry.routes[normalizedHost] = route
		registry.ordered = append(registry.ordered, route)
	}

	return registry, nil
}

// Lookup 根据 Host 或 Host:port 查找 SiteRoute。
func (r *SiteRegistry) Lookup(host string) (*SiteRoute, bool) {
	if r == nil {
		return nil, false
	}

	normalizedHost, _ := normalizeHost(host)
	if normalizedHost == "" {
		return nil, false
	}

	route, ok := r.routes[normalizedHost]
	return route, ok
}

// List 返回按配置顺序排列的 SiteRoute 列表，用于诊断输出。
func (r *SiteRegistry) List() []SiteRoute {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}

	result := make([]SiteRoute, len(r.ordered))
	for i, route := range r.ordered {
		result[i] = *route
	}
	return result
}

func buildSiteRoute(listenPort int, site config.SiteConfig) (*SiteRoute, error) {
	upstreamURL, err := url.Parse(site.Upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream for site %s: %w", site.Name, err)
	}

	var proxyURL *url.URL
	if site.Proxy != "" {
		proxyURL, err = url.Parse(site.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy for site %s: %w", site.Name, err)
		}
	}

	return &SiteRoute{
		Config:      site,
		ListenPort:  listenPort,
		UpstreamURL: upstreamURL,
		ProxyURL:    proxyURL,
	}, nil
}

func normalizeDomain(domain string) string {
	host, _ := normalizeHost(domain)
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
