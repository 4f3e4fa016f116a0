package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/any-hub/offline-map/internal/cache"
	"github.com/any-hub/offline-map/internal/policy"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	switch g.StorageDriver {
	case cache.DriverFS, cache.DriverSQLite:
	default:
		return newFieldError("Global.StorageDriver", "仅支持 fs/sqlite")
	}
	if g.StorageDriver == cache.DriverFS && pathWithin(g.LogFilePath, cache.FileCacheRoot(g.StoragePath)) {
		return newFieldError("Global.LogFilePath", "不能位于缓存代目录 "+cache.FileCacheRoot(g.StoragePath)+" 内")
	}
	switch g.LogFormat {
	case "", "json", "text":
	default:
		return newFieldError("Global.LogFormat", "仅支持 json/text")
	}
	if strings.TrimSpace(g.CacheName) == "" {
		return newFieldError("Global.CacheName", "不能为空")
	}
	if strings.ContainsAny(g.CacheName, "/\\") {
		return newFieldError("Global.CacheName", "不允许包含路径分隔符")
	}
	if _, ok := policy.Resolve(g.Policy); !ok {
		return newFieldError("Global.Policy", fmt.Sprintf("未注册策略: %s (可选 %s)", g.Policy, strings.Join(policy.Keys(), "|")))
	}
	if _, err := parseStrategyOverrides(g.Strategies); err != nil {
		return newFieldError("Global.Strategies", err.Error())
	}
	for _, entry := range g.Manifest {
		if strings.TrimSpace(entry) == "" {
			return newFieldError("Global.Manifest", "不允许空条目")
		}
	}
	if g.TileHost == "" || strings.Contains(g.TileHost, "/") {
		return newFieldError("Global.TileHost", "必须是不含路径的主机名")
	}
	if g.UpstreamTimeout.DurationValue() < 0 {
		return newFieldError("Global.UpstreamTimeout", "不能为负数")
	}

	if len(c.Sites) == 0 {
		return errors.New("至少需要配置一个 Site")
	}

	seenNames := map[string]struct{}{}
	seenDomains := map[string]string{}
	origins := 0
	for i := range c.Sites {
		site := &c.Sites[i]
		if site.Name == "" {
			return newFieldError("Site[].Name", "不能为空")
		}
		if _, exists := seenNames[site.Name]; exists {
			return newFieldError(siteField(site.Name, "Name"), "重复")
		}
		seenNames[site.Name] = struct{}{}

		if err := validateDomain(site.Domain); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "Domain"), err)
		}
		if owner, exists := seenDomains[site.Domain]; exists {
			return newFieldError(siteField(site.Name, "Domain"), "与站点 "+owner+" 重复")
		}
		seenDomains[site.Domain] = site.Name

		if err := validateUpstream(site.Upstream); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "Upstream"), err)
		}
		if site.Proxy != "" {
			if err := validateUpstream(site.Proxy); err != nil {
				return fmt.Errorf("%s: %w", siteField(site.Name, "Proxy"), err)
			}
		}
		if site.Origin {
			origins++
		}
	}
	if len(c.Sites) > 1 && origins != 1 {
		return newFieldError("Site[].Origin", "必须且只能有一个站点标记为 Origin")
	}

	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}

func parseStrategyOverrides(raw map[string]string) (map[policy.RequestClass]policy.Strategy, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	overrides := make(map[policy.RequestClass]policy.Strategy, len(raw))
	for rawClass, rawStrategy := range raw {
		class, err := policy.ParseClass(rawClass)
		if err != nil {
			return nil, err
		}
		strategy, err := policy.ParseStrategy(rawStrategy)
		if err != nil {
			return nil, err
		}
		overrides[class] = strategy
	}
	return overrides, nil
}

// pathWithin 判断 path 是否等于 root 或位于 root 之下。
func pathWithin(path, root string) bool {
	if strings.TrimSpace(path) == "" {
		return false
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absRoot, absPath)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
