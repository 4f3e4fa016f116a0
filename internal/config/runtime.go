package config

import (
	"fmt"
	"net/url"

	"github.com/any-hub/offline-map/internal/policy"
)

// OriginSite 返回用于解析安装清单的站点（假定 Validate 已经通过）。
func (c *Config) OriginSite() (SiteConfig, bool) {
	for _, site := range c.Sites {
		if site.Origin {
			return site, true
		}
	}
	if len(c.Sites) == 1 {
		return c.Sites[0], true
	}
	return SiteConfig{}, false
}

// Scope 返回 Origin 站点上游地址，作为清单相对路径的基准。
func (c *Config) Scope() (*url.URL, error) {
	site, ok := c.OriginSite()
	if !ok {
		return nil, fmt.Errorf("未配置 Origin 站点")
	}
	scope, err := url.Parse(site.Upstream)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", siteField(site.Name, "Upstream"), err)
	}
	return scope, nil
}

// ResolvedProfile 将配置的策略键与 [Strategies] 覆盖合并成最终档案。
func (c *Config) ResolvedProfile() (policy.Profile, error) {
	profile, ok := policy.Resolve(c.Global.Policy)
	if !ok {
		return policy.Profile{}, newFieldError("Global.Policy", "未注册策略: "+c.Global.Policy)
	}
	overrides, err := parseStrategyOverrides(c.Global.Strategies)
	if err != nil {
		return policy.Profile{}, newFieldError("Global.Strategies", err.Error())
	}
	return profile.WithOverrides(overrides), nil
}
