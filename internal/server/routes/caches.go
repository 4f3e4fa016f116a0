package routes

import (
	"sort"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/offline-map/internal/cache"
	"github.com/any-hub/offline-map/internal/policy"
	"github.com/any-hub/offline-map/internal/server"
)

// CacheRouteOptions 汇总 /-/caches 诊断接口需要的依赖。
type CacheRouteOptions struct {
	Storage   cache.Storage
	Registry  *server.SiteRegistry
	CacheName string
	Profile   policy.Profile
}

// RegisterCacheRoutes 暴露 /-/caches 诊断接口，供运维查看缓存代与站点绑定。
func RegisterCacheRoutes(app *fiber.App, opts CacheRouteOptions) {
	if app == nil || opts.Storage == nil {
		return
	}

	app.Get("/-/caches", func(c fiber.Ctx) error {
		names, err := opts.Storage.Names(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_list_failed"})
		}
		return c.JSON(fiber.Map{
			"cache_name": opts.CacheName,
			"policy":     encodeProfile(opts.Profile),
			"stores":     names,
			"sites":      encodeSites(opts.Registry.List()),
		})
	})

	app.Get("/-/caches/:name", func(c fiber.Ctx) error {
		name := strings.TrimSpace(c.Params("name"))
		if name == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "cache_name_required"})
		}
		ctx := c.Context()
		exists, err := opts.Storage.Has(ctx, name)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_lookup_failed"})
		}
		if !exists {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "cache_not_found"})
		}
		store, err := opts.Storage.Open(ctx, name)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_lookup_failed"})
		}
		keys, err := store.Keys(ctx)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_lookup_failed"})
		}
		return c.JSON(storePayload{
			Name:    name,
			Current: name == opts.CacheName,
			Entries: keys,
		})
	})
}

type storePayload struct {
	Name    string   `json:"name"`
	Current bool     `json:"current"`
	Entries []string `json:"entries"`
}

type profilePayload struct {
	Key         string            `json:"key"`
	Description string            `json:"description"`
	Strategies  map[string]string `json:"strategies"`
	Activation  bool              `json:"activation"`
}

type sitePayload struct {
	Name     string `json:"name"`
	Domain   string `json:"domain"`
	Upstream string `json:"upstream"`
	Port     int    `json:"port"`
	Origin   bool   `json:"origin"`
	Proxied  bool   `json:"proxied"`
}

func encodeProfile(profile policy.Profile) profilePayload {
	strategies := make(map[string]string, len(policy.Classes()))
	for _, class := range policy.Classes() {
		strategies[string(class)] = string(profile.StrategyFor(class))
	}
	return profilePayload{
		Key:         profile.Key,
		Description: profile.Description,
		Strategies:  strategies,
		Activation:  profile.Activation,
	}
}

func encodeSites(routes []server.SiteRoute) []sitePayload {
	if len(routes) == 0 {
		return nil
	}
	result := make([]sitePayload, 0, len(routes))
	for _, route := range routes {
		upstream := ""
		if route.UpstreamURL != nil {
			upstream = route.UpstreamURL.String()
		}
		result = append(result, sitePayload{
			Name:     route.Config.Name,
			Domain:   route.Config.Domain,
			Upstream: upstream,
			Port:     route.ListenPort,
			Origin:   route.Config.Origin,
			Proxied:  route.ProxyURL != nil,
		})
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result
}
