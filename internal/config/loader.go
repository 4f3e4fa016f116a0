package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/any-hub/offline-map/internal/cache"
	"github.com/any-hub/offline-map/internal/policy"
)

// DefaultCacheNamePrefix 与策略键拼接成默认缓存代名称，例如 birds-map-cache-v2。
const DefaultCacheNamePrefix = "birds-map-cache-"

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	if err := rejectSiteLevelPorts(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	for i := range cfg.Sites {
		applySiteDefaults(&cfg.Sites[i])
	}
	if len(cfg.Sites) == 1 {
		cfg.Sites[0].Origin = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFormat", "json")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("StorageDriver", cache.DriverFS)
	v.SetDefault("Policy", policy.DefaultProfileKey())
	v.SetDefault("Manifest", policy.DefaultManifest())
	v.SetDefault("TileHost", policy.DefaultTileHost)
	v.SetDefault("NavigationMarker", policy.DefaultNavigationMarker)
	v.SetDefault("UpstreamTimeout", 0)
	v.SetDefault("MetricsEnabled", true)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	g.Policy = strings.ToLower(strings.TrimSpace(g.Policy))
	if g.Policy == "" {
		g.Policy = policy.DefaultProfileKey()
	}
	g.StorageDriver = strings.ToLower(strings.TrimSpace(g.StorageDriver))
	if g.StorageDriver == "" {
		g.StorageDriver = cache.DriverFS
	}
	g.CacheName = strings.TrimSpace(g.CacheName)
	if g.CacheName == "" {
		g.CacheName = DefaultCacheNamePrefix + g.Policy
	}
	g.LogFormat = strings.ToLower(strings.TrimSpace(g.LogFormat))
	if g.TileHost == "" {
		g.TileHost = policy.DefaultTileHost
	}
	if g.NavigationMarker == "" {
		g.NavigationMarker = policy.DefaultNavigationMarker
	}
	if g.UpstreamTimeout.DurationValue() < 0 {
		g.UpstreamTimeout = Duration(0)
	}
	if len(g.Strategies) > 0 {
		normalized := make(map[string]string, len(g.Strategies))
		for class, strategy := range g.Strategies {
			normalized[strings.ToLower(strings.TrimSpace(class))] = strings.ToLower(strings.TrimSpace(strategy))
		}
		g.Strategies = normalized
	}
}

func applySiteDefaults(s *SiteConfig) {
	s.Name = strings.TrimSpace(s.Name)
	s.Domain = strings.ToLower(strings.TrimSpace(s.Domain))
	s.Upstream = strings.TrimRight(strings.TrimSpace(s.Upstream), "/")
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

// rejectSiteLevelPorts 拒绝站点级端口，所有站点共用 ListenPort。
func rejectSiteLevelPorts(v *viper.Viper) error {
	raw := v.Get("Site")
	sites, ok := raw.([]interface{})
	if !ok {
		return nil
	}

	for idx, entry := range sites {
		m, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		for key := range m {
			if !strings.EqualFold(key, "Port") {
				continue
			}
			name := fmt.Sprintf("#%d", idx)
			for k, val := range m {
				if strings.EqualFold(k, "Name") {
					if s, ok := val.(string); ok && s != "" {
						name = s
					}
				}
			}
			return newFieldError(siteField(name, "Port"), "站点不支持独立端口，请使用全局 ListenPort")
		}
	}

	return nil
}
