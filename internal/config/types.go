package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为，所有站点共享同一个拦截器与缓存代。
type GlobalConfig struct {
	ListenPort       int      `mapstructure:"ListenPort"`
	LogLevel         string   `mapstructure:"LogLevel"`
	LogFormat        string   `mapstructure:"LogFormat"`
	LogFilePath      string   `mapstructure:"LogFilePath"`
	LogMaxSize       int      `mapstructure:"LogMaxSize"`
	LogMaxBackups    int      `mapstructure:"LogMaxBackups"`
	LogCompress      bool     `mapstructure:"LogCompress"`
	StoragePath      string   `mapstructure:"StoragePath"`
	StorageDriver    string   `mapstructure:"StorageDriver"`
	CacheName        string   `mapstructure:"CacheName"`
	Policy           string   `mapstructure:"Policy"`
	Manifest         []string `mapstructure:"Manifest"`
	TileHost         string   `mapstructure:"TileHost"`
	NavigationMarker string   `mapstructure:"NavigationMarker"`
	UpstreamTimeout  Duration `mapstructure:"UpstreamTimeout"`
	MetricsEnabled   bool     `mapstructure:"MetricsEnabled"`
	// Strategies 以 class = "strategy" 形式覆盖策略档案。
	Strategies map[string]string `mapstructure:"Strategies"`
}

// SiteConfig 决定一个 Host 如何映射到上游。
type SiteConfig struct {
	Name     string `mapstructure:"Name"`
	Domain   string `mapstructure:"Domain"`
	Upstream string `mapstructure:"Upstream"`
	Proxy    string `mapstructure:"Proxy"`
	// Origin 标记安装清单相对解析所用的站点。
	Origin bool `mapstructure:"Origin"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Sites  []SiteConfig `mapstructure:"Site"`
}

// SiteNames 返回站点名称列表，供启动日志使用。
func SiteNames(sites []SiteConfig) []string {
	if len(sites) == 0 {
		return nil
	}
	result := make([]string, len(sites))
	for i, site := range sites {
		result[i] = fmt.Sprintf("%s:%s", site.Name, site.Domain)
	}
	return result
}
