package policy

import (
	"net/url"
	"strings"
)

const (
	DefaultTileHost         = "tile.openstreetmap.org"
	DefaultNavigationMarker = "/index.html"
)

// DefaultManifest 返回安装阶段预缓存的种子资源（地图页面、Leaflet 与观测数据）。
func DefaultManifest() []string {
	return []string{"/", "/index.html", "/leaflet.css", "/leaflet.js", "/data.csv"}
}

// Classifier 按固定优先级将请求 URL 归类。
type Classifier struct {
	TileHost         string
	NavigationMarker string
}

// NewClassifier 构造分类器，空值回退到默认的 OSM 瓦片域名与 /index.html。
func NewClassifier(tileHost, navigationMarker string) Classifier {
	if strings.TrimSpace(tileHost) == "" {
		tileHost = DefaultTileHost
	}
	if strings.TrimSpace(navigationMarker) == "" {
		navigationMarker = DefaultNavigationMarker
	}
	return Classifier{
		TileHost:         strings.ToLower(strings.TrimSpace(tileHost)),
		NavigationMarker: strings.TrimSpace(navigationMarker),
	}
}

type predicate struct {
	class RequestClass
	match func(Classifier, *url.URL) bool
}

// predicates 的顺序即分类优先级，第一个命中者生效。
var predicates = []predicate{
	{class: ClassNavigation, match: Classifier.isNavigation},
	{class: ClassTile, match: Classifier.isTile},
}

// Classify 返回 URL 所属类别，无谓词命中时归为 static。
func (c Classifier) Classify(u *url.URL) RequestClass {
	if u == nil {
		return ClassStatic
	}
	for _, p := range predicates {
		if p.match(c, u) {
			return p.class
		}
	}
	return ClassStatic
}

// isNavigation 只检查路径，查询串中出现标记不算导航请求。
func (c Classifier) isNavigation(u *url.URL) bool {
	return c.NavigationMarker != "" && strings.Contains(u.Path, c.NavigationMarker)
}

// isTile 匹配瓦片域名本身及其子域（a.tile.openstreetmap.org 等），
// 域名出现在路径或查询串中不算瓦片。
func (c Classifier) isTile(u *url.URL) bool {
	if c.TileHost == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	return host == c.TileHost || strings.HasSuffix(host, "."+c.TileHost)
}
