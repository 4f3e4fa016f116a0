package integration

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"
)

// upstreamStub 模拟地图站点与瓦片服务器，可切换为离线以模拟网络不可达。
type upstreamStub struct {
	server   *http.Server
	listener net.Listener
	URL      string
	Port     string

	mu      sync.Mutex
	assets  map[string]string
	hits    map[string]int
	offline bool
}

func newUpstreamStub(t *testing.T, assets map[string]string) *upstreamStub {
	t.Helper()

	stub := &upstreamStub{
		assets: map[string]string{},
		hits:   map[string]int{},
	}
	for p, body := range assets {
		stub.assets[p] = body
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("unable to start upstream stub listener: %v", err)
	}
	server := &http.Server{Handler: http.HandlerFunc(stub.serve)}

	stub.server = server
	stub.listener = listener
	stub.URL = "http://" + listener.Addr().String()
	_, stub.Port, _ = net.SplitHostPort(listener.Addr().String())

	go func() {
		_ = server.Serve(listener)
	}()

	return stub
}

func (s *upstreamStub) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.hits[r.URL.Path]++
	offline := s.offline
	body, ok := s.assets[r.URL.Path]
	s.mu.Unlock()

	if offline {
		// 直接断开连接，让客户端得到传输错误。
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				_ = conn.Close()
				return
			}
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", contentTypeFor(r.URL.Path))
	_, _ = w.Write([]byte(body))
}

func (s *upstreamStub) Close() {
	if s == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if s.server != nil {
		_ = s.server.Shutdown(ctx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
}

func (s *upstreamStub) SetAsset(p, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assets[p] = body
}

func (s *upstreamStub) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

func (s *upstreamStub) Hits(p string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[p]
}

func contentTypeFor(p string) string {
	switch {
	case p == "/" || strings.HasSuffix(p, ".html"):
		return "text/html"
	case strings.HasSuffix(p, ".css"):
		return "text/css"
	case strings.HasSuffix(p, ".js"):
		return "application/javascript"
	case strings.HasSuffix(p, ".csv"):
		return "text/csv"
	case strings.HasSuffix(p, ".png"):
		return "image/png"
	default:
		return "application/octet-stream"
	}
}

func mapAssets() map[string]string {
	return map[string]string{
		"/":            "<html>root</html>",
		"/index.html":  "<html>v1</html>",
		"/leaflet.css": "/* leaflet */",
		"/leaflet.js":  "// leaflet",
		"/data.csv":    "lat,lng",
	}
}

func tileAssets() map[string]string {
	return map[string]string{
		"/5/16/10.png": "png-16-10",
		"/5/16/11.png": "png-16-11",
	}
}
