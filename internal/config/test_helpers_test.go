package config

import (
	"os"
	"path/filepath"
	"testing"
)

// fixturePath 返回 testdata 下的样例配置。
func fixturePath(name string) string {
	return filepath.Join("testdata", name)
}

// loadTOML 把 TOML 片段写入临时 config.toml 后走完整的 Load 流程。
func loadTOML(t *testing.T, body string) (*Config, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return Load(path)
}
