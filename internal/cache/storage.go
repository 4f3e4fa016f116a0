package cache

import (
	"fmt"
	"strings"
)

const (
	DriverFS     = "fs"
	DriverSQLite = "sqlite"
)

// NewStorage 根据 driver 构建缓存命名空间，basePath 为 StoragePath。
func NewStorage(driver, basePath string) (Storage, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverFS:
		return NewFileStorage(basePath)
	case DriverSQLite:
		return NewSQLiteStorage(basePath)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}
}
