package config

import (
	_ "github.com/any-hub/offline-map/internal/policy/v1"
	_ "github.com/any-hub/offline-map/internal/policy/v2"
)
