package policy

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

const defaultProfileKey = "v2"

var globalRegistry = newRegistry()

type registry struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

func newRegistry() *registry {
	return &registry{profiles: make(map[string]Profile)}
}

// DefaultProfileKey 返回未配置 Policy 时使用的档案键。
func DefaultProfileKey() string {
	return defaultProfileKey
}

// Register 将档案加入全局注册表，重复键会返回错误。
func Register(profile Profile) error {
	return globalRegistry.register(profile)
}

// MustRegister 在注册失败时 panic，适合 init() 中调用。
func MustRegister(profile Profile) {
	if err := Register(profile); err != nil {
		panic(err)
	}
}

// Resolve 返回指定键的档案。
func Resolve(key string) (Profile, bool) {
	return globalRegistry.resolve(key)
}

// List 返回按键排序的档案列表。
func List() []Profile {
	return globalRegistry.list()
}

// Keys 返回所有已注册档案的键值，供配置校验提示使用。
func Keys() []string {
	items := List()
	result := make([]string, len(items))
	for i, p := range items {
		result[i] = p.Key
	}
	return result
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

func (r *registry) register(profile Profile) error {
	key := normalizeKey(profile.Key)
	if key == "" {
		return fmt.Errorf("profile key is required")
	}
	profile.Key = key
	for class, s := range profile.Strategies {
		if _, err := ParseStrategy(string(s)); err != nil {
			return fmt.Errorf("profile %s class %s: %w", key, class, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.profiles[key]; exists {
		return fmt.Errorf("profile %s already registered", key)
	}
	r.profiles[key] = profile
	return nil
}

func (r *registry) resolve(key string) (Profile, bool) {
	normalized := normalizeKey(key)
	if normalized == "" {
		return Profile{}, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	profile, ok := r.profiles[normalized]
	return profile, ok
}

func (r *registry) list() []Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.profiles) == 0 {
		return nil
	}

	keys := make([]string, 0, len(r.profiles))
	for key := range r.profiles {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	result := make([]Profile, 0, len(keys))
	for _, key := range keys {
		result = append(result, r.profiles[key])
	}
	return result
}
