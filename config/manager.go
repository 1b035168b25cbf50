package config

import (
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Manager is a flat store of dotted configuration keys ("router.max_param_length")
// fed by files, the environment and flags.
type Manager struct {
	values map[string]any
	mu     sync.RWMutex

	// Watchers for configuration changes
	watchers map[string][]func(string, any)
}

func NewManager() *Manager {
	return &Manager{
		values:   make(map[string]any),
		watchers: make(map[string][]func(string, any)),
	}
}

// Set stores value under key and notifies the key's watchers.
func (m *Manager) Set(key string, value any) {
	m.mu.Lock()
	m.values[key] = value
	watchers := append([]func(string, any){}, m.watchers[key]...)
	m.mu.Unlock()

	for _, watcher := range watchers {
		watcher(key, value)
	}
}

func (m *Manager) Get(key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, exists := m.values[key]
	return value, exists
}

// lookup converts the value under key to T with weak typing ("8080" to
// 8080, "2s" to 2*time.Second, "a,b" to []string{"a", "b"}). The first
// fallback, or T's zero value, is returned when the key is missing or does
// not convert.
func lookup[T any](m *Manager, key string, fallback []T) T {
	if value, ok := m.Get(key); ok {
		var out T
		if err := decode(value, &out, ""); err == nil {
			return out
		}
	}
	if len(fallback) > 0 {
		return fallback[0]
	}
	var zero T
	return zero
}

func (m *Manager) GetString(key string, fallback ...string) string {
	return lookup(m, key, fallback)
}

func (m *Manager) GetInt(key string, fallback ...int) int {
	return lookup(m, key, fallback)
}

func (m *Manager) GetBool(key string, fallback ...bool) bool {
	return lookup(m, key, fallback)
}

func (m *Manager) GetFloat(key string, fallback ...float64) float64 {
	return lookup(m, key, fallback)
}

func (m *Manager) GetDuration(key string, fallback ...time.Duration) time.Duration {
	return lookup(m, key, fallback)
}

func (m *Manager) GetStringSlice(key string, fallback ...[]string) []string {
	return lookup(m, key, fallback)
}

// Watch registers callback for changes of key. Callbacks run synchronously
// inside Set.
func (m *Manager) Watch(key string, callback func(string, any)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.watchers[key] = append(m.watchers[key], callback)
}

// LoadFromEnv copies the variables starting with prefix+"_". The rest of
// the name is lowercased and a double underscore separates levels:
// EXOT_ROUTER__MAX_PARAM_LENGTH becomes router.max_param_length.
func (m *Manager) LoadFromEnv(prefix string) {
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if prefix != "" {
			rest, found := strings.CutPrefix(key, prefix+"_")
			if !found || rest == "" {
				continue
			}
			key = rest
		}
		key = strings.ReplaceAll(strings.ToLower(key), "__", ".")
		m.Set(key, value)
	}
}

// LoadDotenv loads filenames into the process environment without
// overriding variables that are already set. Missing files are skipped.
func (m *Manager) LoadDotenv(filenames ...string) error {
	for _, name := range filenames {
		if err := godotenv.Load(name); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load env file %s: %w", name, err)
		}
	}
	return nil
}

// LoadFromYAML merges a YAML document; nested mappings become dotted keys.
func (m *Manager) LoadFromYAML(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var values map[string]any
	if err := yaml.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}

	m.LoadFromMap("", values)
	return nil
}

// LoadFromMap merges values under prefix, flattening nested maps.
func (m *Manager) LoadFromMap(prefix string, values map[string]any) {
	for key, value := range values {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}

		if nested, ok := value.(map[string]any); ok {
			m.LoadFromMap(fullKey, nested)
		} else {
			m.Set(fullKey, value)
		}
	}
}

// SaveToYAML writes the current values as a nested YAML document.
func (m *Manager) SaveToYAML(filename string) error {
	data, err := yaml.Marshal(m.tree(""))
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// tree rebuilds the nested form of the keys under prefix.
func (m *Manager) tree(prefix string) map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	// Shorter keys first so "a.b" nests into an existing "a" map.
	sort.Strings(keys)

	root := make(map[string]any)
	for _, key := range keys {
		rel := key
		if prefix != "" {
			var ok bool
			if rel, ok = strings.CutPrefix(key, prefix+"."); !ok {
				continue
			}
		}
		parts := strings.Split(rel, ".")
		node := root
		for _, p := range parts[:len(parts)-1] {
			child, ok := node[p].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[p] = child
			}
			node = child
		}
		node[parts[len(parts)-1]] = m.values[key]
	}
	return root
}

// Unmarshal decodes the keys under prefix into target, a pointer to a
// struct whose fields carry `config` tags. Strings are coerced to the
// field types; durations accept time.ParseDuration syntax.
func (m *Manager) Unmarshal(prefix string, target any) error {
	if err := decode(m.tree(prefix), target, "config"); err != nil {
		return fmt.Errorf("failed to decode config: %w", err)
	}
	return nil
}

func decode(input, target any, tag string) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		TagName:          tag,
		Result:           target,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return err
	}
	return dec.Decode(input)
}

// GetAll returns a copy of every key.
func (m *Manager) GetAll() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.values)
}

func (m *Manager) Delete(key string) {
	m.mu.Lock()
	delete(m.values, key)
	m.mu.Unlock()
}

// Clear drops every key. Watchers stay registered.
func (m *Manager) Clear() {
	m.mu.Lock()
	clear(m.values)
	m.mu.Unlock()
}
