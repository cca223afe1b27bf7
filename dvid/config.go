package dvid

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Config is a map of keyword to arbitrary data to specify configurations via keyword.
// Keys are case-insensitive.
type Config map[string]interface{}

// NewConfig returns an empty Config.
func NewConfig() Config {
	return make(Config)
}

// SetAll copies all the given settings into the receiver.
func (c Config) SetAll(kv map[string]interface{}) {
	for k, v := range kv {
		c[strings.ToLower(k)] = v
	}
}

// Set sets a single keyword.
func (c Config) Set(key string, value interface{}) {
	c[strings.ToLower(key)] = value
}

// GetString returns a string for the given key.  The second return value is false
// if the key wasn't present.
func (c Config) GetString(key string) (s string, found bool, err error) {
	v, found := c[strings.ToLower(key)]
	if !found || v == nil {
		return "", false, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", true, fmt.Errorf("%q setting must be a string (%v)", key, v)
	}
	return s, true, nil
}

// GetInt returns an int for the given key.  TOML decodes integers as int64 and JSON
// as float64, so both are accepted.
func (c Config) GetInt(key string) (i int, found bool, err error) {
	v, found := c[strings.ToLower(key)]
	if !found || v == nil {
		return 0, false, nil
	}
	switch t := v.(type) {
	case int:
		return t, true, nil
	case int64:
		return int(t), true, nil
	case float64:
		return int(t), true, nil
	default:
		return 0, true, fmt.Errorf("%q setting must be an integer (%v)", key, v)
	}
}

// StoreConfig is a store-specific configuration where each store implementation
// defines the types of parameters it accepts.
type StoreConfig struct {
	Config

	// Engine is a simple name describing the engine, e.g., "blob" or "swift".
	Engine string
}

// ConvertToAbsolute returns an absolute version of path, treating relative paths
// as relative to baseDir.
func ConvertToAbsolute(path, baseDir string) (string, error) {
	if path == "" || filepath.IsAbs(path) || strings.Contains(path, "://") {
		return path, nil
	}
	return filepath.Abs(filepath.Join(baseDir, path))
}
