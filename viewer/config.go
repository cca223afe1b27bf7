package viewer

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/janelia-flyem/tilestream/chooser"
	"github.com/janelia-flyem/tilestream/dvid"
	"github.com/janelia-flyem/tilestream/tilecache"
)

// Config is the TOML configuration of a viewer.
type Config struct {
	Logging dvid.LogConfig
	Source  SourceConfig
	Store   map[string]interface{}
	Cache   tilecache.Config
	Chooser chooser.Config
}

// SourceConfig selects the block source and where it lives in the store.
type SourceConfig struct {
	Type string `toml:"type"` // "octree" or "ngprecomputed"
	Ref  string `toml:"ref"`  // key prefix of the dataset within the store

	// Origin overrides the octree origin from its root metadata.
	Origin []float64 `toml:"origin"`

	// Shard metadata cache sizes for sharded precomputed volumes.
	MaxShards     int `toml:"max_shards"`
	MaxMinishards int `toml:"max_minishards"`
}

// Load reads a TOML configuration file.  Relative paths in it are taken
// relative to the file's directory.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return nil, fmt.Errorf("no viewer TOML configuration file provided")
	}
	var c Config
	if _, err := toml.DecodeFile(filename, &c); err != nil {
		return nil, fmt.Errorf("could not decode TOML config: %v", err)
	}
	if err := c.convertPathsToAbsolute(filename); err != nil {
		return nil, fmt.Errorf("could not convert relative paths to absolute paths in TOML config: %v", err)
	}
	return &c, nil
}

// Some settings in the TOML can be given as relative paths.  They are converted
// in place assuming they are relative to the TOML file's own directory.
func (c *Config) convertPathsToAbsolute(configPath string) error {
	var err error
	configDir := filepath.Dir(configPath)

	// [logging].logfile
	if c.Logging.Logfile != "" {
		c.Logging.Logfile, err = dvid.ConvertToAbsolute(c.Logging.Logfile, configDir)
		if err != nil {
			return fmt.Errorf("error converting logfile setting to absolute path")
		}
	}

	// [store].path, [store].diskcache and file:// urls
	for _, setting := range []string{"path", "diskcache"} {
		v, found := c.Store[setting]
		if !found {
			continue
		}
		path, ok := v.(string)
		if !ok {
			return fmt.Errorf("don't understand store.%s setting %v", setting, v)
		}
		if path == "" {
			continue
		}
		if c.Store[setting], err = dvid.ConvertToAbsolute(path, configDir); err != nil {
			return fmt.Errorf("error converting store.%s to absolute path: %q", setting, path)
		}
	}
	if v, found := c.Store["url"]; found {
		if url, ok := v.(string); ok && strings.HasPrefix(url, "file://") {
			path := strings.TrimPrefix(url, "file://")
			if !filepath.IsAbs(path) {
				c.Store["url"] = "file://" + filepath.Join(configDir, path)
			}
		}
	}
	return nil
}

// StoreConfig returns the [store] section as an engine configuration.
func (c *Config) StoreConfig() (dvid.StoreConfig, error) {
	sc := dvid.StoreConfig{Config: dvid.NewConfig()}
	sc.SetAll(c.Store)
	engine, found, err := sc.GetString("engine")
	if err != nil {
		return sc, err
	}
	if !found || engine == "" {
		engine = "blob"
	}
	sc.Engine = engine
	return sc, nil
}
