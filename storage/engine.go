package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/blang/semver"

	"github.com/janelia-flyem/tilestream/dvid"
)

// Engine is a storage engine that can open a Store from a configuration.
type Engine interface {
	GetName() string
	GetDescription() string
	GetSemVer() semver.Version
	NewStore(ctx context.Context, config dvid.StoreConfig) (Store, error)
	fmt.Stringer
}

var (
	enginesMu sync.RWMutex
	engines   = make(map[string]Engine)
)

// RegisterEngine makes a storage engine available by name.  Engines usually
// register themselves from an init() in their package.
func RegisterEngine(e Engine) {
	enginesMu.Lock()
	defer enginesMu.Unlock()
	if _, found := engines[e.GetName()]; found {
		dvid.Errorf("Storage engine %q registered twice, keeping the latest: %s\n", e.GetName(), e)
	}
	engines[e.GetName()] = e
}

// GetEngine returns a registered engine or nil if not available.
func GetEngine(name string) Engine {
	enginesMu.RLock()
	defer enginesMu.RUnlock()
	return engines[name]
}

// EnginesAvailable returns a description of the registered engines.
func EnginesAvailable() []string {
	enginesMu.RLock()
	defer enginesMu.RUnlock()
	var names []string
	for _, e := range engines {
		names = append(names, e.String())
	}
	sort.Strings(names)
	return names
}

// Open opens a store using the engine named in the configuration.  If the
// configuration has a positive "memcache" setting, the returned store is wrapped
// in a CachedStore of that many bytes.
func Open(ctx context.Context, config dvid.StoreConfig) (Store, error) {
	e := GetEngine(config.Engine)
	if e == nil {
		return nil, fmt.Errorf("storage engine %q is not available, have %v", config.Engine, EnginesAvailable())
	}
	s, err := e.NewStore(ctx, config)
	if err != nil {
		return nil, err
	}
	memcache, _, err := config.GetInt("memcache")
	if err != nil {
		s.Close()
		return nil, err
	}
	if memcache > 0 {
		s = NewCachedStore(s, memcache)
	}
	return s, nil
}
