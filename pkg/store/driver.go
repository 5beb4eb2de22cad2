package store

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/confctl/confctl/pkg/config"
)

// KV is a single key/value pair returned by listing operations. The Key is
// relative to the path that was listed; Value is nil for directories.
type KV struct {
	Key   string
	Value map[string]interface{}
}

// Driver is the interface all datastore drivers implement. Paths are
// interpreted relative to the configured <namespace>/<api_version> base
// unless they are absolute.
type Driver interface {
	Read(ctx context.Context, key string) (map[string]interface{}, error)
	// Write merges value into the existing object at key (new keys win) with
	// a compare-and-swap on the current version, or creates the key if it
	// does not exist yet.
	Write(ctx context.Context, key string, value map[string]interface{}) error
	Delete(ctx context.Context, key string) error
	IsDir(ctx context.Context, p string) (bool, error)
	// Ls returns the direct children of p, or all descendant leaves when
	// recursive is true.
	Ls(ctx context.Context, p string, recursive bool) ([]KV, error)
	// AllKeys returns every leaf below p as a slice of path segments
	// relative to p.
	AllKeys(ctx context.Context, p string) ([][]string, error)
	// AllData returns every leaf below p along with its value.
	AllData(ctx context.Context, p string) ([]KV, error)
	// FindInPath yields the tag vector of every leaf below p whose last
	// segment equals name.
	FindInPath(ctx context.Context, p string, name string) ([][]string, error)
	// GetLock and ReleaseLock are best-effort advisory locks; nothing in the
	// toolkit relies on them for correctness.
	GetLock(ctx context.Context, p string) error
	ReleaseLock(ctx context.Context, p string) error
}

// Factory builds a driver from the toolkit configuration.
type Factory func(cfg config.Config) (Driver, error)

var (
	driversMu sync.Mutex
	drivers   = map[string]Factory{}
)

// Register adds a named driver factory. It returns an error on an empty name
// or a duplicate registration.
func Register(name string, factory Factory) error {
	driversMu.Lock()
	defer driversMu.Unlock()
	if name == "" {
		return fmt.Errorf("driver name cannot be empty")
	}
	if _, ok := drivers[name]; ok {
		return fmt.Errorf("driver %q already registered", name)
	}
	drivers[name] = factory
	return nil
}

// MustRegister is Register but panics on error. Meant for init() use.
func MustRegister(name string, factory Factory) {
	if err := Register(name, factory); err != nil {
		panic(err)
	}
}

// New instantiates the driver named in the configuration.
func New(cfg config.Config) (Driver, error) {
	driversMu.Lock()
	factory, ok := drivers[cfg.Driver]
	driversMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown driver %q", cfg.Driver)
	}
	return factory(cfg)
}

// basePath computes the store root from the configuration.
func basePath(cfg config.Config) string {
	return path.Join(cfg.Namespace, cfg.APIVersion)
}

// abspath resolves p against base unless it is already absolute.
func abspath(base, p string) string {
	if strings.HasPrefix(p, "/") {
		return p
	}
	return path.Join(base, p)
}
