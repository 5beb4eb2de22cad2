package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/confctl/confctl/pkg/config"
)

func init() {
	MustRegister("memory", func(cfg config.Config) (Driver, error) {
		return NewMemoryDriver(cfg), nil
	})
}

// MemoryDriver is a map-backed Driver with the same semantics as the etcd
// one. It backs the test suites of every package and can be selected as
// driver "memory" for dry runs.
type MemoryDriver struct {
	base string

	mu    sync.Mutex
	data  map[string]map[string]interface{}
	locks map[string]struct{}
}

func NewMemoryDriver(cfg config.Config) *MemoryDriver {
	return &MemoryDriver{
		base:  basePath(cfg),
		data:  map[string]map[string]interface{}{},
		locks: map[string]struct{}{},
	}
}

func (d *MemoryDriver) Read(_ context.Context, key string) (map[string]interface{}, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	value, ok := d.data[abspath(d.base, key)]
	if !ok {
		return nil, ErrNotFound
	}
	return deepCopy(value), nil
}

func (d *MemoryDriver) Write(_ context.Context, key string, value map[string]interface{}) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := abspath(d.base, key)
	// Values go through JSON like they would on the wire, so readers see
	// the same types the real store produces.
	normalized, err := jsonNormalize(value)
	if err != nil {
		return wrapErr(p, err)
	}
	current, ok := d.data[p]
	if !ok {
		d.data[p] = normalized
		return nil
	}
	// Shallow update: an incoming top-level value wholly replaces the
	// stored one.
	merged := deepCopy(current)
	for k, v := range normalized {
		merged[k] = v
	}
	d.data[p] = merged
	return nil
}

func jsonNormalize(value map[string]interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *MemoryDriver) Delete(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.data, abspath(d.base, key))
	return nil
}

func (d *MemoryDriver) IsDir(_ context.Context, p string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	prefix := abspath(d.base, p) + "/"
	for k := range d.data {
		if strings.HasPrefix(k, prefix) {
			return true, nil
		}
	}
	return false, nil
}

func (d *MemoryDriver) Ls(_ context.Context, p string, recursive bool) ([]KV, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	prefix := abspath(d.base, p) + "/"
	if !d.isDirLocked(prefix) {
		return nil, ErrNotFound
	}
	seen := map[string]bool{}
	var res []KV
	for k, v := range d.data {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		rel := strings.TrimPrefix(k, prefix)
		if recursive {
			res = append(res, KV{Key: rel, Value: deepCopy(v)})
			continue
		}
		// Only direct children; deeper keys show up as value-less dirs.
		head, _, nested := strings.Cut(rel, "/")
		if seen[head] {
			continue
		}
		seen[head] = true
		if nested {
			res = append(res, KV{Key: head})
		} else {
			res = append(res, KV{Key: head, Value: deepCopy(v)})
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Key < res[j].Key })
	return res, nil
}

func (d *MemoryDriver) AllKeys(ctx context.Context, p string) ([][]string, error) {
	leaves, err := d.Ls(ctx, p, true)
	if err != nil {
		return nil, err
	}
	res := make([][]string, 0, len(leaves))
	for _, kv := range leaves {
		res = append(res, strings.Split(kv.Key, "/"))
	}
	return res, nil
}

func (d *MemoryDriver) AllData(ctx context.Context, p string) ([]KV, error) {
	return d.Ls(ctx, p, true)
}

func (d *MemoryDriver) FindInPath(ctx context.Context, p string, name string) ([][]string, error) {
	keys, err := d.AllKeys(ctx, p)
	if err != nil {
		return nil, err
	}
	var res [][]string
	for _, segments := range keys {
		if segments[len(segments)-1] == name {
			res = append(res, segments)
		}
	}
	return res, nil
}

func (d *MemoryDriver) GetLock(_ context.Context, p string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.locks[p]; ok {
		return &BackendError{Key: p, Err: fmt.Errorf("lock already held")}
	}
	d.locks[p] = struct{}{}
	return nil
}

func (d *MemoryDriver) ReleaseLock(_ context.Context, p string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.locks, p)
	return nil
}

func (d *MemoryDriver) isDirLocked(prefix string) bool {
	for k := range d.data {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	return false
}

func deepCopy(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		if m, ok := v.(map[string]interface{}); ok {
			out[k] = deepCopy(m)
			continue
		}
		if s, ok := v.([]interface{}); ok {
			cp := make([]interface{}, len(s))
			copy(cp, s)
			out[k] = cp
			continue
		}
		out[k] = v
	}
	return out
}
