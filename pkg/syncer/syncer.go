// Package syncer reconciles a file tree of declared objects with the
// datastore: objects on disk and not in the store are created, objects in
// the store and not on disk are removed. Removal is gated per entity on a
// clean read of that entity's files.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"sigs.k8s.io/yaml"

	"github.com/confctl/confctl/pkg/entity"
	"github.com/confctl/confctl/pkg/schema"
	"github.com/confctl/confctl/pkg/store"
)

// createParallelism bounds concurrent object creations within one entity.
const createParallelism = 5

// Syncer drives a full reconciliation run over every entity in the schema.
type Syncer struct {
	schema *schema.Schema
	root   string
	log    *logrus.Entry
}

func New(s *schema.Schema, root string) *Syncer {
	return &Syncer{schema: s, root: root, log: logrus.WithField("component", "syncer")}
}

// Run loads all entities from disk in dependency order, then removes stale
// objects in reverse order. A broken schema is fatal.
func (s *Syncer) Run(ctx context.Context) error {
	if s.schema.HasErrors {
		return fmt.Errorf("schema is broken, NOT loading data")
	}
	order, err := s.loadOrder()
	if err != nil {
		return err
	}

	syncers := make(map[string]*entitySyncer, len(order))
	for _, name := range order {
		es := newEntitySyncer(name, s.schema.Entities[name])
		es.loadFiles(s.root)
		syncers[name] = es
	}

	for _, name := range order {
		s.log.WithField("entity", name).Info("adding objects")
		if err := syncers[name].load(ctx); err != nil {
			s.log.WithField("entity", name).WithError(err).Error("loading of data failed")
			syncers[name].skipRemoval = true
		}
	}

	// Cleanup happens in reverse order so dependents go away before their
	// dependencies.
	for i := len(order) - 1; i >= 0; i-- {
		s.log.WithField("entity", order[i]).Info("removing stale objects")
		syncers[order[i]].cleanup(ctx)
	}
	return nil
}

// loadOrder topologically sorts the entities so every entity follows its
// dependencies. The order is deterministic; a dependency loop is fatal.
func (s *Syncer) loadOrder() ([]string, error) {
	names := make([]string, 0, len(s.schema.Entities))
	for name := range s.schema.Entities {
		names = append(names, name)
	}
	sort.Strings(names)

	var order []string
	added := map[string]bool{}
	var add func(name string, chain []string) error
	add = func(name string, chain []string) error {
		if added[name] {
			return nil
		}
		for _, seen := range chain {
			if seen == name {
				return fmt.Errorf("dependency loop: %s=>%s", strings.Join(chain, "=>"), name)
			}
		}
		t, ok := s.schema.Entities[name]
		if !ok {
			return fmt.Errorf("unknown dependency %q of %s", name, strings.Join(chain, "=>"))
		}
		for _, dep := range t.Depends {
			if err := add(dep, append(chain, name)); err != nil {
				return err
			}
		}
		added[name] = true
		order = append(order, name)
		return nil
	}
	for _, name := range names {
		if err := add(name, nil); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// entitySyncer reconciles a single entity type.
type entitySyncer struct {
	name string
	typ  *entity.Type
	data map[string]map[string]interface{}
	// toRemove is computed during load and consumed by cleanup.
	toRemove []string
	// skipRemoval latches on any file or load error for this entity; it
	// never cascades to other entities.
	skipRemoval bool
	log         *logrus.Entry
}

func newEntitySyncer(name string, typ *entity.Type) *entitySyncer {
	return &entitySyncer{
		name: name,
		typ:  typ,
		data: map[string]map[string]interface{}{},
		log:  logrus.WithField("entity", name),
	}
}

func (es *entitySyncer) loadFiles(root string) {
	dir := filepath.Join(root, es.name)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		es.log.WithField("dir", dir).Error("data dir does not exist, will NOT remove missing entities")
		es.skipRemoval = true
		return
	}
	files, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		es.skipRemoval = true
		return
	}
	sort.Strings(files)
	for _, filename := range files {
		es.log.WithField("file", filename).Info("parsing file")
		raw, err := os.ReadFile(filename)
		if err != nil {
			es.log.WithField("file", filename).WithError(err).Error("could not read file")
			es.skipRemoval = true
			continue
		}
		var filedata map[string]interface{}
		if err := yaml.Unmarshal(raw, &filedata); err != nil {
			es.log.WithField("file", filename).Error("malformed data in file")
			es.skipRemoval = true
			continue
		}
		expanded, err := es.translate(filedata)
		if err != nil {
			es.log.WithField("file", filename).WithError(err).Error("data could not be loaded")
			es.skipRemoval = true
			continue
		}
		for k, v := range expanded {
			es.data[k] = v
		}
	}
}

// translate expands a parsed YAML document into key-suffix → value-map. The
// document must be nested once per tag, with the object name as the
// innermost key. The node entity uses its historical host-centric layout.
func (es *entitySyncer) translate(filedata map[string]interface{}) (map[string]map[string]interface{}, error) {
	if es.name == "node" {
		return translateNodes(filedata)
	}
	res := map[string]map[string]interface{}{}
	depth := len(es.typ.Tags) + 1
	var walk func(prefix []string, data interface{}) error
	walk = func(prefix []string, data interface{}) error {
		if len(prefix) == depth {
			value, ok := data.(map[string]interface{})
			if !ok && data != nil {
				return fmt.Errorf("object %s is not a mapping", strings.Join(prefix, "/"))
			}
			res[strings.Join(prefix, "/")] = value
			return nil
		}
		level, ok := data.(map[string]interface{})
		if !ok {
			return fmt.Errorf("expected %d levels of nesting below %q", depth, strings.Join(prefix, "/"))
		}
		for k, v := range level {
			if err := walk(append(prefix, k), v); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(nil, filedata); err != nil {
		return nil, err
	}
	return res, nil
}

// translateNodes expands {dc: {cluster: {host: [services]}}} into the
// generic dc/cluster/service/host form.
func translateNodes(filedata map[string]interface{}) (map[string]map[string]interface{}, error) {
	res := map[string]map[string]interface{}{}
	for dc, clusters := range filedata {
		cl, ok := clusters.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("datacenter %s is not a mapping", dc)
		}
		for cluster, hosts := range cl {
			hs, ok := hosts.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("cluster %s/%s is not a mapping", dc, cluster)
			}
			for host, services := range hs {
				svcs, ok := services.([]interface{})
				if !ok {
					return nil, fmt.Errorf("host %s in %s/%s does not list services", host, dc, cluster)
				}
				for _, svc := range svcs {
					name, ok := svc.(string)
					if !ok {
						return nil, fmt.Errorf("service %v of host %s is not a string", svc, host)
					}
					res[strings.Join([]string{dc, cluster, name, host}, "/")] = nil
				}
			}
		}
	}
	return res, nil
}

func (es *entitySyncer) load(ctx context.Context) error {
	toLoad, toRemove, err := es.changes(ctx)
	if err != nil {
		return err
	}
	es.toRemove = toRemove

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(createParallelism)
	var failed []string
	for _, key := range toLoad {
		g.Go(func() error {
			if err := es.loadOne(gctx, key); err != nil {
				es.log.WithField("key", key).WithError(err).Error("could not sync object")
				mu.Lock()
				failed = append(failed, key)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d objects failed to sync", len(failed))
	}
	return nil
}

func (es *entitySyncer) loadOne(ctx context.Context, key string) error {
	obj, err := es.typ.Get(ctx, strings.Split(key, "/")...)
	if err != nil {
		return err
	}
	if es.typ.Static {
		es.log.WithField("key", key).Info("syncing static object")
		obj.FromNet(es.data[key])
		return obj.Write(ctx)
	}
	if obj.Exists() {
		es.log.WithField("key", key).Warn("not loading: object already exists")
		return nil
	}
	es.log.WithField("key", key).Info("creating object")
	return obj.Write(ctx)
}

func (es *entitySyncer) cleanup(ctx context.Context) {
	if es.skipRemoval {
		if len(es.toRemove) > 0 {
			es.log.WithField("objects", es.toRemove).
				Info("not removing objects: errors processing files")
		}
		return
	}
	for _, key := range es.toRemove {
		obj, err := es.typ.Get(ctx, strings.Split(key, "/")...)
		if err != nil {
			es.log.WithField("key", key).WithError(err).Error("could not fetch object for removal")
			continue
		}
		if !obj.Exists() {
			continue
		}
		es.log.WithField("key", key).Info("removing object")
		if err := obj.Delete(ctx); err != nil {
			es.log.WithField("key", key).WithError(err).Error("could not remove object")
		}
	}
}

// changes diffs the expected keyset against the live one. Static entities
// also pick up keys whose stored value differs from the file data.
func (es *entitySyncer) changes(ctx context.Context) (toLoad, toRemove []string, err error) {
	live, err := es.liveData(ctx)
	if err != nil {
		return nil, nil, err
	}

	for key := range es.data {
		stored, ok := live[key]
		switch {
		case !ok:
			toLoad = append(toLoad, key)
		case es.typ.Static && changed(stored, es.data[key]):
			toLoad = append(toLoad, key)
		}
	}
	for key := range live {
		if _, ok := es.data[key]; !ok {
			toRemove = append(toRemove, key)
		}
	}
	sort.Strings(toLoad)
	sort.Strings(toRemove)
	return toLoad, toRemove, nil
}

func (es *entitySyncer) liveData(ctx context.Context) (map[string]map[string]interface{}, error) {
	res := map[string]map[string]interface{}{}
	kvs, err := es.typ.AllData(ctx)
	if err != nil {
		// An empty remote tree shows up as not-found or "not a directory".
		var be *store.BackendError
		if errors.Is(err, store.ErrNotFound) ||
			(errors.As(err, &be) && strings.Contains(be.Err.Error(), "not a directory")) {
			return res, nil
		}
		return nil, err
	}
	for _, kv := range kvs {
		res[kv.Key] = kv.Value
	}
	return res, nil
}

func changed(stored, expected map[string]interface{}) bool {
	return !cmp.Equal(normalized(stored), normalized(expected))
}

// normalized round-trips through JSON so YAML- and store-sourced values of
// the same shape compare equal.
func normalized(m map[string]interface{}) interface{} {
	raw, err := json.Marshal(m)
	if err != nil {
		return m
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return m
	}
	return out
}
