// Package schema turns declarative entity definitions into live entity
// types. The two historical entities, node and service, are built in and
// present unless FromData is asked to leave them out; additional ones come
// from a YAML file or from in-code declarations.
package schema

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/blang/semver/v4"
	"github.com/sirupsen/logrus"
	"sigs.k8s.io/yaml"

	"github.com/confctl/confctl/pkg/config"
	"github.com/confctl/confctl/pkg/entity"
	"github.com/confctl/confctl/pkg/store"
	"github.com/confctl/confctl/pkg/version"
)

// Schema is the set of loaded entity types.
type Schema struct {
	Entities map[string]*entity.Type
	// HasErrors is set when the schema file could not be parsed or an entry
	// failed to load. Consumers performing destructive operations must
	// refuse to proceed when it is set.
	HasErrors bool

	driver store.Driver
	cfg    config.Config
}

// builtin returns the declarations of the default entities.
func builtin(cfg config.Config) map[string]entity.Declaration {
	return map[string]entity.Declaration{
		"node": {
			Tags: []string{"dc", "cluster", "service"},
			Path: cfg.PoolsPath,
			Schema: map[string]entity.FieldDecl{
				"weight": {Type: "int", Default: 0},
				"pooled": {Type: "enum:yes|no|inactive", Default: "inactive"},
			},
			Depends: []string{"service"},
		},
		"service": {
			Tags: []string{"cluster"},
			Path: cfg.ServicesPath,
			Schema: map[string]entity.FieldDecl{
				"default_values": {
					Type:    "dict",
					Default: map[string]interface{}{"pooled": "no", "weight": 0},
				},
				"datacenters": {
					Type:    "list",
					Default: []interface{}{"eqiad", "codfw"},
				},
			},
			FreeForm:     true,
			StaticValues: true,
		},
	}
}

// New returns a schema containing only the built-in entities.
func New(cfg config.Config, driver store.Driver) *Schema {
	s := &Schema{Entities: map[string]*entity.Type{}, driver: driver, cfg: cfg}
	s.addAll(builtin(cfg))
	return s
}

// FromFile loads entity declarations from a YAML file on top of the
// built-ins. A missing file is not an error; a broken file or entry sets
// HasErrors while keeping the loadable entries.
func FromFile(cfg config.Config, driver store.Driver, filename string) *Schema {
	s := New(cfg, driver)
	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			logrus.WithField("file", filename).
				Info("schema file not found, only standard entities will be available")
			return s
		}
		logrus.WithField("file", filename).WithError(err).Error("could not read the schema")
		s.HasErrors = true
		return s
	}

	var raw struct {
		MinVersion string `json:"min_version"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		logrus.WithField("file", filename).WithError(err).Error("could not parse the schema")
		s.HasErrors = true
		return s
	}
	if raw.MinVersion != "" {
		min, err := semver.Parse(raw.MinVersion)
		if err != nil || version.Current().LT(min) {
			logrus.WithFields(logrus.Fields{"file": filename, "min_version": raw.MinVersion}).
				Error("schema requires a newer toolkit")
			s.HasErrors = true
			return s
		}
	}

	var decls map[string]json.RawMessage // delay decoding so one bad entry doesn't sink the rest
	if err := yaml.Unmarshal(data, &decls); err != nil {
		s.HasErrors = true
		return s
	}
	delete(decls, "min_version")
	for name, rawDecl := range decls {
		var decl entity.Declaration
		if err := yaml.Unmarshal(rawDecl, &decl); err != nil {
			logrus.WithField("entity", name).WithError(err).Error("could not load entity")
			s.HasErrors = true
			continue
		}
		if err := s.Add(name, decl); err != nil {
			logrus.WithField("entity", name).WithError(err).Error("could not load entity")
			s.HasErrors = true
		}
	}
	return s
}

// FromData builds a schema from in-code declarations, as the compilers do.
// The built-in entities are included only when defaults is true.
func FromData(cfg config.Config, driver store.Driver, decls map[string]entity.Declaration, defaults bool) (*Schema, error) {
	var s *Schema
	if defaults {
		s = New(cfg, driver)
	} else {
		s = &Schema{Entities: map[string]*entity.Type{}, driver: driver, cfg: cfg}
	}
	for name, decl := range decls {
		if err := s.Add(name, decl); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add constructs and registers one entity type.
func (s *Schema) Add(name string, decl entity.Declaration) error {
	t, err := entity.NewType(name, decl, s.driver)
	if err != nil {
		return err
	}
	s.Entities[name] = t
	return nil
}

// Get returns a loaded entity type.
func (s *Schema) Get(name string) (*entity.Type, error) {
	t, ok := s.Entities[name]
	if !ok {
		return nil, fmt.Errorf("unknown entity type %q", name)
	}
	return t, nil
}

func (s *Schema) addAll(decls map[string]entity.Declaration) {
	for name, decl := range decls {
		if err := s.Add(name, decl); err != nil {
			logrus.WithField("entity", name).WithError(err).Error("could not load entity")
			s.HasErrors = true
		}
	}
}
