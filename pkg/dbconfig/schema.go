// Package dbconfig compiles the database instance and section objects into
// the configuration blob consumed by MediaWiki, and implements the dbctl
// operations over them.
package dbconfig

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alecthomas/jsonschema"

	"github.com/confctl/confctl/pkg/config"
	"github.com/confctl/confctl/pkg/entity"
	"github.com/confctl/confctl/pkg/schema"
	"github.com/confctl/confctl/pkg/store"
	"github.com/confctl/confctl/pkg/types"
)

// DefaultSection is the historical pre-sharding section, stored in the
// MediaWiki configuration under the literal key "DEFAULT".
const DefaultSection = "s3"

// DefaultPort is the MySQL port omitted from hostsByName entries.
const DefaultPort = 3306

// placeholderMaster marks a section that has never been initialized.
const placeholderMaster = "PLACEHOLDER"

// LiveConfigName is the name of the mwconfig object holding the compiled
// blob for each datacenter.
const LiveConfigName = "dbconfig"

// Flavors of a database section.
const (
	FlavorRegular  = "regular"
	FlavorExternal = "external"
)

// Declarations returns the entity declarations dbctl needs on top of the
// defaults.
func Declarations() map[string]entity.Declaration {
	return map[string]entity.Declaration{
		"dbconfig-instance": {
			Tags: []string{"datacenter"},
			Path: "dbconfig-instance",
			Schema: map[string]entity.FieldDecl{
				"host_ip":          {Type: "string", Default: ""},
				"port":             {Type: "int", Default: DefaultPort},
				"sections":         {Type: "dict", Default: map[string]interface{}{}},
				"note":             {Type: "string", Default: ""},
				"candidate_master": {Type: "bool", Default: false},
			},
		},
		"dbconfig-section": {
			Tags: []string{"datacenter"},
			Path: "dbconfig-section",
			Schema: map[string]entity.FieldDecl{
				"master":                    {Type: "string", Default: placeholderMaster},
				"min_replicas":              {Type: "int", Default: 1},
				"readonly":                  {Type: "bool", Default: false},
				"ro_reason":                 {Type: "string", Default: ""},
				"flavor":                    {Type: "enum:regular|external", Default: FlavorRegular},
				"omit_replicas_in_mwconfig": {Type: "bool", Default: false},
			},
		},
		"mwconfig": {
			Tags: []string{"scope"},
			Path: "mwconfig",
			Schema: map[string]entity.FieldDecl{
				"val": {Type: "any", Default: nil},
			},
		},
	}
}

// NewSchema loads the dbctl entities on top of the built-in ones and
// attaches the generated blob schema to mwconfig.
func NewSchema(cfg config.Config, driver store.Driver) (*schema.Schema, error) {
	s, err := schema.FromData(cfg, driver, Declarations(), true)
	if err != nil {
		return nil, err
	}
	rule, err := blobSchemaRule()
	if err != nil {
		return nil, err
	}
	s.Entities["mwconfig"].AddRule(rule)
	return s, nil
}

// SectionLoad is one compiled section: the master in slot 0, the replicas
// in slot 1.
type SectionLoad [2]map[string]int

// NewSectionLoad returns an empty, fully-allocated load pair.
func NewSectionLoad() SectionLoad {
	return SectionLoad{map[string]int{}, map[string]int{}}
}

// DatacenterConfig is the per-datacenter MediaWiki configuration blob.
type DatacenterConfig struct {
	SectionLoads        map[string]SectionLoad               `json:"sectionLoads"`
	ExternalLoads       map[string]SectionLoad               `json:"externalLoads"`
	GroupLoadsBySection map[string]map[string]map[string]int `json:"groupLoadsBySection"`
	ReadOnlyBySection   map[string]string                    `json:"readOnlyBySection"`
	HostsByName         map[string]string                    `json:"hostsByName"`
}

func newDatacenterConfig() *DatacenterConfig {
	return &DatacenterConfig{
		SectionLoads:        map[string]SectionLoad{},
		ExternalLoads:       map[string]SectionLoad{},
		GroupLoadsBySection: map[string]map[string]map[string]int{},
		ReadOnlyBySection:   map[string]string{},
		HostsByName:         map[string]string{},
	}
}

// Blob maps datacenter names to their compiled configuration.
type Blob map[string]*DatacenterConfig

// mwValue is the serialized shape of the mwconfig object holding the blob.
type mwValue struct {
	Val *DatacenterConfig `json:"val"`
}

// blobSchemaRule derives the mwconfig validation rule from the blob types,
// so the stored object and the schema can never drift apart.
func blobSchemaRule() (*types.SchemaRule, error) {
	reflector := jsonschema.Reflector{ExpandedStruct: true, RequiredFromJSONSchemaTags: false}
	doc := reflector.Reflect(&mwValue{})
	return types.NewDocumentSchemaRule("dbconfig-blob", "name="+LiveConfigName, doc)
}

// InstanceSection is an instance's participation in one section.
type InstanceSection struct {
	Pooled     bool                     `json:"pooled"`
	Weight     int                      `json:"weight"`
	Percentage int                      `json:"percentage"`
	Groups     map[string]InstanceGroup `json:"groups,omitempty"`
}

// InstanceGroup is an instance's participation in a query group.
type InstanceGroup struct {
	Pooled bool `json:"pooled"`
	Weight int  `json:"weight"`
}

// Instance is the typed view over a dbconfig-instance entity.
type Instance struct {
	entity *entity.Entity

	Datacenter      string                      `json:"-"`
	Name            string                      `json:"-"`
	HostIP          string                      `json:"host_ip"`
	Port            int                         `json:"port"`
	Sections        map[string]*InstanceSection `json:"sections"`
	Note            string                      `json:"note"`
	CandidateMaster bool                        `json:"candidate_master"`
}

// Section is the typed view over a dbconfig-section entity.
type Section struct {
	entity *entity.Entity

	Datacenter             string `json:"-"`
	Name                   string `json:"-"`
	Master                 string `json:"master"`
	MinReplicas            int    `json:"min_replicas"`
	ReadOnly               bool   `json:"readonly"`
	ROReason               string `json:"ro_reason"`
	Flavor                 string `json:"flavor"`
	OmitReplicasInMwconfig bool   `json:"omit_replicas_in_mwconfig"`
}

func parseInstance(e *entity.Entity) (*Instance, error) {
	v := &Instance{entity: e, Datacenter: e.Tags()["datacenter"], Name: e.Name()}
	if err := fromFields(e, v); err != nil {
		return nil, fmt.Errorf("instance %s: %w", e.Pprint(), err)
	}
	if v.Sections == nil {
		v.Sections = map[string]*InstanceSection{}
	}
	return v, nil
}

func parseSection(e *entity.Entity) (*Section, error) {
	v := &Section{entity: e, Datacenter: e.Tags()["datacenter"], Name: e.Name()}
	if err := fromFields(e, v); err != nil {
		return nil, fmt.Errorf("section %s: %w", e.Pprint(), err)
	}
	return v, nil
}

// fromFields decodes the entity's serialized form into a typed view.
func fromFields(e *entity.Entity, out interface{}) error {
	raw, err := json.Marshal(e.ToNet())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// fields re-serializes a typed view into the entity field map.
func fields(in interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AsDict is the view-friendly rendering of the underlying entity.
func (v *Instance) AsDict() map[string]interface{} { return v.entity.AsDict() }

// AsDict is the view-friendly rendering of the underlying entity.
func (v *Section) AsDict() map[string]interface{} { return v.entity.AsDict() }

// Initialized reports whether the instance has ever been configured.
func (v *Instance) Initialized() bool { return len(v.Sections) > 0 }

// Initialized reports whether the section has ever been configured.
func (v *Section) Initialized() bool { return v.Master != placeholderMaster }

// write persists the typed view back through the underlying entity,
// running field validation on the way.
func (v *Instance) write(ctx context.Context) error {
	values, err := fields(v)
	if err != nil {
		return err
	}
	return v.entity.Update(ctx, values)
}

func (v *Section) write(ctx context.Context) error {
	values, err := fields(v)
	if err != nil {
		return err
	}
	return v.entity.Update(ctx, values)
}
