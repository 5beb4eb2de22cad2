package dbconfig

import (
	"context"
	"fmt"
	"regexp"
	"sort"

	"github.com/confctl/confctl/pkg/action"
	"github.com/confctl/confctl/pkg/entity"
)

// AllGroups selects every configured group of a section.
const AllGroups = "all"

// NotFoundError reports a named object that does not exist.
type NotFoundError struct {
	Kind string
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("DB %s '%s' not found", e.Kind, e.Name)
}

// Instances manages the dbconfig-instance objects.
type Instances struct {
	dbc *DbConfig
	typ *entity.Type
}

// Sections manages the dbconfig-section objects.
type Sections struct {
	dbc *DbConfig
	typ *entity.Type
}

func query(ctx context.Context, typ *entity.Type, name, dc string) ([]*entity.Entity, error) {
	raw := map[string]string{}
	if name != "" {
		raw["name"] = regexp.QuoteMeta(name)
	}
	if dc != "" {
		raw["datacenter"] = regexp.QuoteMeta(dc)
	}
	selector, err := entity.ParseSelector(raw)
	if err != nil {
		return nil, err
	}
	return typ.Query(ctx, selector)
}

// GetAll returns the instances, optionally filtered to initialized ones.
// An empty dc matches every datacenter.
func (i *Instances) GetAll(ctx context.Context, dc string, initializedOnly bool) ([]*Instance, error) {
	objs, err := query(ctx, i.typ, "", dc)
	if err != nil {
		return nil, err
	}
	var res []*Instance
	for _, obj := range objs {
		v, err := parseInstance(obj)
		if err != nil {
			return nil, err
		}
		if initializedOnly && !v.Initialized() {
			continue
		}
		res = append(res, v)
	}
	sort.Slice(res, func(a, b int) bool {
		if res[a].Datacenter != res[b].Datacenter {
			return res[a].Datacenter < res[b].Datacenter
		}
		return res[a].Name < res[b].Name
	})
	return res, nil
}

// Get returns one instance, or nil when absent. Multiple matches across
// datacenters are an error: the caller must provide a datacenter.
func (i *Instances) Get(ctx context.Context, name, dc string) (*Instance, error) {
	objs, err := query(ctx, i.typ, name, dc)
	if err != nil {
		return nil, err
	}
	existing := existingOnly(objs)
	switch len(existing) {
	case 0:
		return nil, nil
	case 1:
		return parseInstance(existing[0])
	default:
		return nil, fmt.Errorf(
			"%d instances found for '%s' and scope '%s', expected 1", len(existing), name, dc)
	}
}

func existingOnly(objs []*entity.Entity) []*entity.Entity {
	var res []*entity.Entity
	for _, obj := range objs {
		if obj.Exists() {
			res = append(res, obj)
		}
	}
	return res
}

// checkState verifies the object exists and is usable before a mutation.
func (i *Instances) checkState(v *Instance) []string {
	if v == nil {
		return []string{(&NotFoundError{Kind: "instance"}).Error()}
	}
	if !v.Initialized() {
		return []string{"instance is uninitialized"}
	}
	return nil
}

// mutate applies cb on each selected section of the instance, previews the
// resulting global configuration, and persists only when it is sound.
func (i *Instances) mutate(ctx context.Context, name, dc, section, group string,
	cb func(*InstanceSection, string) error,
) (bool, []string) {
	if group != "" && section == "" {
		return false, []string{"Cannot select a group but not a section"}
	}
	v, err := i.Get(ctx, name, dc)
	if err != nil {
		return false, []string{err.Error()}
	}
	if errs := i.checkState(v); errs != nil {
		return false, errs
	}
	if section != "" {
		if _, ok := v.Sections[section]; !ok {
			return false, []string{fmt.Sprintf("Section \"%s\" is not configured for %s", section, v.Name)}
		}
	}
	var errors []string
	names := make([]string, 0, len(v.Sections))
	for s := range v.Sections {
		names = append(names, s)
	}
	sort.Strings(names)
	for _, s := range names {
		if section != "" && s != section {
			continue
		}
		if err := cb(v.Sections[s], s); err != nil {
			errors = append(errors, err.Error())
		}
	}
	if len(errors) > 0 {
		return false, errors
	}
	if errs := i.dbc.CheckInstance(ctx, v); len(errs) > 0 {
		return false, errs
	}
	if err := v.write(ctx); err != nil {
		return false, []string{err.Error()}
	}
	return true, nil
}

// groupTargets resolves a group selector against one section.
func groupTargets(s *InstanceSection, section, group string) ([]string, error) {
	if len(s.Groups) == 0 {
		return nil, fmt.Errorf("No groups are configured for section '%s'", section)
	}
	if group == AllGroups {
		names := make([]string, 0, len(s.Groups))
		for g := range s.Groups {
			names = append(names, g)
		}
		sort.Strings(names)
		return names, nil
	}
	if _, ok := s.Groups[group]; !ok {
		return nil, fmt.Errorf("Group \"%s\" is not configured in section \"%s\"", group, section)
	}
	return []string{group}, nil
}

// Pool pools an instance in all sections, one section, or one group. A
// percentage may be set only for section-level pooling.
func (i *Instances) Pool(ctx context.Context, name, dc string, percentage *int, section, group string) (bool, []string) {
	if percentage != nil && group != "" {
		return false, []string{"Percentages are only supported for global pooling"}
	}
	return i.mutate(ctx, name, dc, section, group, func(s *InstanceSection, sectionName string) error {
		if group == "" {
			s.Pooled = true
			if percentage != nil {
				s.Percentage = *percentage
			}
			return nil
		}
		targets, err := groupTargets(s, sectionName, group)
		if err != nil {
			return err
		}
		for _, g := range targets {
			gd := s.Groups[g]
			gd.Pooled = true
			s.Groups[g] = gd
		}
		return nil
	})
}

// Depool removes an instance from rotation in all sections, one section, or
// one group.
func (i *Instances) Depool(ctx context.Context, name, dc, section, group string) (bool, []string) {
	return i.mutate(ctx, name, dc, section, group, func(s *InstanceSection, sectionName string) error {
		if group == "" {
			s.Pooled = false
			return nil
		}
		targets, err := groupTargets(s, sectionName, group)
		if err != nil {
			return err
		}
		for _, g := range targets {
			gd := s.Groups[g]
			gd.Pooled = false
			s.Groups[g] = gd
		}
		return nil
	})
}

// SetWeight changes the weight of an instance in a section or group.
func (i *Instances) SetWeight(ctx context.Context, name, dc string, weight int, section, group string) (bool, []string) {
	return i.mutate(ctx, name, dc, section, group, func(s *InstanceSection, sectionName string) error {
		if group == "" {
			s.Weight = weight
			return nil
		}
		targets, err := groupTargets(s, sectionName, group)
		if err != nil {
			return err
		}
		for _, g := range targets {
			gd := s.Groups[g]
			gd.Weight = weight
			s.Groups[g] = gd
		}
		return nil
	})
}

// SetCandidateMaster flags or unflags the instance as a failover candidate.
func (i *Instances) SetCandidateMaster(ctx context.Context, name, dc string, candidate bool) (bool, []string) {
	v, err := i.Get(ctx, name, dc)
	if err != nil {
		return false, []string{err.Error()}
	}
	if errs := i.checkState(v); errs != nil {
		return false, errs
	}
	v.CandidateMaster = candidate
	if err := v.write(ctx); err != nil {
		return false, []string{err.Error()}
	}
	return true, nil
}

// SetNote attaches a free-form operator note to the instance.
func (i *Instances) SetNote(ctx context.Context, name, dc, note string) (bool, []string) {
	v, err := i.Get(ctx, name, dc)
	if err != nil {
		return false, []string{err.Error()}
	}
	if errs := i.checkState(v); errs != nil {
		return false, errs
	}
	v.Note = note
	if err := v.write(ctx); err != nil {
		return false, []string{err.Error()}
	}
	return true, nil
}

const instanceExample = `
host_ip: 10.0.0.1
port: 3306
sections:
  s1:
    groups:
      dump:
        pooled: true
        weight: 100
      vslow:
        pooled: true
        weight: 100
    percentage: 100
    pooled: true
    weight: 200
  s2:
    percentage: 100
    pooled: true
    weight: 200
`

// Edit round-trips an instance through the operator's editor, with preview
// validation before the write.
func (i *Instances) Edit(ctx context.Context, name, dc string) (bool, []string) {
	obj, err := i.editTarget(ctx, name, dc)
	if err != nil {
		return false, []string{err.Error()}
	}
	edit := &action.EditAction{
		Entity:  obj,
		Example: instanceExample,
		Checker: func(e *entity.Entity) []string {
			v, err := parseInstance(e)
			if err != nil {
				return []string{err.Error()}
			}
			return i.dbc.CheckInstance(ctx, v)
		},
	}
	if err := edit.Run(ctx); err != nil {
		return false, []string{err.Error()}
	}
	return true, nil
}

func (i *Instances) editTarget(ctx context.Context, name, dc string) (*entity.Entity, error) {
	v, err := i.Get(ctx, name, dc)
	if err != nil {
		return nil, err
	}
	if v != nil {
		return v.entity, nil
	}
	if dc == "" {
		return nil, fmt.Errorf("no instance found with name \"%s\"; please provide a datacenter", name)
	}
	return i.typ.Get(ctx, dc, name)
}

// GetAll returns the sections, optionally filtered to initialized ones.
func (s *Sections) GetAll(ctx context.Context, dc string, initializedOnly bool) ([]*Section, error) {
	objs, err := query(ctx, s.typ, "", dc)
	if err != nil {
		return nil, err
	}
	var res []*Section
	for _, obj := range objs {
		v, err := parseSection(obj)
		if err != nil {
			return nil, err
		}
		if initializedOnly && !v.Initialized() {
			continue
		}
		res = append(res, v)
	}
	sort.Slice(res, func(a, b int) bool {
		if res[a].Datacenter != res[b].Datacenter {
			return res[a].Datacenter < res[b].Datacenter
		}
		return res[a].Name < res[b].Name
	})
	return res, nil
}

// Get returns one section, or nil when absent.
func (s *Sections) Get(ctx context.Context, name, dc string) (*Section, error) {
	objs, err := query(ctx, s.typ, name, dc)
	if err != nil {
		return nil, err
	}
	existing := existingOnly(objs)
	switch len(existing) {
	case 0:
		return nil, nil
	case 1:
		return parseSection(existing[0])
	default:
		return nil, fmt.Errorf(
			"%d sections found for '%s' and scope '%s', expected 1", len(existing), name, dc)
	}
}

func (s *Sections) checkState(v *Section) []string {
	if v == nil {
		return []string{(&NotFoundError{Kind: "section"}).Error()}
	}
	if !v.Initialized() {
		return []string{"section is uninitialized"}
	}
	return nil
}

func (s *Sections) mutate(ctx context.Context, name, dc string, cb func(*Section)) (bool, []string) {
	v, err := s.Get(ctx, name, dc)
	if err != nil {
		return false, []string{err.Error()}
	}
	if errs := s.checkState(v); errs != nil {
		return false, errs
	}
	cb(v)
	if errs := s.dbc.CheckSection(ctx, v); len(errs) > 0 {
		return false, errs
	}
	if err := v.write(ctx); err != nil {
		return false, []string{err.Error()}
	}
	return true, nil
}

// SetMaster changes the master of a section. The new master must be an
// existing instance configured for the section.
func (s *Sections) SetMaster(ctx context.Context, name, dc, newMaster string) (bool, []string) {
	candidate, err := s.dbc.Instances.Get(ctx, newMaster, dc)
	if err != nil {
		return false, []string{err.Error()}
	}
	if candidate == nil {
		return false, []string{(&NotFoundError{Kind: "instance", Name: newMaster}).Error()}
	}
	if _, ok := candidate.Sections[name]; !ok {
		return false, []string{fmt.Sprintf(
			"DB instance '%s' is not configured for section '%s'", newMaster, name)}
	}
	return s.mutate(ctx, name, dc, func(v *Section) {
		v.Master = newMaster
	})
}

// SetReadonly toggles the read-only flag; a reason accompanies the
// transition to read-only.
func (s *Sections) SetReadonly(ctx context.Context, name, dc string, readonly bool, reason string) (bool, []string) {
	return s.mutate(ctx, name, dc, func(v *Section) {
		v.ReadOnly = readonly
		if reason != "" {
			v.ROReason = reason
		}
	})
}

// Edit round-trips a section through the operator's editor.
func (s *Sections) Edit(ctx context.Context, name, dc string) (bool, []string) {
	obj, err := s.editTarget(ctx, name, dc)
	if err != nil {
		return false, []string{err.Error()}
	}
	edit := &action.EditAction{
		Entity: obj,
		Checker: func(e *entity.Entity) []string {
			v, err := parseSection(e)
			if err != nil {
				return []string{err.Error()}
			}
			return s.dbc.CheckSection(ctx, v)
		},
	}
	if err := edit.Run(ctx); err != nil {
		return false, []string{err.Error()}
	}
	return true, nil
}

func (s *Sections) editTarget(ctx context.Context, name, dc string) (*entity.Entity, error) {
	v, err := s.Get(ctx, name, dc)
	if err != nil {
		return nil, err
	}
	if v != nil {
		return v.entity, nil
	}
	if dc == "" {
		return nil, fmt.Errorf("no section found with name \"%s\"; please provide a datacenter", name)
	}
	return s.typ.Get(ctx, dc, name)
}
