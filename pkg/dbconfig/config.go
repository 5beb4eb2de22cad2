package dbconfig

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/confctl/confctl/pkg/announce"
	"github.com/confctl/confctl/pkg/config"
	"github.com/confctl/confctl/pkg/cprint"
	"github.com/confctl/confctl/pkg/entity"
	"github.com/confctl/confctl/pkg/prompt"
	"github.com/confctl/confctl/pkg/schema"
)

// ConsistencyError aggregates cross-object validation failures. All the
// problems found are reported together so the operator sees the full
// picture.
type ConsistencyError struct {
	Errors []string
}

func (e *ConsistencyError) Error() string {
	return strings.Join(e.Errors, "\n")
}

// DbConfig compiles the instance and section objects into the MediaWiki
// blob, and manages its lifecycle: diff, commit with rollback cache,
// restore.
type DbConfig struct {
	cfg       config.Config
	mwconfig  *entity.Type
	Instances *Instances
	Sections  *Sections
	announcer *announce.Announcer
	paste     *announce.PasteSink
	log       *logrus.Entry
}

// New wires a DbConfig over a loaded dbctl schema.
func New(cfg config.Config, s *schema.Schema, ann *announce.Announcer, paste *announce.PasteSink) (*DbConfig, error) {
	mwconfig, err := s.Get("mwconfig")
	if err != nil {
		return nil, err
	}
	instType, err := s.Get("dbconfig-instance")
	if err != nil {
		return nil, err
	}
	sectType, err := s.Get("dbconfig-section")
	if err != nil {
		return nil, err
	}
	dbc := &DbConfig{
		cfg:       cfg,
		mwconfig:  mwconfig,
		announcer: ann,
		paste:     paste,
		log:       logrus.WithField("component", "dbconfig"),
	}
	dbc.Instances = &Instances{dbc: dbc, typ: instType}
	dbc.Sections = &Sections{dbc: dbc, typ: sectType}
	return dbc, nil
}

// LiveConfig reads the blob MediaWiki currently consumes, per datacenter.
func (d *DbConfig) LiveConfig(ctx context.Context) (Blob, error) {
	selector, err := entity.ParseSelector(map[string]string{"name": LiveConfigName})
	if err != nil {
		return nil, err
	}
	objs, err := d.mwconfig.Query(ctx, selector)
	if err != nil {
		return nil, err
	}
	live := Blob{}
	for _, obj := range objs {
		dc := obj.Tags()["scope"]
		raw, err := json.Marshal(obj.Field("val"))
		if err != nil {
			return nil, err
		}
		dcConfig := newDatacenterConfig()
		if err := json.Unmarshal(raw, dcConfig); err != nil {
			return nil, fmt.Errorf("malformed live config for %s: %w", dc, err)
		}
		live[dc] = dcConfig
	}
	return live, nil
}

// ComputeConfig compiles sections and instances into the MediaWiki blob.
func (d *DbConfig) ComputeConfig(sections []*Section, instances []*Instance) Blob {
	// Per-datacenter master and flavor tables.
	masters := map[string]map[string]string{}
	flavors := map[string]map[string]string{}
	omitReplicas := map[string]map[string]bool{}
	for _, s := range sections {
		if masters[s.Datacenter] == nil {
			masters[s.Datacenter] = map[string]string{}
			flavors[s.Datacenter] = map[string]string{}
			omitReplicas[s.Datacenter] = map[string]bool{}
		}
		masters[s.Datacenter][s.Name] = s.Master
		flavors[s.Datacenter][s.Name] = s.Flavor
		omitReplicas[s.Datacenter][s.Name] = s.OmitReplicasInMwconfig
	}

	blob := Blob{}
	for dc := range masters {
		blob[dc] = newDatacenterConfig()
	}

	for _, s := range sections {
		if s.Flavor == FlavorRegular && s.ReadOnly {
			blob[s.Datacenter].ReadOnlyBySection[mangle(s.Name)] = s.ROReason
		}
	}

	for _, inst := range instances {
		dc := inst.Datacenter
		dcMasters, ok := masters[dc]
		if !ok {
			continue
		}
		sectionNames := lo.Keys(inst.Sections)
		sort.Strings(sectionNames)
		for _, sectionName := range sectionNames {
			section := inst.Sections[sectionName]
			master, declared := dcMasters[sectionName]
			if !declared {
				continue
			}
			if !section.Pooled {
				continue
			}

			weight := section.Weight * section.Percentage / 100
			key := mangle(sectionName)
			loads := blob[dc].SectionLoads
			if flavors[dc][sectionName] == FlavorExternal {
				loads = blob[dc].ExternalLoads
			}
			load, ok := loads[key]
			if !ok {
				load = NewSectionLoad()
				loads[key] = load
			}
			isMaster := inst.Name == master
			switch {
			case isMaster:
				load[0][inst.Name] = weight
			case omitReplicas[dc][sectionName]:
				// External stores list only the master.
			default:
				load[1][inst.Name] = weight
			}

			d.addHostByName(blob[dc], inst)

			if flavors[dc][sectionName] != FlavorRegular {
				continue
			}
			for groupName, group := range section.Groups {
				if !group.Pooled {
					continue
				}
				groupWeight := group.Weight * section.Percentage / 100
				d.addGroup(blob[dc].GroupLoadsBySection, key, groupName, inst.Name, groupWeight)
			}
		}
	}
	return blob
}

func (d *DbConfig) addGroup(config map[string]map[string]map[string]int, section, group, instance string, weight int) {
	if config[section] == nil {
		config[section] = map[string]map[string]int{}
	}
	if config[section][group] == nil {
		config[section][group] = map[string]int{}
	}
	config[section][group][instance] = weight
}

func (d *DbConfig) addHostByName(dcConfig *DatacenterConfig, inst *Instance) {
	address := inst.HostIP
	if inst.Port != DefaultPort {
		address = fmt.Sprintf("%s:%d", inst.HostIP, inst.Port)
	}
	dcConfig.HostsByName[inst.Name] = address
}

// mangle renames the default section the way MediaWiki expects it.
func mangle(section string) string {
	if section == DefaultSection {
		return "DEFAULT"
	}
	return section
}

func unmangle(key string) string {
	if key == "DEFAULT" {
		return DefaultSection
	}
	return key
}

// CheckConfig validates a compiled blob against the section objects: every
// section has exactly one master, the expected one, and enough replicas.
// All errors are accumulated.
func (d *DbConfig) CheckConfig(blob Blob, sections []*Section) []string {
	byDC := map[string]map[string]*Section{}
	for _, s := range sections {
		if byDC[s.Datacenter] == nil {
			byDC[s.Datacenter] = map[string]*Section{}
		}
		byDC[s.Datacenter][s.Name] = s
	}

	var errors []string
	for _, dc := range sortedKeys(blob) {
		loadKeys := lo.Keys(blob[dc].SectionLoads)
		sort.Strings(loadKeys)
		for _, key := range loadKeys {
			load := blob[dc].SectionLoads[key]
			name := unmangle(key)
			section, ok := byDC[dc][name]
			if !ok {
				errors = append(errors, fmt.Sprintf("Section %s is not configured in %s", name, dc))
				continue
			}
			switch len(load[0]) {
			case 0:
				errors = append(errors, fmt.Sprintf("Section %s has no master", name))
				continue
			case 1:
				// the happy path
			default:
				masters := lo.Keys(load[0])
				sort.Strings(masters)
				errors = append(errors, fmt.Sprintf(
					"Section %s has multiple masters: %s", name, strings.Join(masters, ", ")))
				continue
			}
			master := lo.Keys(load[0])[0]
			if master != section.Master {
				errors = append(errors, fmt.Sprintf(
					"Section %s is supposed to have master %s but had %s instead",
					name, section.Master, master))
			}
			if len(load[1]) < section.MinReplicas {
				errors = append(errors, fmt.Sprintf(
					"Section %s is supposed to have minimum %d replicas, found %d",
					name, section.MinReplicas, len(load[1])))
			}
		}
	}
	return errors
}

// ComputeAndCheck compiles from the datastore and validates the result.
func (d *DbConfig) ComputeAndCheck(ctx context.Context) (Blob, []string, error) {
	sections, err := d.Sections.GetAll(ctx, "", true)
	if err != nil {
		return nil, nil, err
	}
	instances, err := d.Instances.GetAll(ctx, "", true)
	if err != nil {
		return nil, nil, err
	}
	blob := d.ComputeConfig(sections, instances)
	return blob, d.CheckConfig(blob, sections), nil
}

// CheckInstance swaps the given instance into the working set and reports
// the problems the resulting configuration would have.
func (d *DbConfig) CheckInstance(ctx context.Context, inst *Instance) []string {
	ws, err := d.workingSet(ctx)
	if err != nil {
		return []string{err.Error()}
	}
	if err := ws.replaceInstance(inst); err != nil {
		return []string{err.Error()}
	}
	return d.checkWorkingSet(ws)
}

// CheckSection is CheckInstance for section objects.
func (d *DbConfig) CheckSection(ctx context.Context, sec *Section) []string {
	ws, err := d.workingSet(ctx)
	if err != nil {
		return []string{err.Error()}
	}
	if err := ws.replaceSection(sec); err != nil {
		return []string{err.Error()}
	}
	return d.checkWorkingSet(ws)
}

func (d *DbConfig) workingSet(ctx context.Context) (*workingSet, error) {
	sections, err := d.Sections.GetAll(ctx, "", true)
	if err != nil {
		return nil, err
	}
	instances, err := d.Instances.GetAll(ctx, "", true)
	if err != nil {
		return nil, err
	}
	return newWorkingSet(instances, sections)
}

func (d *DbConfig) checkWorkingSet(ws *workingSet) []string {
	sections, err := ws.sections()
	if err != nil {
		return []string{err.Error()}
	}
	instances, err := ws.instances()
	if err != nil {
		return []string{err.Error()}
	}
	return d.CheckConfig(d.ComputeConfig(sections, instances), sections)
}

// CommitOptions modulate Commit.
type CommitOptions struct {
	// Batch skips the interactive diff confirmation; it requires Message.
	Batch bool
	// Message is the commit message; mandatory in batch mode.
	Message string
	// Datacenter narrows the commit to one datacenter.
	Datacenter string
}

// ErrMissingMessage is a distinct failure so the CLI can map it to its own
// exit code.
type ErrMissingMessage struct{}

func (ErrMissingMessage) Error() string {
	return "a commit message is required in batch mode (--message)"
}

// Commit compiles, validates, diffs and writes the configuration, caching
// the previous one for rollback and announcing the change.
func (d *DbConfig) Commit(ctx context.Context, opts CommitOptions) error {
	previous, err := d.LiveConfig(ctx)
	if err != nil {
		return err
	}
	blob, errors, err := d.ComputeAndCheck(ctx)
	if err != nil {
		return err
	}
	if len(errors) > 0 {
		return &ConsistencyError{Errors: errors}
	}
	if opts.Datacenter != "" {
		if _, ok := blob[opts.Datacenter]; !ok {
			return fmt.Errorf("datacenter %s not found", opts.Datacenter)
		}
	}

	hasDiff, lines := DiffConfigs(previous, blob, opts.Datacenter, true)
	if !hasDiff {
		cprint.Println("Nothing to commit")
		return nil
	}
	// The published diff is always unified, whatever the interactive
	// rendering was.
	unified := strings.Join(lines, "")

	message := opts.Message
	if opts.Batch {
		if message == "" {
			return ErrMissingMessage{}
		}
	} else {
		d.showDiff(previous, blob, opts.Datacenter)
		if err := prompt.AskConfirmation("Commit the above changes?"); err != nil {
			return err
		}
		if message == "" {
			message, err = prompt.AskInput("Please describe this commit:")
			if err != nil {
				return err
			}
			if message == "" {
				return fmt.Errorf("a commit message is required")
			}
		}
	}

	backupPath, backupErr := d.writeBackup(previous)
	rollback := fmt.Sprintf("to restore the previous configuration, run: dbctl config restore %s", backupPath)
	if backupErr != nil {
		// The backup is advisory; the commit proceeds, but the operator is
		// told recovery is on their own.
		d.log.WithError(backupErr).Error("could not write the rollback file")
		rollback = fmt.Sprintf("rollback file could not be written: %v", backupErr)
	}

	datacenters := sortedKeys(blob)
	for _, dc := range datacenters {
		if opts.Datacenter != "" && dc != opts.Datacenter {
			continue
		}
		if err := d.writeDatacenter(ctx, dc, blob[dc]); err != nil {
			return fmt.Errorf("%w\n%s", err, rollback)
		}
	}

	scope := "all datacenters"
	if opts.Datacenter != "" {
		scope = opts.Datacenter
	}
	summary := fmt.Sprintf("dbctl commit (dc=%s): %q", scope, message)
	if d.announcer != nil {
		pasteURL := d.paste.Post(fmt.Sprintf("dbctl commit dc=%s: %s", scope, message), unified)
		if pasteURL != "" {
			summary = fmt.Sprintf("%s, diff saved to %s", summary, pasteURL)
		}
		summary = fmt.Sprintf("%s and previous config saved to %s", summary, backupPath)
		d.announcer.Announce(summary)
	}
	cprint.Println(summary)
	return nil
}

// writeDatacenter validates the blob against the JSON schema and persists
// it to the mwconfig object of the datacenter.
func (d *DbConfig) writeDatacenter(ctx context.Context, dc string, dcConfig *DatacenterConfig) error {
	obj, err := d.mwconfig.Get(ctx, dc, LiveConfigName)
	if err != nil {
		return err
	}
	value, err := fields(mwValue{Val: dcConfig})
	if err != nil {
		return err
	}
	if err := obj.Validate(value); err != nil {
		return fmt.Errorf("object %s failed to validate: %w", obj.Name(), err)
	}
	return obj.Update(ctx, value)
}

// writeBackup dumps the pre-commit config to the rollback cache.
func (d *DbConfig) writeBackup(previous Blob) (string, error) {
	dir := filepath.Join(d.cfg.CachePath, "dbconfig")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	username := "unknown"
	if u, err := user.Current(); err == nil {
		username = u.Username
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%s.json", time.Now().Format("20060102-150405"), username))
	raw, err := json.MarshalIndent(previous, "", "    ")
	if err != nil {
		return "", err
	}
	return path, os.WriteFile(path, raw, 0o644)
}

func (d *DbConfig) showDiff(previous, blob Blob, dc string) {
	_, lines := DiffConfigs(previous, blob, dc, false)
	for _, line := range lines {
		cprint.DiffPrint(line)
	}
}

// Restore loads a JSON backup and writes it back, optionally narrowed to a
// datacenter. A narrowing datacenter absent from the file is an error.
func (d *DbConfig) Restore(ctx context.Context, filename, datacenter string) error {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	if !gjson.ValidBytes(raw) {
		return fmt.Errorf("%s does not contain valid JSON", filename)
	}
	if datacenter != "" {
		if !gjson.GetBytes(raw, datacenter).Exists() {
			return fmt.Errorf("datacenter %s not found in %s", datacenter, filename)
		}
	}
	blob := Blob{}
	if err := json.Unmarshal(raw, &blob); err != nil {
		return fmt.Errorf("could not parse %s: %w", filename, err)
	}

	// Sanity check before touching production: every restored section must
	// carry a master.
	var problems []string
	for dc, dcConfig := range blob {
		if datacenter != "" && dc != datacenter {
			continue
		}
		for _, key := range sortedLoadKeys(dcConfig.SectionLoads) {
			if len(dcConfig.SectionLoads[key][0]) != 1 {
				problems = append(problems, fmt.Sprintf(
					"Section %s in %s does not have exactly one master", unmangle(key), dc))
			}
		}
	}
	if len(problems) > 0 {
		return &ConsistencyError{Errors: problems}
	}

	for _, dc := range sortedKeys(blob) {
		if datacenter != "" && dc != datacenter {
			continue
		}
		if err := d.writeDatacenter(ctx, dc, blob[dc]); err != nil {
			return err
		}
	}
	if d.announcer != nil {
		d.announcer.Announce(fmt.Sprintf("dbctl restore of MediaWiki config from %s", filename))
	}
	return nil
}

func sortedKeys(blob Blob) []string {
	keys := lo.Keys(blob)
	sort.Strings(keys)
	return keys
}

func sortedLoadKeys(loads map[string]SectionLoad) []string {
	keys := lo.Keys(loads)
	sort.Strings(keys)
	return keys
}
