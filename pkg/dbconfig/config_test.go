package dbconfig

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/confctl/confctl/pkg/config"
	"github.com/confctl/confctl/pkg/cprint"
	"github.com/confctl/confctl/pkg/schema"
	"github.com/confctl/confctl/pkg/store"
)

func init() {
	cprint.DisableOutput = true
}

func backupsIn(cachePath string) ([]string, error) {
	return filepath.Glob(filepath.Join(cachePath, "dbconfig", "*.json"))
}

func writeTestFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}

func testDbConfig(t *testing.T) (*DbConfig, *schema.Schema, config.Config) {
	t.Helper()
	cfg := config.Default()
	cfg.Driver = "memory"
	cfg.CachePath = t.TempDir()
	driver := store.NewMemoryDriver(cfg)
	s, err := NewSchema(cfg, driver)
	require.NoError(t, err)
	dbc, err := New(cfg, s, nil, nil)
	require.NoError(t, err)
	return dbc, s, cfg
}

func writeSection(t *testing.T, s *schema.Schema, dc, name string, fields map[string]interface{}) {
	t.Helper()
	typ, err := s.Get("dbconfig-section")
	require.NoError(t, err)
	obj, err := typ.Get(context.Background(), dc, name)
	require.NoError(t, err)
	require.NoError(t, obj.Update(context.Background(), fields))
}

func writeInstance(t *testing.T, s *schema.Schema, dc, name string, fields map[string]interface{}) {
	t.Helper()
	typ, err := s.Get("dbconfig-instance")
	require.NoError(t, err)
	obj, err := typ.Get(context.Background(), dc, name)
	require.NoError(t, err)
	require.NoError(t, obj.Update(context.Background(), fields))
}

func sectionFields(master string, minReplicas int) map[string]interface{} {
	return map[string]interface{}{
		"master":       master,
		"min_replicas": minReplicas,
	}
}

func instanceFields(ip string, sections map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"host_ip":  ip,
		"sections": sections,
	}
}

func pooledSection(weight int) map[string]interface{} {
	return map[string]interface{}{"pooled": true, "weight": weight, "percentage": 100}
}

// seedBasic stores one section with a master and one replica.
func seedBasic(t *testing.T, s *schema.Schema) {
	writeSection(t, s, "eqiad", "s1", sectionFields("dba1", 1))
	writeInstance(t, s, "eqiad", "dba1", instanceFields("10.64.0.1", map[string]interface{}{
		"s1": pooledSection(200),
	}))
	writeInstance(t, s, "eqiad", "dba2", instanceFields("10.64.0.2", map[string]interface{}{
		"s1": pooledSection(100),
	}))
}

func TestComputeConfigBasic(t *testing.T) {
	ctx := context.Background()
	dbc, s, _ := testDbConfig(t)
	seedBasic(t, s)

	blob, errs, err := dbc.ComputeAndCheck(ctx)
	require.NoError(t, err)
	assert.Empty(t, errs)

	require.Contains(t, blob, "eqiad")
	load := blob["eqiad"].SectionLoads["s1"]
	assert.Equal(t, map[string]int{"dba1": 200}, load[0])
	assert.Equal(t, map[string]int{"dba2": 100}, load[1])
	assert.Equal(t, "10.64.0.1", blob["eqiad"].HostsByName["dba1"])
}

func TestComputeConfigPercentageAndGroups(t *testing.T) {
	ctx := context.Background()
	dbc, s, _ := testDbConfig(t)
	writeSection(t, s, "eqiad", "s1", sectionFields("dba1", 0))
	writeInstance(t, s, "eqiad", "dba1", instanceFields("10.64.0.1", map[string]interface{}{
		"s1": pooledSection(200),
	}))
	writeInstance(t, s, "eqiad", "dba2", instanceFields("10.64.0.2", map[string]interface{}{
		"s1": map[string]interface{}{
			"pooled": true, "weight": 100, "percentage": 50,
			"groups": map[string]interface{}{
				"vslow": map[string]interface{}{"pooled": true, "weight": 25},
				"dump":  map[string]interface{}{"pooled": false, "weight": 10},
			},
		},
	}))

	blob, errs, err := dbc.ComputeAndCheck(ctx)
	require.NoError(t, err)
	assert.Empty(t, errs)

	// floor(100 * 50/100) = 50
	assert.Equal(t, map[string]int{"dba2": 50}, blob["eqiad"].SectionLoads["s1"][1])
	// only pooled groups are emitted, with the percentage applied
	groups := blob["eqiad"].GroupLoadsBySection["s1"]
	require.Contains(t, groups, "vslow")
	assert.Equal(t, map[string]int{"dba2": 12}, groups["vslow"])
	assert.NotContains(t, groups, "dump")
}

func TestComputeConfigDefaultSectionIsMangled(t *testing.T) {
	ctx := context.Background()
	dbc, s, _ := testDbConfig(t)
	writeSection(t, s, "eqiad", "s3", sectionFields("dba1", 0))
	writeInstance(t, s, "eqiad", "dba1", instanceFields("10.64.0.1", map[string]interface{}{
		"s3": pooledSection(100),
	}))

	blob, errs, err := dbc.ComputeAndCheck(ctx)
	require.NoError(t, err)
	assert.Empty(t, errs)
	assert.Contains(t, blob["eqiad"].SectionLoads, "DEFAULT")
	assert.NotContains(t, blob["eqiad"].SectionLoads, "s3")
}

func TestComputeConfigExternalFlavor(t *testing.T) {
	ctx := context.Background()
	dbc, s, _ := testDbConfig(t)
	writeSection(t, s, "eqiad", "es1", map[string]interface{}{
		"master": "es1001", "min_replicas": 0, "flavor": "external",
		"omit_replicas_in_mwconfig": true,
	})
	writeInstance(t, s, "eqiad", "es1001", instanceFields("10.64.32.1", map[string]interface{}{
		"es1": pooledSection(100),
	}))
	writeInstance(t, s, "eqiad", "es1002", instanceFields("10.64.32.2", map[string]interface{}{
		"es1": pooledSection(100),
	}))

	blob, errs, err := dbc.ComputeAndCheck(ctx)
	require.NoError(t, err)
	assert.Empty(t, errs)

	load := blob["eqiad"].ExternalLoads["es1"]
	assert.Equal(t, map[string]int{"es1001": 100}, load[0])
	// replicas are omitted for this section
	assert.Empty(t, load[1])
	assert.Empty(t, blob["eqiad"].SectionLoads)
	// groups are never compiled for external sections
	assert.Empty(t, blob["eqiad"].GroupLoadsBySection)
}

func TestComputeConfigSkipsDepooled(t *testing.T) {
	ctx := context.Background()
	dbc, s, _ := testDbConfig(t)
	writeSection(t, s, "eqiad", "s1", sectionFields("dba1", 0))
	writeInstance(t, s, "eqiad", "dba1", instanceFields("10.64.0.1", map[string]interface{}{
		"s1": pooledSection(100),
	}))
	writeInstance(t, s, "eqiad", "dba2", instanceFields("10.64.0.2", map[string]interface{}{
		"s1": map[string]interface{}{"pooled": false, "weight": 100, "percentage": 100},
	}))

	blob, errs, err := dbc.ComputeAndCheck(ctx)
	require.NoError(t, err)
	assert.Empty(t, errs)
	assert.NotContains(t, blob["eqiad"].SectionLoads["s1"][1], "dba2")
}

func TestComputeConfigReadOnlySections(t *testing.T) {
	ctx := context.Background()
	dbc, s, _ := testDbConfig(t)
	writeSection(t, s, "eqiad", "s1", map[string]interface{}{
		"master": "dba1", "min_replicas": 0,
		"readonly": true, "ro_reason": "maintenance",
	})
	writeInstance(t, s, "eqiad", "dba1", instanceFields("10.64.0.1", map[string]interface{}{
		"s1": pooledSection(100),
	}))

	blob, errs, err := dbc.ComputeAndCheck(ctx)
	require.NoError(t, err)
	assert.Empty(t, errs)
	assert.Equal(t, map[string]string{"s1": "maintenance"}, blob["eqiad"].ReadOnlyBySection)
}

func TestHostsByNameNonDefaultPort(t *testing.T) {
	ctx := context.Background()
	dbc, s, _ := testDbConfig(t)
	writeSection(t, s, "eqiad", "s1", sectionFields("dba2:3307", 0))
	inst := instanceFields("10.64.0.2", map[string]interface{}{"s1": pooledSection(10)})
	inst["port"] = 3307
	writeInstance(t, s, "eqiad", "dba2:3307", inst)

	blob, errs, err := dbc.ComputeAndCheck(ctx)
	require.NoError(t, err)
	assert.Empty(t, errs)
	assert.Equal(t, "10.64.0.2:3307", blob["eqiad"].HostsByName["dba2:3307"])
}

func TestCheckConfigUnderReplicated(t *testing.T) {
	ctx := context.Background()
	dbc, s, _ := testDbConfig(t)
	writeSection(t, s, "eqiad", "s1", sectionFields("dba1", 1))
	writeInstance(t, s, "eqiad", "dba1", instanceFields("10.64.0.1", map[string]interface{}{
		"s1": pooledSection(100),
	}))

	_, errs, err := dbc.ComputeAndCheck(ctx)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "Section s1 is supposed to have minimum 1 replicas, found 0", errs[0])
}

func TestCheckConfigWrongMaster(t *testing.T) {
	ctx := context.Background()
	dbc, s, _ := testDbConfig(t)
	writeSection(t, s, "eqiad", "s1", sectionFields("dba9", 0))
	writeInstance(t, s, "eqiad", "dba1", instanceFields("10.64.0.1", map[string]interface{}{
		"s1": pooledSection(100),
	}))

	_, errs, err := dbc.ComputeAndCheck(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, errs)
	assert.Contains(t, errs[0], "Section s1 has no master")
}

func TestCheckConfigUndeclaredSection(t *testing.T) {
	dbc, _, _ := testDbConfig(t)
	blob := Blob{"eqiad": newDatacenterConfig()}
	blob["eqiad"].SectionLoads["s9"] = SectionLoad{
		map[string]int{"dba1": 10}, map[string]int{},
	}
	errs := dbc.CheckConfig(blob, nil)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "Section s9 is not configured")
}

func TestCheckInstancePreviewRejects(t *testing.T) {
	ctx := context.Background()
	dbc, s, _ := testDbConfig(t)
	seedBasic(t, s)

	// Depooling the only replica would violate min_replicas.
	inst, err := dbc.Instances.Get(ctx, "dba2", "eqiad")
	require.NoError(t, err)
	inst.Sections["s1"].Pooled = false
	errs := dbc.CheckInstance(ctx, inst)
	require.Len(t, errs, 1)
	assert.Equal(t, "Section s1 is supposed to have minimum 1 replicas, found 0", errs[0])

	// The store was not touched: the depool would still be rejected the
	// same way, i.e. the live instance is still pooled.
	live, err := dbc.Instances.Get(ctx, "dba2", "eqiad")
	require.NoError(t, err)
	assert.True(t, live.Sections["s1"].Pooled)
}

func TestDepoolRejectedWhenUnderReplicated(t *testing.T) {
	ctx := context.Background()
	dbc, s, _ := testDbConfig(t)
	seedBasic(t, s)

	ok, errs := dbc.Instances.Depool(ctx, "dba2", "eqiad", "", "")
	assert.False(t, ok)
	require.NotEmpty(t, errs)
	assert.Contains(t, errs[0], "minimum 1 replicas")
}

func TestPoolDepoolWeightLifecycle(t *testing.T) {
	ctx := context.Background()
	dbc, s, _ := testDbConfig(t)
	writeSection(t, s, "eqiad", "s1", sectionFields("dba1", 0))
	writeInstance(t, s, "eqiad", "dba1", instanceFields("10.64.0.1", map[string]interface{}{
		"s1": pooledSection(100),
	}))
	writeInstance(t, s, "eqiad", "dba2", instanceFields("10.64.0.2", map[string]interface{}{
		"s1": map[string]interface{}{"pooled": false, "weight": 100, "percentage": 100},
	}))

	ok, errs := dbc.Instances.Pool(ctx, "dba2", "eqiad", nil, "s1", "")
	require.True(t, ok, "%v", errs)
	inst, err := dbc.Instances.Get(ctx, "dba2", "eqiad")
	require.NoError(t, err)
	assert.True(t, inst.Sections["s1"].Pooled)

	ok, errs = dbc.Instances.SetWeight(ctx, "dba2", "eqiad", 42, "s1", "")
	require.True(t, ok, "%v", errs)
	inst, err = dbc.Instances.Get(ctx, "dba2", "eqiad")
	require.NoError(t, err)
	assert.Equal(t, 42, inst.Sections["s1"].Weight)

	ok, errs = dbc.Instances.Depool(ctx, "dba2", "eqiad", "s1", "")
	require.True(t, ok, "%v", errs)

	// acting on an unknown section is an error
	ok, errs = dbc.Instances.Depool(ctx, "dba2", "eqiad", "s9", "")
	assert.False(t, ok)
	assert.Contains(t, errs[0], `Section "s9" is not configured`)

	// a group needs a section
	ok, errs = dbc.Instances.Depool(ctx, "dba2", "eqiad", "", "vslow")
	assert.False(t, ok)
	assert.Contains(t, errs[0], "Cannot select a group but not a section")
}

func TestSetMaster(t *testing.T) {
	ctx := context.Background()
	dbc, s, _ := testDbConfig(t)
	writeSection(t, s, "eqiad", "s1", sectionFields("dba1", 0))
	writeInstance(t, s, "eqiad", "dba1", instanceFields("10.64.0.1", map[string]interface{}{
		"s1": pooledSection(10),
	}))
	writeInstance(t, s, "eqiad", "dba2:3307", instanceFields("10.64.0.2", map[string]interface{}{
		"s1": pooledSection(10),
	}))

	ok, errs := dbc.Sections.SetMaster(ctx, "s1", "eqiad", "dba2:3307")
	require.True(t, ok, "%v", errs)

	blob, errs2, err := dbc.ComputeAndCheck(ctx)
	require.NoError(t, err)
	assert.Empty(t, errs2)
	load := blob["eqiad"].SectionLoads["s1"]
	assert.Equal(t, map[string]int{"dba2:3307": 10}, load[0])
	assert.Equal(t, map[string]int{"dba1": 10}, load[1])

	// an instance that does not exist cannot become the master
	ok, errs = dbc.Sections.SetMaster(ctx, "s1", "eqiad", "nonexistent")
	assert.False(t, ok)
	assert.Contains(t, errs[0], "not found")
}

func TestReadOnlyTransitions(t *testing.T) {
	ctx := context.Background()
	dbc, s, _ := testDbConfig(t)
	seedBasic(t, s)

	ok, errs := dbc.Sections.SetReadonly(ctx, "s1", "eqiad", true, "schema change")
	require.True(t, ok, "%v", errs)
	sec, err := dbc.Sections.Get(ctx, "s1", "eqiad")
	require.NoError(t, err)
	assert.True(t, sec.ReadOnly)
	assert.Equal(t, "schema change", sec.ROReason)

	ok, errs = dbc.Sections.SetReadonly(ctx, "s1", "eqiad", false, "")
	require.True(t, ok, "%v", errs)
	sec, err = dbc.Sections.Get(ctx, "s1", "eqiad")
	require.NoError(t, err)
	assert.False(t, sec.ReadOnly)
}

func TestUninitializedObjectsAreExcluded(t *testing.T) {
	ctx := context.Background()
	dbc, s, _ := testDbConfig(t)
	seedBasic(t, s)
	// a section that was created but never initialized
	writeSection(t, s, "eqiad", "s9", map[string]interface{}{"min_replicas": 0})
	// an instance with no sections
	writeInstance(t, s, "eqiad", "fresh", map[string]interface{}{"host_ip": "10.0.0.9"})

	sections, err := dbc.Sections.GetAll(ctx, "", true)
	require.NoError(t, err)
	assert.Len(t, sections, 1)
	instances, err := dbc.Instances.GetAll(ctx, "", true)
	require.NoError(t, err)
	assert.Len(t, instances, 2)

	// mutation refuses uninitialized objects
	ok, errs := dbc.Sections.SetReadonly(ctx, "s9", "eqiad", true, "x")
	assert.False(t, ok)
	assert.Contains(t, errs[0], "uninitialized")
}

func TestCompileIdempotence(t *testing.T) {
	ctx := context.Background()
	dbc, s, _ := testDbConfig(t)
	seedBasic(t, s)

	blob1, _, err := dbc.ComputeAndCheck(ctx)
	require.NoError(t, err)
	blob2, _, err := dbc.ComputeAndCheck(ctx)
	require.NoError(t, err)

	raw1, err := json.Marshal(blob1)
	require.NoError(t, err)
	raw2, err := json.Marshal(blob2)
	require.NoError(t, err)
	assert.Equal(t, string(raw1), string(raw2))
}

func TestDiffConfigs(t *testing.T) {
	old := Blob{"eqiad": newDatacenterConfig()}
	old["eqiad"].SectionLoads["s1"] = SectionLoad{
		map[string]int{"dba1": 200}, map[string]int{"dba2": 100},
	}
	updated := Blob{"eqiad": newDatacenterConfig()}
	updated["eqiad"].SectionLoads["s1"] = SectionLoad{
		map[string]int{"dba1": 200}, map[string]int{"dba2": 50},
	}

	hasDiff, lines := DiffConfigs(old, updated, "", true)
	assert.True(t, hasDiff)
	joined := strings.Join(lines, "")
	assert.Contains(t, joined, "eqiad/sectionLoads/s1")
	assert.Contains(t, joined, `-    "dba2": 100`)
	assert.Contains(t, joined, `+    "dba2": 50`)

	hasDiff, _ = DiffConfigs(old, old, "", true)
	assert.False(t, hasDiff)

	// datacenter filter
	hasDiff, _ = DiffConfigs(old, updated, "codfw", true)
	assert.False(t, hasDiff)
}

func TestCommitBatchRequiresMessage(t *testing.T) {
	ctx := context.Background()
	dbc, s, _ := testDbConfig(t)
	seedBasic(t, s)

	err := dbc.Commit(ctx, CommitOptions{Batch: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingMessage{})
}

func TestCommitAndLiveConfig(t *testing.T) {
	ctx := context.Background()
	dbc, s, _ := testDbConfig(t)
	seedBasic(t, s)

	require.NoError(t, dbc.Commit(ctx, CommitOptions{Batch: true, Message: "initial"}))

	live, err := dbc.LiveConfig(ctx)
	require.NoError(t, err)
	require.Contains(t, live, "eqiad")
	assert.Equal(t, map[string]int{"dba1": 200}, live["eqiad"].SectionLoads["s1"][0])

	// nothing to commit the second time around
	require.NoError(t, dbc.Commit(ctx, CommitOptions{Batch: true, Message: "noop"}))
}

func TestCommitRejectsBrokenConfig(t *testing.T) {
	ctx := context.Background()
	dbc, s, _ := testDbConfig(t)
	writeSection(t, s, "eqiad", "s1", sectionFields("dba1", 1))
	writeInstance(t, s, "eqiad", "dba1", instanceFields("10.64.0.1", map[string]interface{}{
		"s1": pooledSection(100),
	}))

	err := dbc.Commit(ctx, CommitOptions{Batch: true, Message: "broken"})
	require.Error(t, err)
	var cerr *ConsistencyError
	require.ErrorAs(t, err, &cerr)
	assert.Contains(t, cerr.Errors[0], "minimum 1 replicas")
}

func TestCommitUnknownDatacenter(t *testing.T) {
	ctx := context.Background()
	dbc, s, _ := testDbConfig(t)
	seedBasic(t, s)

	err := dbc.Commit(ctx, CommitOptions{Batch: true, Message: "x", Datacenter: "esams"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "esams")
}

func TestRestore(t *testing.T) {
	ctx := context.Background()
	dbc, s, cfg := testDbConfig(t)
	seedBasic(t, s)
	require.NoError(t, dbc.Commit(ctx, CommitOptions{Batch: true, Message: "initial"}))

	// find the backup Commit wrote and restore from it
	backups, err := backupsIn(cfg.CachePath)
	require.NoError(t, err)
	require.Len(t, backups, 1)

	require.NoError(t, dbc.Restore(ctx, backups[0], ""))

	// restoring a datacenter missing from the file is an error
	require.Error(t, dbc.Restore(ctx, backups[0], "esams"))
}

func TestRestoreRejectsMasterlessSections(t *testing.T) {
	ctx := context.Background()
	dbc, _, cfg := testDbConfig(t)

	path := cfg.CachePath + "/broken.json"
	require.NoError(t, writeTestFile(path,
		`{"eqiad": {"sectionLoads": {"s1": [{}, {"dba2": 10}]}, "externalLoads": {},
		  "groupLoadsBySection": {}, "readOnlyBySection": {}, "hostsByName": {}}}`))

	err := dbc.Restore(ctx, path, "")
	require.Error(t, err)
	var cerr *ConsistencyError
	require.ErrorAs(t, err, &cerr)
	assert.Contains(t, cerr.Errors[0], "exactly one master")
}
