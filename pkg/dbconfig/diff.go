package dbconfig

import (
	"encoding/json"
	"fmt"
	"sort"

	gojsondiff "github.com/Kong/gojsondiff"
	"github.com/Kong/gojsondiff/formatter"
	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/hexops/gotextdiff/span"
	"github.com/samber/lo"
)

// DiffConfigs renders the differences between two compiled blobs. The load
// categories are diffed per section so each one gets its own header, e.g.
// "eqiad/sectionLoads/s1". When unified is false, a colored JSON-aware
// rendering is produced instead. The datacenter
// filter narrows the output.
func DiffConfigs(old, new Blob, datacenter string, unified bool) (bool, []string) {
	var lines []string
	hasDiff := false

	for _, dc := range unionKeys(old, new) {
		if datacenter != "" && dc != datacenter {
			continue
		}
		oldDC, newDC := old[dc], new[dc]
		if oldDC == nil {
			oldDC = newDatacenterConfig()
		}
		if newDC == nil {
			newDC = newDatacenterConfig()
		}

		for _, section := range unionLoadKeys(oldDC.SectionLoads, newDC.SectionLoads) {
			lines = appendDiff(lines, &hasDiff, unified,
				fmt.Sprintf("%s/sectionLoads/%s", dc, unmangle(section)),
				oldDC.SectionLoads[section], newDC.SectionLoads[section])
		}
		for _, section := range unionLoadKeys(oldDC.ExternalLoads, newDC.ExternalLoads) {
			lines = appendDiff(lines, &hasDiff, unified,
				fmt.Sprintf("%s/externalLoads/%s", dc, unmangle(section)),
				oldDC.ExternalLoads[section], newDC.ExternalLoads[section])
		}
		for _, section := range unionGroupKeys(oldDC.GroupLoadsBySection, newDC.GroupLoadsBySection) {
			lines = appendDiff(lines, &hasDiff, unified,
				fmt.Sprintf("%s/groupLoadsBySection/%s", dc, unmangle(section)),
				oldDC.GroupLoadsBySection[section], newDC.GroupLoadsBySection[section])
		}
		lines = appendDiff(lines, &hasDiff, unified,
			fmt.Sprintf("%s/readOnlyBySection", dc), oldDC.ReadOnlyBySection, newDC.ReadOnlyBySection)
		lines = appendDiff(lines, &hasDiff, unified,
			fmt.Sprintf("%s/hostsByName", dc), oldDC.HostsByName, newDC.HostsByName)
	}
	return hasDiff, lines
}

func appendDiff(lines []string, hasDiff *bool, unified bool, header string, oldVal, newVal interface{}) []string {
	oldJSON := render(oldVal)
	newJSON := render(newVal)
	if oldJSON == newJSON {
		return lines
	}
	*hasDiff = true
	if unified {
		edits := myers.ComputeEdits(span.URIFromPath(header), oldJSON, newJSON)
		u := gotextdiff.ToUnified("live/"+header, "generated/"+header, oldJSON, edits)
		return append(lines, fmt.Sprint(u))
	}
	return append(lines, coloredDiff(header, oldJSON, newJSON)...)
}

// coloredDiff produces a JSON-aware annotated rendering, falling back to a
// unified diff when the structured differ cannot cope.
func coloredDiff(header string, oldJSON, newJSON string) []string {
	lines := []string{fmt.Sprintf("--- %s\n", header)}
	diff, err := gojsondiff.New().Compare([]byte(oldJSON), []byte(newJSON))
	if err == nil && diff.Modified() {
		var left map[string]interface{}
		if json.Unmarshal([]byte(oldJSON), &left) == nil {
			out, err := formatter.NewAsciiFormatter(left, formatter.AsciiFormatterConfig{
				Coloring: true,
			}).Format(diff)
			if err == nil {
				return append(lines, out)
			}
		}
	}
	edits := myers.ComputeEdits(span.URIFromPath(header), oldJSON, newJSON)
	return append(lines, fmt.Sprint(gotextdiff.ToUnified("live", "generated", oldJSON, edits)))
}

// render produces the canonical JSON rendering diffs operate on. Nil values
// render as their empty container so added and removed sections diff
// against something.
func render(v interface{}) string {
	raw, err := json.MarshalIndent(normalizeEmpty(v), "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw) + "\n"
}

func normalizeEmpty(v interface{}) interface{} {
	switch val := v.(type) {
	case SectionLoad:
		if val[0] == nil && val[1] == nil {
			return NewSectionLoad()
		}
	case map[string]map[string]int:
		if val == nil {
			return map[string]map[string]int{}
		}
	case map[string]string:
		if val == nil {
			return map[string]string{}
		}
	}
	return v
}

func unionKeys(old, new Blob) []string {
	keys := lo.Uniq(append(lo.Keys(old), lo.Keys(new)...))
	sort.Strings(keys)
	return keys
}

func unionLoadKeys(old, new map[string]SectionLoad) []string {
	keys := lo.Uniq(append(lo.Keys(old), lo.Keys(new)...))
	sort.Strings(keys)
	return keys
}

func unionGroupKeys(old, new map[string]map[string]map[string]int) []string {
	keys := lo.Uniq(append(lo.Keys(old), lo.Keys(new)...))
	sort.Strings(keys)
	return keys
}
