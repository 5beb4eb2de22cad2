package reqconfig

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/hexops/gotextdiff/span"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"sigs.k8s.io/yaml"

	"github.com/confctl/confctl/pkg/announce"
	"github.com/confctl/confctl/pkg/config"
	"github.com/confctl/confctl/pkg/cprint"
	"github.com/confctl/confctl/pkg/entity"
	"github.com/confctl/confctl/pkg/prompt"
	"github.com/confctl/confctl/pkg/schema"
	"github.com/confctl/confctl/pkg/store"
)

// globalSite groups actions that do not restrict themselves to specific
// sites.
const globalSite = "global"

// Requestctl drives the request-filtering objects and their compilation.
type Requestctl struct {
	cfg       config.Config
	schema    *schema.Schema
	announcer *announce.Announcer
	// GitRepo is the working copy used by sync, dump and validate.
	GitRepo string
	// Interactive enables per-object confirmation prompts.
	Interactive bool

	log *logrus.Entry
}

func New(cfg config.Config, driver store.Driver, ann *announce.Announcer) (*Requestctl, error) {
	s, err := NewSchema(cfg, driver)
	if err != nil {
		return nil, err
	}
	return &Requestctl{
		cfg:       cfg,
		schema:    s,
		announcer: ann,
		log:       logrus.WithField("component", "requestctl"),
	}, nil
}

// Type exposes a loaded requestctl entity type.
func (r *Requestctl) Type(name string) (*entity.Type, error) {
	return r.schema.Get(name)
}

// GetObject fetches one object by slug, nil when absent.
func (r *Requestctl) GetObject(ctx context.Context, objtype, slug string) (*entity.Entity, error) {
	t, err := r.schema.Get(objtype)
	if err != nil {
		return nil, err
	}
	scope, name, err := SplitSlug(slug)
	if err != nil {
		return nil, &ParseError{Msg: err.Error()}
	}
	obj, err := t.Get(ctx, scope, name)
	if err != nil {
		return nil, err
	}
	return obj, nil
}

// AllObjects returns every stored object of a type.
func (r *Requestctl) AllObjects(ctx context.Context, objtype string) ([]*entity.Entity, error) {
	t, err := r.schema.Get(objtype)
	if err != nil {
		return nil, err
	}
	objs, err := t.Query(ctx, nil)
	if err != nil {
		return nil, err
	}
	sort.Slice(objs, func(i, j int) bool { return objs[i].Pprint() < objs[j].Pprint() })
	return objs, nil
}

// Enable turns an action on; the change is applied immediately but only
// takes effect at the edge on the next commit.
func (r *Requestctl) Enable(ctx context.Context, slug string) error {
	return r.setEnabled(ctx, slug, true)
}

// Disable turns an action off.
func (r *Requestctl) Disable(ctx context.Context, slug string) error {
	return r.setEnabled(ctx, slug, false)
}

func (r *Requestctl) setEnabled(ctx context.Context, slug string, enabled bool) error {
	obj, err := r.GetObject(ctx, "action", slug)
	if err != nil {
		return err
	}
	if !obj.Exists() {
		verb := "enable"
		if !enabled {
			verb = "disable"
		}
		return fmt.Errorf("%s does not exist, cannot %s", slug, verb)
	}
	if err := obj.Update(ctx, map[string]interface{}{"enabled": enabled}); err != nil {
		return err
	}
	if r.announcer != nil {
		state := "disabled"
		if enabled {
			state = "enabled"
		}
		r.announcer.Announce(fmt.Sprintf("requestctl: %s action %s", state, slug))
	}
	return nil
}

// patternGetter fetches pattern definitions for the translators.
func (r *Requestctl) patternGetter() PatternGetter {
	return func(ctx context.Context, slug string) (*Pattern, error) {
		obj, err := r.GetObject(ctx, "pattern", slug)
		if err != nil {
			return nil, err
		}
		if !obj.Exists() {
			return nil, fmt.Errorf("the pattern %s is not present on the backend", slug)
		}
		return parsePattern(obj)
	}
}

// datastoreResolver checks references against the live store.
type datastoreResolver struct{ r *Requestctl }

func (d datastoreResolver) PatternExists(ctx context.Context, slug string) (bool, error) {
	obj, err := d.r.GetObject(ctx, "pattern", slug)
	if err != nil {
		return false, err
	}
	return obj.Exists(), nil
}

func (d datastoreResolver) IPBlockExists(ctx context.Context, slug string) (bool, error) {
	obj, err := d.r.GetObject(ctx, "ipblock", slug)
	if err != nil {
		return false, err
	}
	return obj.Exists(), nil
}

// diskResolver checks references against a git working copy.
type diskResolver struct {
	root   string
	schema *schema.Schema
}

func (d diskResolver) PatternExists(_ context.Context, slug string) (bool, error) {
	return d.exists("pattern", slug)
}

func (d diskResolver) IPBlockExists(_ context.Context, slug string) (bool, error) {
	return d.exists("ipblock", slug)
}

func (d diskResolver) exists(objtype, slug string) (bool, error) {
	t, err := d.schema.Get(objtype)
	if err != nil {
		return false, err
	}
	scope, name, err := SplitSlug(slug)
	if err != nil {
		return false, err
	}
	_, statErr := os.Stat(filepath.Join(d.root, t.BasePath(), scope, name+".yaml"))
	return statErr == nil, nil
}

// ExpressionVSL renders the VSL filter selecting the requests an action
// matches, for use with varnishlog.
func (r *Requestctl) ExpressionVSL(ctx context.Context, slug string) (string, error) {
	return r.expression(ctx, slug, VSL())
}

// ExpressionVCL renders the VCL condition of an action.
func (r *Requestctl) ExpressionVCL(ctx context.Context, slug string) (string, error) {
	return r.expression(ctx, slug, VCL())
}

func (r *Requestctl) expression(ctx context.Context, slug string, translator *Translator) (string, error) {
	obj, err := r.GetObject(ctx, "action", slug)
	if err != nil {
		return "", err
	}
	if !obj.Exists() {
		return "", fmt.Errorf("action %s does not exist", slug)
	}
	a, err := parseAction(obj)
	if err != nil {
		return "", err
	}
	tokens, err := NewParser(permissiveResolver{}).Parse(ctx, a.Expression)
	if err != nil {
		return "", err
	}
	return translator.FromExpression(ctx, tokens, r.patternGetter())
}

// Sync reconciles one object type from the git working copy into the
// store. The enabled flag of actions is never taken from disk. With purge,
// objects absent from disk are deleted, unless still referenced.
func (r *Requestctl) Sync(ctx context.Context, objtype string, purge bool) error {
	if r.GitRepo == "" {
		return fmt.Errorf("sync requires a git working copy (--git-repo)")
	}
	t, err := r.schema.Get(objtype)
	if err != nil {
		return err
	}
	base := filepath.Join(r.GitRepo, t.BasePath())
	failed := false

	scopes, err := os.ReadDir(base)
	if err != nil {
		return fmt.Errorf("could not list %s: %w", base, err)
	}
	for _, scopeEntry := range scopes {
		if !scopeEntry.IsDir() || strings.HasPrefix(scopeEntry.Name(), ".") {
			continue
		}
		scope := scopeEntry.Name()
		files, err := filepath.Glob(filepath.Join(base, scope, "*.yaml"))
		if err != nil {
			return err
		}
		sort.Strings(files)
		for _, fpath := range files {
			obj, fromDisk, err := r.entityFromFile(ctx, t, scope, fpath)
			if err != nil {
				r.log.WithField("file", fpath).WithError(err).Error("skipping unloadable file")
				failed = true
				continue
			}
			toLoad, err := r.verifyChange(ctx, objtype, fromDisk)
			if err != nil {
				r.log.WithField("object", obj.Pprint()).WithError(err).Error("error parsing, skipping")
				failed = true
				continue
			}
			if r.Interactive && !r.confirmObjectDiff(obj, toLoad) {
				continue
			}
			if err := r.writeObject(ctx, objtype, obj, toLoad); err != nil {
				r.log.WithField("object", obj.Pprint()).WithError(err).Error("error writing to the datastore")
				failed = true
			}
		}
	}

	if purge {
		if err := r.purge(ctx, objtype); err != nil {
			return err
		}
	}
	if failed {
		return fmt.Errorf("synchronization had issues, please check the output for details")
	}
	return nil
}

func (r *Requestctl) entityFromFile(ctx context.Context, t *entity.Type, scope, fpath string) (*entity.Entity, map[string]interface{}, error) {
	raw, err := os.ReadFile(fpath)
	if err != nil {
		return nil, nil, err
	}
	var fromDisk map[string]interface{}
	if err := yaml.Unmarshal(raw, &fromDisk); err != nil {
		return nil, nil, &ParseError{Msg: err.Error()}
	}
	name := strings.TrimSuffix(filepath.Base(fpath), ".yaml")
	obj, err := t.Get(ctx, scope, name)
	if err != nil {
		return nil, nil, err
	}
	return obj, fromDisk, nil
}

// verifyChange normalizes an action's expression and drops its enabled
// flag; other object types pass through.
func (r *Requestctl) verifyChange(ctx context.Context, objtype string, changes map[string]interface{}) (map[string]interface{}, error) {
	if objtype != "action" {
		return changes, nil
	}
	expr, _ := changes["expression"].(string)
	normalized, err := NewParser(datastoreResolver{r}).Normalize(ctx, expr)
	if err != nil {
		return nil, err
	}
	out := make(map[string]interface{}, len(changes))
	for k, v := range changes {
		out[k] = v
	}
	out["expression"] = normalized
	// The enabled state is only ever toggled via enable/disable.
	delete(out, "enabled")
	return out, nil
}

func (r *Requestctl) confirmObjectDiff(obj *entity.Entity, toLoad map[string]interface{}) bool {
	if obj.Exists() && !obj.Changed(toLoad) {
		return false
	}
	verb := "create"
	if obj.Exists() {
		verb = "modify"
		cprint.Println(fmt.Sprintf("Object %s will be changed:", obj.Pprint()))
	} else {
		cprint.Println(fmt.Sprintf("Object %s will be created:", obj.Pprint()))
	}
	keys := lo.Keys(toLoad)
	sort.Strings(keys)
	for _, k := range keys {
		cprint.ChangePrintln(fmt.Sprintf("%s.%s: '%v' => '%v'", obj.Name(), k, obj.Field(k), toLoad[k]))
	}
	return prompt.AskConfirmation(fmt.Sprintf("Do you want to %s this object?", verb)) == nil
}

func (r *Requestctl) writeObject(ctx context.Context, objtype string, obj *entity.Entity, toLoad map[string]interface{}) error {
	if obj.Exists() {
		r.log.WithFields(logrus.Fields{"type": objtype, "object": obj.Pprint()}).Info("updating")
		return obj.Update(ctx, toLoad)
	}
	r.log.WithFields(logrus.Fields{"type": objtype, "object": obj.Pprint()}).Info("creating")
	obj.FromNet(toLoad)
	return obj.Write(ctx)
}

// purge removes objects present in the store but absent from disk. A
// pattern or ipblock still referenced by any action is never removed.
func (r *Requestctl) purge(ctx context.Context, objtype string) error {
	t, err := r.schema.Get(objtype)
	if err != nil {
		return err
	}
	var actions []*Action
	if objtype != "action" {
		if actions, err = r.allActions(ctx); err != nil {
			return err
		}
	}
	objs, err := r.AllObjects(ctx, objtype)
	if err != nil {
		return err
	}
	failed := false
	for _, obj := range objs {
		scope := obj.Labels()[0]
		onDisk := filepath.Join(r.GitRepo, t.BasePath(), scope, obj.Name()+".yaml")
		if _, err := os.Stat(onDisk); err == nil {
			continue
		}
		if objtype != "action" && !r.safeToRemove(objtype, obj, actions) {
			failed = true
			continue
		}
		if r.Interactive {
			if prompt.AskConfirmation(fmt.Sprintf("Proceed to delete %s?", obj.Pprint())) != nil {
				continue
			}
		}
		r.log.WithField("object", obj.Pprint()).Info("deleting")
		if err := obj.Delete(ctx); err != nil {
			r.log.WithField("object", obj.Pprint()).WithError(err).Error("could not delete")
			failed = true
		}
	}
	if failed {
		return fmt.Errorf("synchronization had issues, please check the output for details")
	}
	return nil
}

// safeToRemove reports whether no action references the object.
func (r *Requestctl) safeToRemove(objtype string, obj *entity.Entity, actions []*Action) bool {
	token := objtype + "@" + obj.Pprint()
	var holders []string
	for _, a := range actions {
		if lo.Contains(strings.Fields(a.Expression), token) {
			holders = append(holders, a.Pprint())
		}
	}
	if len(holders) > 0 {
		r.log.WithField("object", obj.Pprint()).Errorf(
			"cannot remove %s: still referenced in the following actions: %s",
			objtype, strings.Join(holders, ","))
		return false
	}
	return true
}

// Dump writes every object of a type into the git working copy layout.
func (r *Requestctl) Dump(ctx context.Context, objtype string) error {
	if r.GitRepo == "" {
		return fmt.Errorf("dump requires a git working copy (--git-repo)")
	}
	t, err := r.schema.Get(objtype)
	if err != nil {
		return err
	}
	objs, err := r.AllObjects(ctx, objtype)
	if err != nil {
		return err
	}
	for _, obj := range objs {
		dir := filepath.Join(r.GitRepo, t.BasePath(), obj.Labels()[0])
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		data, err := yaml.Marshal(obj.ToNet())
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dir, obj.Name()+".yaml"), data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks every action expression in the git working copy, with
// references resolved on disk.
func (r *Requestctl) Validate(ctx context.Context) error {
	if r.GitRepo == "" {
		return fmt.Errorf("validate requires a git working copy (--git-repo)")
	}
	t, err := r.schema.Get("action")
	if err != nil {
		return err
	}
	parser := NewParser(diskResolver{root: r.GitRepo, schema: r.schema})
	base := filepath.Join(r.GitRepo, t.BasePath())
	files, err := filepath.Glob(filepath.Join(base, "*", "*.yaml"))
	if err != nil {
		return err
	}
	sort.Strings(files)
	var problems []string
	for _, fpath := range files {
		raw, err := os.ReadFile(fpath)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", fpath, err))
			continue
		}
		var data struct {
			Expression string `json:"expression"`
		}
		if err := yaml.Unmarshal(raw, &data); err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", fpath, err))
			continue
		}
		if _, err := parser.Parse(ctx, data.Expression); err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", fpath, err))
		}
	}
	if len(problems) > 0 {
		return &ParseError{Msg: strings.Join(problems, "\n")}
	}
	return nil
}

// Find returns the actions whose expression references the given pattern or
// ipblock slug as a literal token.
func (r *Requestctl) Find(ctx context.Context, search string) ([]*Action, error) {
	actions, err := r.allActions(ctx)
	if err != nil {
		return nil, err
	}
	var res []*Action
	for _, a := range actions {
		for _, token := range strings.Fields(a.Expression) {
			if token == PatternPrefix+search || token == IPBlockPrefix+search {
				res = append(res, a)
				break
			}
		}
	}
	return res, nil
}

// FindIP reports the slugs of every ipblock containing the given address.
func (r *Requestctl) FindIP(ctx context.Context, address string) ([]string, error) {
	ip := net.ParseIP(address)
	if ip == nil {
		return nil, fmt.Errorf("%q is not an IP address", address)
	}
	objs, err := r.AllObjects(ctx, "ipblock")
	if err != nil {
		return nil, err
	}
	var res []string
	for _, obj := range objs {
		cidrs, _ := obj.Field("cidrs").([]interface{})
		for _, raw := range cidrs {
			s, ok := raw.(string)
			if !ok {
				continue
			}
			if cidrContains(s, ip) {
				res = append(res, obj.Pprint())
				break
			}
		}
	}
	return res, nil
}

func cidrContains(cidr string, ip net.IP) bool {
	if !strings.Contains(cidr, "/") {
		return net.ParseIP(cidr) != nil && net.ParseIP(cidr).Equal(ip)
	}
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return false
	}
	return network.Contains(ip)
}

func (r *Requestctl) allActions(ctx context.Context) ([]*Action, error) {
	objs, err := r.AllObjects(ctx, "action")
	if err != nil {
		return nil, err
	}
	res := make([]*Action, 0, len(objs))
	for _, obj := range objs {
		a, err := parseAction(obj)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, nil
}

// Commit groups the enabled actions by (cluster, site), renders the VCL of
// each group, and writes it to the corresponding vcl object. Scopes whose
// group became empty are cleared.
func (r *Requestctl) Commit(ctx context.Context, batch bool) error {
	actions, err := r.allActions(ctx)
	if err != nil {
		return err
	}

	groups := map[string]map[string][]*Action{}
	for _, a := range actions {
		if !a.Enabled && !a.LogMatching {
			continue
		}
		sites := a.Sites
		if len(sites) == 0 {
			sites = []string{globalSite}
		}
		for _, site := range sites {
			if groups[a.Cluster] == nil {
				groups[a.Cluster] = map[string][]*Action{}
			}
			groups[a.Cluster][site] = append(groups[a.Cluster][site], a)
		}
	}

	vclType, err := r.schema.Get("vcl")
	if err != nil {
		return err
	}
	// The previously compiled scopes; anything not re-rendered is cleared.
	existing, err := r.AllObjects(ctx, "vcl")
	if err != nil {
		return err
	}
	rendered := map[string]string{}
	for cluster, sites := range groups {
		for site, group := range sites {
			out, err := RenderVCL(ctx, group, r.patternGetter())
			if err != nil {
				return err
			}
			rendered[cluster+"/"+site] = out
		}
	}
	for _, obj := range existing {
		if _, ok := rendered[obj.Pprint()]; !ok {
			current, _ := obj.Field("vcl").(string)
			if current != "" {
				rendered[obj.Pprint()] = ""
			}
		}
	}

	slugs := lo.Keys(rendered)
	sort.Strings(slugs)
	changed := 0
	for _, slug := range slugs {
		cluster, site, err := SplitSlug(slug)
		if err != nil {
			return err
		}
		obj, err := vclType.Get(ctx, cluster, site)
		if err != nil {
			return err
		}
		previous, _ := obj.Field("vcl").(string)
		next := rendered[slug]
		if previous == next && obj.Exists() {
			continue
		}
		if !batch {
			cprint.HeaderPrintln(fmt.Sprintf("--- %s", slug))
			edits := myers.ComputeEdits(span.URIFromPath(slug), previous, next)
			for _, line := range strings.SplitAfter(fmt.Sprint(gotextdiff.ToUnified("live", "new", previous, edits)), "\n") {
				if line != "" {
					cprint.DiffPrint(line)
				}
			}
			if err := prompt.AskConfirmation(fmt.Sprintf("Write the VCL above to %s?", slug)); err != nil {
				if err == prompt.ErrAborted {
					continue
				}
				return err
			}
		}
		if err := obj.Update(ctx, map[string]interface{}{"vcl": next}); err != nil {
			return err
		}
		changed++
	}
	if changed > 0 && r.announcer != nil {
		r.announcer.Announce(fmt.Sprintf("requestctl: committed VCL for %d scopes", changed))
	}
	if changed == 0 {
		cprint.Println("Nothing to commit")
	}
	return nil
}
