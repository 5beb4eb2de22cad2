package action

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/google/shlex"
	"sigs.k8s.io/yaml"

	"github.com/confctl/confctl/pkg/entity"
	"github.com/confctl/confctl/pkg/prompt"
)

const defaultEditor = "/usr/bin/editor"

// Checker validates the edited object before it is written; it returns the
// list of problems found.
type Checker func(*entity.Entity) []string

// EditAction round-trips an object through the operator's editor: the
// current state is written to a temporary YAML file, $EDITOR is invoked,
// and the re-parsed result is validated before being applied. On a
// validation failure the operator can re-edit or abort.
type EditAction struct {
	Entity *entity.Entity
	// Checker optionally runs cross-object validation on the edited copy.
	Checker Checker
	// Example, when set, is appended to the temp file as commented-out
	// reference material.
	Example string
}

func (a *EditAction) Run(ctx context.Context) error {
	tmp, err := os.CreateTemp("", a.Entity.Name()+"-*.yaml")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := a.toFile(tmp); err != nil {
		return err
	}

	for {
		if err := a.openEditor(tmp.Name()); err != nil {
			return err
		}
		edited, err := a.parse(tmp.Name())
		if err == nil {
			err = a.validate(edited)
		}
		if err == nil {
			return a.Entity.Update(ctx, edited)
		}
		fmt.Printf("The modified object fails validation: %v\n", err)
		if perr := prompt.AskConfirmation("Do you want to re-edit it?"); perr != nil {
			return perr
		}
	}
}

func (a *EditAction) toFile(f *os.File) error {
	data, err := yaml.Marshal(a.Entity.ToNet())
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		return err
	}
	if a.Example != "" {
		fmt.Fprintf(f, "\n# Full object example (all commented lines are automatically discarded)\n")
		fmt.Fprint(f, commented(a.Example))
	}
	return f.Close()
}

func (a *EditAction) openEditor(filename string) error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = defaultEditor
	}
	args, err := shlex.Split(editor)
	if err != nil || len(args) == 0 {
		return fmt.Errorf("cannot parse EDITOR %q: %v", editor, err)
	}
	args = append(args, filename)
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func (a *EditAction) parse(filename string) (map[string]interface{}, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	var values map[string]interface{}
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, err
	}
	return values, nil
}

func (a *EditAction) validate(edited map[string]interface{}) error {
	if err := a.Entity.Validate(edited); err != nil {
		return err
	}
	if a.Checker == nil {
		return nil
	}
	// Feed a modified copy to the cross-object checker; the stored object
	// stays untouched until Update.
	copied, err := a.Entity.Type().New(a.Entity.Labels()...)
	if err != nil {
		return err
	}
	copied.FromNet(merged(a.Entity.ToNet(), edited))
	if errs := a.Checker(copied); len(errs) > 0 {
		return fmt.Errorf("%v", errs)
	}
	return nil
}

func merged(base, overlay map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

func commented(s string) string {
	var b strings.Builder
	for _, line := range strings.Split(strings.TrimRight(s, "\n"), "\n") {
		b.WriteString("#")
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}
