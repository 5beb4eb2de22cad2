// Package action implements the generic get/set/delete/edit operations the
// CLIs perform on single objects.
package action

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"sigs.k8s.io/yaml"

	"github.com/confctl/confctl/pkg/entity"
)

// ActionError reports a malformed action string or an action that cannot be
// applied to the object.
type ActionError struct {
	Msg string
}

func (e *ActionError) Error() string { return e.Msg }

func actionErrorf(format string, a ...interface{}) error {
	return &ActionError{Msg: fmt.Sprintf(format, a...)}
}

// Action is one parsed operation bound to an entity.
type Action struct {
	Entity *entity.Entity
	verb   string
	args   map[string]interface{}
}

// Parse decodes an action string: "get", "delete", "edit",
// "set/k1=v1:k2=v2", or "set/@file".
func Parse(obj *entity.Entity, act string) (*Action, error) {
	a := &Action{Entity: obj}
	switch {
	case strings.HasPrefix(act, "get"):
		a.verb = "get"
	case strings.HasPrefix(act, "delete"):
		a.verb = "delete"
	case act == "edit":
		a.verb = "edit"
	case strings.HasPrefix(act, "set/"):
		a.verb = "set"
		setArg := strings.TrimPrefix(act, "set/")
		var err error
		if strings.HasPrefix(setArg, "@") {
			a.args, err = fromFile(strings.TrimPrefix(setArg, "@"))
		} else {
			a.args, err = fromCLI(obj.Type(), setArg)
		}
		if err != nil {
			return nil, err
		}
	default:
		return nil, actionErrorf("cannot parse action %s", act)
	}
	return a, nil
}

// fromCLI parses "k1=v1:k2=v2" and coerces scalar strings according to the
// entity's field types.
func fromCLI(t *entity.Type, setArg string) (map[string]interface{}, error) {
	values := map[string]interface{}{}
	for _, el := range strings.Split(setArg, ":") {
		k, v, found := strings.Cut(el, "=")
		if !found {
			return nil, actionErrorf("could not parse set instructions: %s", setArg)
		}
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		coerced, err := coerce(t.FieldType(k), v)
		if err != nil {
			return nil, err
		}
		values[k] = coerced
	}
	return values, nil
}

// coerce converts a CLI string into the value shape the field validator
// expects. Unknown fields pass through as strings.
func coerce(fieldType, v string) (interface{}, error) {
	switch fieldType {
	case "list", "cidr_list":
		parts := strings.Split(v, ",")
		out := make([]interface{}, len(parts))
		for i, p := range parts {
			out[i] = p
		}
		return out, nil
	case "bool":
		switch strings.ToLower(v) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		default:
			return nil, actionErrorf("booleans can only be 'true' or 'false'")
		}
	case "int":
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, actionErrorf("not an integer: %q", v)
		}
		return n, nil
	case "dict":
		return nil, actionErrorf("dictionaries are not supported on the command line")
	default:
		return v, nil
	}
}

func fromFile(filename string) (map[string]interface{}, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, actionErrorf("could not read %s: %v", filename, err)
	}
	var values map[string]interface{}
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, actionErrorf("invalid yaml file: %v", err)
	}
	return values, nil
}

// Verb returns the parsed action verb.
func (a *Action) Verb() string { return a.verb }

// Mutating reports whether running the action writes to the datastore.
func (a *Action) Mutating() bool { return a.verb != "get" }

// Run executes the action and returns a human-readable outcome message.
func (a *Action) Run(ctx context.Context) (string, error) {
	switch a.verb {
	case "get":
		if err := a.Entity.Fetch(ctx); err != nil {
			return "", err
		}
		if !a.Entity.Exists() {
			return fmt.Sprintf("%s not found", a.Entity.Name()), nil
		}
		return a.Entity.String(), nil
	case "delete":
		if err := a.Entity.Delete(ctx); err != nil {
			return "", err
		}
		return fmt.Sprintf("Deleted %s %s.", a.Entity.Type().Name, a.Entity.Name()), nil
	case "edit":
		return "", (&EditAction{Entity: a.Entity}).Run(ctx)
	case "set":
		if !a.Entity.Exists() {
			return "", actionErrorf("entity %s doesn't exist", a.Entity.Name())
		}
		var desc []string
		for k, v := range a.args {
			cur := a.Entity.Field(k)
			if a.Entity.Changed(map[string]interface{}{k: v}) {
				desc = append(desc, fmt.Sprintf("%s: %s changed %v => %v", a.Entity.Name(), k, cur, v))
			}
		}
		if err := a.Entity.Update(ctx, a.args); err != nil {
			return "", err
		}
		return strings.Join(desc, "\n"), nil
	default:
		return "", actionErrorf("unknown action %s", a.verb)
	}
}
