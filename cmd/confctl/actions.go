package main

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/spf13/cobra"

	"github.com/confctl/confctl/pkg/action"
	"github.com/confctl/confctl/pkg/entity"
	"github.com/confctl/confctl/pkg/prompt"
)

// tagsCmd acts on objects addressed by their full tag list plus an object
// selector: a literal name, "all", or "re:<regex>".
func (t *tool) tagsCmd() *cobra.Command {
	var actions []string
	cmd := &cobra.Command{
		Use:   "tags TAGLIST",
		Short: "Act on objects selected by their tags",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			typ, err := t.schema.Get(t.objectType)
			if err != nil {
				return err
			}
			tags, err := typ.ParseTags(strings.Split(args[0], ","))
			if err != nil {
				return err
			}
			for _, unit := range actions {
				act, objsel, found := strings.Cut(unit, " ")
				if !found {
					return &action.ActionError{Msg: fmt.Sprintf("cannot parse action %q: expected 'ACTION OBJSEL'", unit)}
				}
				if err := t.runOnSelection(cmd.Context(), typ, tags, act, objsel); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&actions, "action", nil,
		"Action and object selector, e.g. --action 'set/pooled=yes mw1018' (repeatable)")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

// selectCmd acts on objects matched by a tag/name regex selector.
func (t *tool) selectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "select SELECTOR ACTION",
		Short: "Act on all objects matching a label selector",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			typ, err := t.schema.Get(t.objectType)
			if err != nil {
				return err
			}
			raw := map[string]string{}
			for _, el := range strings.Split(args[0], ",") {
				k, v, found := strings.Cut(el, "=")
				if !found {
					return fmt.Errorf("malformed selector element %q", el)
				}
				raw[k] = v
			}
			selector, err := entity.ParseSelector(raw)
			if err != nil {
				return err
			}
			objs, err := typ.Query(cmd.Context(), selector)
			if err != nil {
				return err
			}
			return t.runActions(cmd.Context(), objs, args[1], args[0])
		},
	}
}

// hostAliasCmd builds one of the shortcuts operating on every node object
// of the current host.
func (t *tool) hostAliasCmd(name string) *cobra.Command {
	var host string
	short := map[string]string{
		"pool":         "Pool all services of this host",
		"depool":       "Depool all services of this host",
		"drain":        "Set the weight of all services of this host to zero",
		"decommission": "Set all services of this host to inactive",
	}
	act := map[string]string{
		"pool":         "set/pooled=yes",
		"depool":       "set/pooled=no",
		"drain":        "set/weight=0",
		"decommission": "set/pooled=inactive",
	}
	cmd := &cobra.Command{
		Use:   name,
		Short: short[name],
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			typ, err := t.schema.Get("node")
			if err != nil {
				return err
			}
			objs, err := typ.Find(cmd.Context(), host)
			if err != nil {
				return err
			}
			if len(objs) == 0 {
				return fmt.Errorf("no objects found for host %s", host)
			}
			return t.runActions(cmd.Context(), objs, act[name], host)
		},
	}
	cmd.Flags().StringVar(&host, "hostname", hostname(), "Host to act on")
	return cmd
}

// runOnSelection resolves an object selector below a tag directory and runs
// the action on every selected object, with the destructive-selection
// guard.
func (t *tool) runOnSelection(ctx context.Context, typ *entity.Type, tags []string, act, objsel string) error {
	var names, all []string
	// A literal name needs no directory listing.
	if objsel == "all" || strings.HasPrefix(objsel, "re:") {
		listed, err := t.driver.Ls(ctx, typ.KVPath(tags...), false)
		if err != nil {
			return err
		}
		for _, kv := range listed {
			all = append(all, kv.Key)
		}
	}

	warn := false
	switch {
	case objsel == "all":
		names = all
		warn = true
	case strings.HasPrefix(objsel, "re:"):
		re, err := regexp.Compile(strings.TrimPrefix(objsel, "re:"))
		if err != nil {
			return fmt.Errorf("invalid regexp: %s", objsel)
		}
		for _, name := range all {
			if re.MatchString(name) {
				names = append(names, name)
			}
		}
		// Selecting more than half of the objects is as dangerous as "all".
		warn = len(all) < 2*len(names)
	default:
		names = []string{objsel}
	}

	if warn && (strings.HasPrefix(act, "set") || strings.HasPrefix(act, "delete")) {
		if err := prompt.AskDangerous(
			"You are operating on more than half of the objects, this is potentially VERY DANGEROUS: do you want to continue?",
		); err != nil {
			return err
		}
	}

	var objs []*entity.Entity
	for _, name := range names {
		obj, err := typ.Get(ctx, append(append([]string{}, tags...), name)...)
		if err != nil {
			return err
		}
		objs = append(objs, obj)
	}
	return t.runActions(ctx, objs, act, objsel)
}

// runActions applies one action string to a list of objects, announcing
// mutations.
func (t *tool) runActions(ctx context.Context, objs []*entity.Entity, act, selector string) error {
	mutated := false
	for _, obj := range objs {
		a, err := action.Parse(obj, act)
		if err != nil {
			return err
		}
		msg, err := a.Run(ctx)
		if err != nil {
			return err
		}
		mutated = mutated || a.Mutating()
		output(msg)
	}
	if mutated {
		t.announcer.Announce(fmt.Sprintf("confctl action : %s; selector: %s", act, selector))
	}
	return nil
}
