package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/confctl/confctl/pkg/dbconfig"
)

func (t *tool) sectionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "section",
		Short: "Act on a database section",
	}

	get := &cobra.Command{
		Use:   "get LABEL",
		Short: "Get information about the database section; the label \"all\" selects every section",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			if args[0] == allSelector {
				sections, err := t.dbc.Sections.GetAll(c.Context(), t.scope, false)
				if err != nil {
					return err
				}
				for _, sec := range sections {
					if err := printJSON(sec.AsDict()); err != nil {
						return err
					}
				}
				return nil
			}
			sec, err := t.dbc.Sections.Get(c.Context(), args[0], t.scope)
			if err != nil {
				return err
			}
			if sec == nil {
				return &dbconfig.NotFoundError{Kind: "section", Name: args[0]}
			}
			return printJSON(sec.AsDict())
		},
	}

	edit := &cobra.Command{
		Use:   "edit LABEL",
		Short: "Edit the database section in your editor",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			ok, errs := t.dbc.Sections.Edit(c.Context(), args[0], t.scope)
			return t.announced(fmt.Sprintf("section edit %s", args[0]), ok, errs)
		},
	}

	master := &cobra.Command{
		Use:   "set-master LABEL INSTANCE",
		Short: "Set a new master for the specified section",
		Args:  cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			ok, errs := t.dbc.Sections.SetMaster(c.Context(), args[0], t.scope, args[1])
			return t.announced(fmt.Sprintf("section set-master %s %s", args[0], args[1]), ok, errs)
		},
	}

	ro := &cobra.Command{
		Use:   "ro LABEL REASON",
		Short: "Set the section to read-only",
		Args:  cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			ok, errs := t.dbc.Sections.SetReadonly(c.Context(), args[0], t.scope, true, args[1])
			return t.announced(fmt.Sprintf("section ro %s", args[0]), ok, errs)
		},
	}

	rw := &cobra.Command{
		Use:   "rw LABEL",
		Short: "Set the section to read-write",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			ok, errs := t.dbc.Sections.SetReadonly(c.Context(), args[0], t.scope, false, "")
			return t.announced(fmt.Sprintf("section rw %s", args[0]), ok, errs)
		},
	}

	cmd.AddCommand(get, edit, master, ro, rw)
	return cmd
}
