package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/confctl/confctl/pkg/dbconfig"
)

const allSelector = "all"

func (t *tool) instanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "instance",
		Short: "Act on a database instance",
	}

	get := &cobra.Command{
		Use:   "get LABEL",
		Short: "Get information about the database instance; the label \"all\" selects every instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			if args[0] == allSelector {
				instances, err := t.dbc.Instances.GetAll(c.Context(), t.scope, false)
				if err != nil {
					return err
				}
				for _, inst := range instances {
					if err := printJSON(inst.AsDict()); err != nil {
						return err
					}
				}
				return nil
			}
			inst, err := t.dbc.Instances.Get(c.Context(), args[0], t.scope)
			if err != nil {
				return err
			}
			if inst == nil {
				return &dbconfig.NotFoundError{Kind: "instance", Name: args[0]}
			}
			return printJSON(inst.AsDict())
		},
	}

	edit := &cobra.Command{
		Use:   "edit LABEL",
		Short: "Edit the database instance in your editor",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			ok, errs := t.dbc.Instances.Edit(c.Context(), args[0], t.scope)
			return t.announced(fmt.Sprintf("instance edit %s", args[0]), ok, errs)
		},
	}

	var (
		section    string
		group      string
		percentage int
	)
	pool := &cobra.Command{
		Use:   "pool LABEL",
		Short: "Pool the instance, optionally in one section or group",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			var pct *int
			if c.Flags().Changed("percentage") {
				pct = &percentage
			}
			ok, errs := t.dbc.Instances.Pool(c.Context(), args[0], t.scope, pct, section, group)
			return t.announced(fmt.Sprintf("instance pool %s", args[0]), ok, errs)
		},
	}
	pool.Flags().IntVarP(&percentage, "percentage", "p", 100, "The percentage of pooling to set")

	depool := &cobra.Command{
		Use:   "depool LABEL",
		Short: "Depool the instance, optionally from one section or group",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			ok, errs := t.dbc.Instances.Depool(c.Context(), args[0], t.scope, section, group)
			return t.announced(fmt.Sprintf("instance depool %s", args[0]), ok, errs)
		},
	}

	weight := &cobra.Command{
		Use:   "set-weight LABEL WEIGHT",
		Short: "Set the weight of a specific section/group",
		Args:  cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			w, err := strconv.Atoi(args[1])
			if err != nil {
				return err
			}
			ok, errs := t.dbc.Instances.SetWeight(c.Context(), args[0], t.scope, w, section, group)
			return t.announced(fmt.Sprintf("instance set-weight %s %d", args[0], w), ok, errs)
		},
	}

	candidate := &cobra.Command{
		Use:   "set-candidate-master LABEL {true|false}",
		Short: "Flag the instance as a failover candidate",
		Args:  cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			value, err := strconv.ParseBool(args[1])
			if err != nil {
				return err
			}
			ok, errs := t.dbc.Instances.SetCandidateMaster(c.Context(), args[0], t.scope, value)
			return t.announced(fmt.Sprintf("instance set-candidate-master %s %t", args[0], value), ok, errs)
		},
	}

	note := &cobra.Command{
		Use:   "set-note LABEL NOTE",
		Short: "Attach an operator note to the instance",
		Args:  cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			ok, errs := t.dbc.Instances.SetNote(c.Context(), args[0], t.scope, args[1])
			return t.announced(fmt.Sprintf("instance set-note %s", args[0]), ok, errs)
		},
	}

	for _, sub := range []*cobra.Command{pool, depool, weight} {
		sub.Flags().StringVar(&section, "section", "", "Restrict to a specific section")
		sub.Flags().StringVar(&group, "group", "", "Restrict to one group within the section")
	}
	cmd.AddCommand(get, edit, pool, depool, weight, candidate, note)
	return cmd
}
