package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/confctl/confctl/pkg/cprint"
	"github.com/confctl/confctl/pkg/dbconfig"
)

func (t *tool) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Interact with the MediaWiki configuration blob",
	}

	var (
		batch   bool
		message string
		quiet   bool
		unified bool
	)
	commit := &cobra.Command{
		Use:   "commit",
		Short: "Commit the configuration for consumption by MediaWiki",
		RunE: func(c *cobra.Command, _ []string) error {
			return t.dbc.Commit(c.Context(), dbconfig.CommitOptions{
				Batch:      batch,
				Message:    message,
				Datacenter: t.scope,
			})
		},
	}
	commit.Flags().BoolVarP(&batch, "batch", "b", false, "Do not ask for visual diff confirmation")
	commit.Flags().StringVarP(&message, "message", "m", "", "The commit message (required in batch mode)")

	diff := &cobra.Command{
		Use:   "diff",
		Short: "Show the changes a commit would write",
		RunE: func(c *cobra.Command, _ []string) error {
			blob, errs, err := t.dbc.ComputeAndCheck(c.Context())
			if err != nil {
				return err
			}
			if len(errs) > 0 {
				return &dbconfig.ConsistencyError{
					Errors: append([]string{"Could not generate configuration:"}, errs...),
				}
			}
			live, err := t.dbc.LiveConfig(c.Context())
			if err != nil {
				return err
			}
			if t.scope != "" {
				if _, inLive := live[t.scope]; !inLive {
					if _, inNew := blob[t.scope]; !inNew {
						return fmt.Errorf("datacenter %s not found", t.scope)
					}
				}
			}
			hasDiff, lines := dbconfig.DiffConfigs(live, blob, t.scope, unified)
			if quiet && hasDiff {
				return fmt.Errorf("the generated configuration differs from the live one")
			}
			if !quiet {
				for _, line := range lines {
					cprint.DiffPrint(line)
				}
			}
			return nil
		},
	}
	diff.Flags().BoolVarP(&quiet, "quiet", "q", false, "Only report whether a diff exists")
	diff.Flags().BoolVarP(&unified, "unified", "u", false, "Force plain unified diff output")

	generate := &cobra.Command{
		Use:   "generate",
		Short: "Compute the configuration and print it",
		RunE: func(c *cobra.Command, _ []string) error {
			blob, errs, err := t.dbc.ComputeAndCheck(c.Context())
			if err != nil {
				return err
			}
			if t.scope != "" {
				dcConfig, ok := blob[t.scope]
				if !ok {
					return fmt.Errorf("datacenter %s not found in generated configuration", t.scope)
				}
				if err := printJSON(dcConfig); err != nil {
					return err
				}
			} else if err := printJSON(blob); err != nil {
				return err
			}
			if len(errs) > 0 {
				return &dbconfig.ConsistencyError{Errors: errs}
			}
			return nil
		},
	}

	get := &cobra.Command{
		Use:   "get",
		Short: "Get the configuration currently live",
		RunE: func(c *cobra.Command, _ []string) error {
			live, err := t.dbc.LiveConfig(c.Context())
			if err != nil {
				return err
			}
			if t.scope != "" {
				dcConfig, ok := live[t.scope]
				if !ok {
					return fmt.Errorf("datacenter %s not found in live configuration", t.scope)
				}
				return printJSON(dcConfig)
			}
			return printJSON(live)
		},
	}

	restore := &cobra.Command{
		Use:   "restore FILE",
		Short: "Restore the configuration from a rollback file",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return t.dbc.Restore(c.Context(), args[0], t.scope)
		},
	}

	cmd.AddCommand(commit, diff, generate, get, restore)
	return cmd
}
