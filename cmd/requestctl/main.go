// Command requestctl manages the request-filtering objects (patterns,
// ipblocks, actions) and compiles enabled actions into VCL for the edge
// caches.
package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/confctl/confctl/pkg/announce"
	"github.com/confctl/confctl/pkg/cliutil"
	"github.com/confctl/confctl/pkg/entity"
	"github.com/confctl/confctl/pkg/reqconfig"
	"github.com/confctl/confctl/pkg/version"
)

type tool struct {
	rc *reqconfig.Requestctl

	configFile  string
	gitRepo     string
	debug       bool
	interactive bool
	output      string
}

func main() {
	t := &tool{}
	root := &cobra.Command{
		Use:           "requestctl",
		Short:         "Manage the dynamic filtering of web requests",
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			cfg, driver, err := cliutil.Setup(t.configFile, t.debug)
			if err != nil {
				return err
			}
			t.rc, err = reqconfig.New(cfg, driver, announce.New(cfg))
			if err != nil {
				return err
			}
			t.rc.GitRepo = t.gitRepo
			t.rc.Interactive = t.interactive
			return nil
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&t.configFile, "config", "/etc/conftool/config.yaml", "Configuration file")
	pf.StringVar(&t.gitRepo, "git-repo", "", "Working copy holding the object definitions")
	pf.BoolVar(&t.debug, "debug", false, "Print debug info")

	root.AddCommand(
		t.syncCmd(), t.dumpCmd(), t.getCmd(),
		t.enableCmd(true), t.enableCmd(false),
		t.logCmd(), t.vclCmd(), t.commitCmd(),
		t.findCmd(), t.findIPCmd(), t.validateCmd(),
	)
	if err := root.Execute(); err != nil {
		cliutil.Fail(err)
	}
}

func validObjectType(objtype string) error {
	for _, t := range []string{"action", "ipblock", "pattern", "vcl"} {
		if objtype == t {
			return nil
		}
	}
	return fmt.Errorf("unknown object type %q", objtype)
}

func (t *tool) syncCmd() *cobra.Command {
	var purge bool
	cmd := &cobra.Command{
		Use:   "sync {action|ipblock|pattern}",
		Short: "Synchronize objects from the git working copy to the datastore",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			if err := validObjectType(args[0]); err != nil || args[0] == "vcl" {
				return fmt.Errorf("cannot sync object type %q", args[0])
			}
			return t.rc.Sync(c.Context(), args[0], purge)
		},
	}
	cmd.Flags().BoolVar(&purge, "purge", false, "Also delete objects absent from disk")
	cmd.Flags().BoolVarP(&t.interactive, "interactive", "i", false, "Ask confirmation for every change")
	return cmd
}

func (t *tool) dumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump {action|ipblock|pattern|vcl}",
		Short: "Dump objects from the datastore to the git working copy layout",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			if err := validObjectType(args[0]); err != nil {
				return err
			}
			return t.rc.Dump(c.Context(), args[0])
		},
	}
}

func (t *tool) getCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get TYPE [SLUG]",
		Short: "Print one object, or all objects of a type",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(c *cobra.Command, args []string) error {
			if err := validObjectType(args[0]); err != nil {
				return err
			}
			var objs []*entity.Entity
			if len(args) == 2 {
				obj, err := t.rc.GetObject(c.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				if obj.Exists() {
					objs = append(objs, obj)
				}
			} else {
				var err error
				objs, err = t.rc.AllObjects(c.Context(), args[0])
				if err != nil {
					return err
				}
			}
			out, err := reqconfig.Render(objs, args[0], t.output)
			if err != nil {
				return err
			}
			fmt.Println(strings.TrimRight(out, "\n"))
			return nil
		},
	}
	cmd.Flags().StringVarP(&t.output, "output", "o", "pretty", "Output format: pretty, json or yaml")
	return cmd
}

func (t *tool) enableCmd(enable bool) *cobra.Command {
	use, short := "enable", "Enable an action"
	if !enable {
		use, short = "disable", "Disable an action"
	}
	return &cobra.Command{
		Use:   use + " ACTION",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			if enable {
				return t.rc.Enable(c.Context(), args[0])
			}
			return t.rc.Disable(c.Context(), args[0])
		},
	}
}

func (t *tool) logCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "log ACTION",
		Short: "Print the varnishlog filter matching an action's expression",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			out, err := t.rc.ExpressionVSL(c.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("You can monitor requests matching this action using the following command:\n"+
				"sudo varnishncsa -n frontend -g request \\\n  -q '%s'\n", out)
			return nil
		},
	}
}

func (t *tool) vclCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vcl ACTION",
		Short: "Print the VCL condition of an action",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			out, err := t.rc.ExpressionVCL(c.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	}
}

func (t *tool) commitCmd() *cobra.Command {
	var batch bool
	cmd := &cobra.Command{
		Use:   "commit",
		Short: "Compile the enabled actions to VCL and store it per scope",
		RunE: func(c *cobra.Command, _ []string) error {
			return t.rc.Commit(c.Context(), batch)
		},
	}
	cmd.Flags().BoolVarP(&batch, "batch", "b", false, "Do not ask for confirmation")
	return cmd
}

func (t *tool) findCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "find SLUG",
		Short: "Find the actions referencing a pattern or ipblock",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			actions, err := t.rc.Find(c.Context(), args[0])
			if err != nil {
				return err
			}
			if len(actions) == 0 {
				fmt.Printf("No actions reference %s\n", args[0])
				return nil
			}
			for _, a := range actions {
				fmt.Printf("%s: %s\n", a.Pprint(), a.Expression)
			}
			return nil
		},
	}
}

func (t *tool) findIPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "find-ip IP",
		Short: "Report which ipblocks contain an IP address",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			blocks, err := t.rc.FindIP(c.Context(), args[0])
			if err != nil {
				return err
			}
			if len(blocks) == 0 {
				fmt.Printf("%s is not part of any ipblock\n", args[0])
				return nil
			}
			for _, slug := range blocks {
				fmt.Println(slug)
			}
			return nil
		},
	}
}

func (t *tool) validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate every action expression in the git working copy",
		RunE: func(c *cobra.Command, _ []string) error {
			return t.rc.Validate(c.Context())
		},
	}
}
