// Command dbctl manages the MediaWiki database configuration: instances,
// sections, and the compiled blob MediaWiki consumes.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/confctl/confctl/pkg/announce"
	"github.com/confctl/confctl/pkg/cliutil"
	"github.com/confctl/confctl/pkg/dbconfig"
	"github.com/confctl/confctl/pkg/version"
)

type tool struct {
	dbc       *dbconfig.DbConfig
	announcer *announce.Announcer

	configFile string
	scope      string
	debug      bool
	pasteURL   string
	pasteToken string
}

func main() {
	t := &tool{}
	root := &cobra.Command{
		Use:           "dbctl",
		Short:         "Configure the databases used by MediaWiki",
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			cfg, driver, err := cliutil.Setup(t.configFile, t.debug)
			if err != nil {
				return err
			}
			s, err := dbconfig.NewSchema(cfg, driver)
			if err != nil {
				return err
			}
			var paste *announce.PasteSink
			if t.pasteURL != "" {
				paste = announce.NewPasteSink(t.pasteURL, t.pasteToken)
			}
			t.announcer = announce.New(cfg)
			t.dbc, err = dbconfig.New(cfg, s, t.announcer, paste)
			return err
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&t.configFile, "config", "/etc/conftool/config.yaml", "Configuration file")
	pf.StringVarP(&t.scope, "scope", "s", "", "Refer any action to this datacenter")
	pf.BoolVar(&t.debug, "debug", false, "Print debug info")
	pf.StringVar(&t.pasteURL, "paste-url", "", "Phabricator endpoint to publish commit diffs to")
	pf.StringVar(&t.pasteToken, "paste-token", "", "API token for the paste endpoint")

	root.AddCommand(t.instanceCmd(), t.sectionCmd(), t.configCmd())

	// A SIGINT mid-commit must still surface the rollback instructions, so
	// the context is cancelled instead of the process dying outright.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		cliutil.Fail(err)
	}
}

// fail converts a (success, errors) pair into a command error.
func fail(ok bool, errs []string) error {
	if ok {
		for _, e := range errs {
			fmt.Fprintln(os.Stderr, e)
		}
		return nil
	}
	return &dbconfig.ConsistencyError{Errors: errs}
}

// announced runs fail and, on success, announces the mutation.
func (t *tool) announced(message string, ok bool, errs []string) error {
	err := fail(ok, errs)
	if err == nil {
		t.announcer.Announce("dbctl " + message)
	}
	return err
}

func printJSON(v interface{}) error {
	raw, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return err
	}
	fmt.Println(string(raw))
	return nil
}
