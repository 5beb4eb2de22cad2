// Command confctl is the operator tool to inspect and mutate the typed
// objects stored in the configuration datastore.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/confctl/confctl/pkg/announce"
	"github.com/confctl/confctl/pkg/cliutil"
	"github.com/confctl/confctl/pkg/config"
	"github.com/confctl/confctl/pkg/schema"
	"github.com/confctl/confctl/pkg/store"
	"github.com/confctl/confctl/pkg/version"
)

type tool struct {
	cfg       config.Config
	driver    store.Driver
	schema    *schema.Schema
	announcer *announce.Announcer

	// flags
	configFile string
	schemaFile string
	objectType string
	debug      bool
}

func main() {
	t := &tool{}
	root := &cobra.Command{
		Use:           "confctl",
		Short:         "Tool to interact with the configuration datastore",
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			cfg, driver, err := cliutil.Setup(t.configFile, t.debug)
			if err != nil {
				return err
			}
			t.cfg = cfg
			t.driver = driver
			t.schema = schema.FromFile(cfg, driver, t.schemaFile)
			t.announcer = announce.New(cfg)
			return nil
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&t.configFile, "config", "/etc/conftool/config.yaml", "Configuration file")
	pf.StringVar(&t.schemaFile, "schema", "/etc/conftool/schema.yaml", "Schema file that defines additional object types")
	pf.StringVar(&t.objectType, "object-type", "node", "Type of object to act upon")
	pf.BoolVar(&t.debug, "debug", false, "Print debug info")

	root.AddCommand(t.tagsCmd(), t.selectCmd())
	for _, alias := range []string{"pool", "depool", "drain", "decommission"} {
		root.AddCommand(t.hostAliasCmd(alias))
	}

	if err := root.Execute(); err != nil {
		cliutil.Fail(err)
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return ""
	}
	return h
}

func output(msg string) {
	if msg != "" {
		fmt.Println(msg)
	}
}
