// Command confctl-sync reconciles the declared on-disk configuration with
// the datastore.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/confctl/confctl/pkg/cliutil"
	"github.com/confctl/confctl/pkg/schema"
	"github.com/confctl/confctl/pkg/syncer"
	"github.com/confctl/confctl/pkg/version"
)

func main() {
	var (
		configFile string
		schemaFile string
		directory  string
		debug      bool
	)
	root := &cobra.Command{
		Use:           "confctl-sync",
		Short:         "Sync the declared configuration on disk with the datastore",
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, driver, err := cliutil.Setup(configFile, debug)
			if err != nil {
				return err
			}
			if info, err := os.Stat(directory); err != nil || !info.IsDir() {
				fmt.Fprintf(os.Stderr, "could not find directory %s\n", directory)
				os.Exit(cliutil.ExitNotFound)
			}
			s := schema.FromFile(cfg, driver, schemaFile)
			return syncer.New(s, directory).Run(cmd.Context())
		},
	}
	root.Flags().StringVar(&directory, "directory", "", "Directory containing the files to sync")
	root.Flags().StringVar(&configFile, "config", "/etc/conftool/config.yaml", "Configuration file")
	root.Flags().StringVar(&schemaFile, "schema", "/etc/conftool/schema.yaml", "Schema file that defines additional object types")
	root.Flags().BoolVar(&debug, "debug", false, "Print debug info")
	_ = root.MarkFlagRequired("directory")

	if err := root.Execute(); err != nil {
		cliutil.Fail(err)
	}
}
