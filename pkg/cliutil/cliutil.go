// Package cliutil holds what the command line tools share: exit code
// mapping and common bootstrap.
package cliutil

import (
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/confctl/confctl/pkg/config"
	"github.com/confctl/confctl/pkg/dbconfig"
	"github.com/confctl/confctl/pkg/prompt"
	"github.com/confctl/confctl/pkg/reqconfig"
	"github.com/confctl/confctl/pkg/store"
	"github.com/confctl/confctl/pkg/types"
)

// Exit codes shared by all the tools.
const (
	ExitOK              = 0
	ExitError           = 1
	ExitNotFound        = 2
	ExitConsistency     = 3
	ExitMissingFlag     = 4
	ExitSchemaViolation = 10
)

// ExitCodeFor maps an error to the tool exit code. A user abort is not a
// failure; an unconfirmed destructive selection is a consistency refusal.
func ExitCodeFor(err error) int {
	if err == nil {
		return ExitOK
	}
	var (
		validation  *types.ValidationError
		consistency *dbconfig.ConsistencyError
		notFound    *dbconfig.NotFoundError
	)
	switch {
	case errors.Is(err, prompt.ErrAborted):
		return ExitOK
	case errors.Is(err, prompt.ErrNotATTY), errors.Is(err, prompt.ErrUnconfirmed):
		return ExitConsistency
	case errors.Is(err, dbconfig.ErrMissingMessage{}):
		return ExitMissingFlag
	case errors.As(err, &validation):
		return ExitSchemaViolation
	case errors.As(err, &consistency):
		return ExitConsistency
	case errors.As(err, &notFound), errors.Is(err, store.ErrNotFound):
		return ExitNotFound
	default:
		return ExitError
	}
}

// Setup loads the configuration, initializes logging and builds the
// datastore driver.
func Setup(configFile string, debug bool) (config.Config, store.Driver, error) {
	if debug {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.WarnLevel)
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		return cfg, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	driver, err := store.New(cfg)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, driver, nil
}

// Fail prints the error and exits with its mapped code.
func Fail(err error) {
	if err == nil {
		os.Exit(ExitOK)
	}
	if errors.Is(err, prompt.ErrAborted) {
		fmt.Fprintln(os.Stderr, "Aborted.")
		os.Exit(ExitOK)
	}
	var parseErr *reqconfig.ParseError
	if errors.As(err, &parseErr) {
		fmt.Fprintln(os.Stderr, "Execution FAILED\nReported errors:")
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(ExitCodeFor(err))
}
