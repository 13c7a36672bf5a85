// Package commands implements the iotvault-admin CLI commands.
package commands

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/iotvault/iotvault-go/pkg/persistence"
)

// EnvPassphrase supplies the installation passphrase when -p is not given.
const EnvPassphrase = "IOTVAULT_PASSPHRASE"

// ErrNoInstallation is returned when the data directory holds no
// installation key parameters.
var ErrNoInstallation = errors.New("no iotvault installation in data directory")

type options struct {
	dataDir    string
	passphrase string
}

// openKey derives the installation key. create allows a new installation
// to be initialised in the data directory.
func (o *options) openKey(create bool) (*persistence.InstallationKey, error) {
	pass := o.passphrase
	if pass == "" {
		pass = os.Getenv(EnvPassphrase)
	}
	if pass == "" {
		return nil, fmt.Errorf("passphrase required (-p or %s)", EnvPassphrase)
	}

	gen := func() (persistence.KeyParams, error) {
		return persistence.KeyParams{}, fmt.Errorf("%w: %s", ErrNoInstallation, o.dataDir)
	}
	if create {
		if err := os.MkdirAll(o.dataDir, 0o700); err != nil {
			return nil, err
		}
		gen = persistence.NewKeyParams
	}
	p, err := persistence.LoadOrCreateKeyParams(o.dataDir, gen)
	if err != nil {
		return nil, err
	}
	return persistence.DeriveInstallationKey(pass, p)
}

func (o *options) engine() (*persistence.Engine, error) {
	key, err := o.openKey(false)
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return persistence.NewEngine(o.dataDir, key, logger), nil
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "iotvault-admin",
		Short:         "Operator tool for iotvault installations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.dataDir, "data", "data", "server data directory")
	root.PersistentFlags().StringVarP(&opts.passphrase, "passphrase", "p", "", "installation passphrase (default $"+EnvPassphrase+")")

	root.AddCommand(keygenCmd(), refgenCmd(opts), inspectCmd(opts), logCmd())
	return root
}

// Execute runs the command line and prints any error.
func Execute() error {
	root := NewRootCmd()
	err := root.Execute()
	if err != nil {
		fmt.Fprintf(root.ErrOrStderr(), "Error: %v\n", err)
	}
	return err
}
