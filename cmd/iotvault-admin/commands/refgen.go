package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/iotvault/iotvault-go/pkg/attestation"
	"github.com/iotvault/iotvault-go/pkg/persistence"
)

func refgenCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "refgen <artifact>",
		Short: "Record the reference artifact for remote attestation",
		Long: `Records the path of the client binary the server hashes during remote
attestation. The record is bound to the installation key, so the server
refuses to start if it is edited by hand. Initialises the installation if
the data directory is empty.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			artifact := args[0]
			info, err := os.Stat(artifact)
			if err != nil {
				return err
			}
			if !info.Mode().IsRegular() {
				return fmt.Errorf("%s is not a regular file", artifact)
			}

			key, err := opts.openKey(true)
			if err != nil {
				return err
			}
			if err := persistence.WriteReference(opts.dataDir, key, artifact); err != nil {
				return err
			}
			path, err := persistence.LoadReference(opts.dataDir, key)
			if err != nil {
				return err
			}

			// Nonce zero gives a stable fingerprint to compare between hosts.
			sum, err := attestation.HashFile(path, 0)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reference artifact: %s (%d bytes)\nFingerprint: %x\n", path, info.Size(), sum[:8])
			return nil
		},
	}
}
