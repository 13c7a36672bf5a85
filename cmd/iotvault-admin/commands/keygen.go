package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/iotvault/iotvault-go/pkg/cert"
)

func keygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate identities and certificates",
	}
	cmd.AddCommand(keygenUserCmd(), keygenServerCmd())
	return cmd
}

func keygenUserCmd() *cobra.Command {
	var outDir string
	var force bool
	cmd := &cobra.Command{
		Use:   "user <id>",
		Short: "Generate a user identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID := args[0]
			certPath := filepath.Join(outDir, userID+".crt")
			keyPath := filepath.Join(outDir, userID+".key")
			if err := refuseOverwrite(force, certPath, keyPath); err != nil {
				return err
			}
			if err := os.MkdirAll(outDir, 0o700); err != nil {
				return err
			}
			id, err := cert.GenerateIdentity(userID)
			if err != nil {
				return err
			}
			if err := id.Save(certPath, keyPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Identity for %s written to %s and %s\n", userID, certPath, keyPath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "output directory")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")
	return cmd
}

func keygenServerCmd() *cobra.Command {
	var (
		certPath string
		keyPath  string
		hosts    []string
		validity time.Duration
		force    bool
	)
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Generate a self-signed server certificate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := refuseOverwrite(force, certPath, keyPath); err != nil {
				return err
			}
			c, err := cert.GenerateServerCertificate(hosts, validity)
			if err != nil {
				return err
			}
			if err := cert.WriteServerCertificate(c, certPath, keyPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Server certificate for %v valid until %s written to %s\n",
				hosts, c.Leaf.NotAfter.Format(time.DateOnly), certPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&certPath, "cert", "server.crt", "certificate output file")
	cmd.Flags().StringVar(&keyPath, "key", "server.key", "private key output file")
	cmd.Flags().StringSliceVar(&hosts, "hosts", []string{"localhost", "127.0.0.1"}, "DNS names and IP addresses")
	cmd.Flags().DurationVar(&validity, "validity", 365*24*time.Hour, "certificate lifetime")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")
	return cmd
}

func refuseOverwrite(force bool, paths ...string) error {
	if force {
		return nil
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return fmt.Errorf("%s exists (use --force to overwrite)", p)
		}
	}
	return nil
}
