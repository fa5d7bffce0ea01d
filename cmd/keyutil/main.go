// Command keyutil generates and checks relay key pairs and lists relays
// advertised on the local network.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/SwartzMss/MiniRustDesk/crypto"
	"github.com/SwartzMss/MiniRustDesk/discovery"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:          "keyutil",
		Short:        "Relay key pair utilities",
		SilenceUsage: true,
	}
	root.SetOut(out)
	root.AddCommand(
		newGenKeyPairCommand(),
		newValidateKeyPairCommand(),
		newDiscoverCommand(),
	)
	return root
}

func newGenKeyPairCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "genkeypair",
		Short: "Print a new base64 key pair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, sec, err := crypto.GenerateKeyPair()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Public Key:  %s\n", pub)
			fmt.Fprintf(cmd.OutOrStdout(), "Secret Key:  %s\n", sec)
			return nil
		},
	}
}

func newValidateKeyPairCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validatekeypair <public key> <secret key>",
		Short: "Check that a secret key signs for a public key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := crypto.ValidateKeyPair(args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Key pair is VALID")
			return nil
		},
	}
}

func newDiscoverCommand() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List relays advertised over mDNS",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			relays, err := discovery.Scan(ctx, discovery.Config{ScanTimeout: timeout})
			if err != nil {
				return fmt.Errorf("scan: %w", err)
			}
			for _, r := range relays {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%v\tport=%d\tws_port=%d\tkey=%s\n",
					r.Instance, r.Addresses, r.Port, r.WSPort, r.PublicKey)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", discovery.DefaultScanTimeout, "how long to listen for answers")
	return cmd
}
