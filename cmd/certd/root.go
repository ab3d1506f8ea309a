package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"certchain/internal/config"
	"certchain/internal/core"
	"certchain/pkg/domain"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type rootOptions struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "certd",
		Short:         "Certification request lifecycle service",
		Long:          "certd keeps certification requests consistent between the request store and the ledger.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "YAML config file (default $"+config.EnvConfigPath+")")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newIDMapCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func (o *rootOptions) load() (config.Config, error) {
	path := o.configPath
	if path == "" {
		path = os.Getenv(config.EnvConfigPath)
	}
	return config.Load(path)
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
			return err
		},
	}
}

func newIDMapCommand() *cobra.Command {
	mapper := core.NewEmbeddedIDMapper(nil)
	cmd := &cobra.Command{
		Use:   "idmap",
		Short: "Convert between request IDs and ledger IDs",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "to-ledger <request-id>",
		Short: "Print the ledger ID embedded in a request ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := mapper.ToLedgerID(args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), id.String())
			return err
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "to-store <ledger-id>",
		Short: "Print the request ID for a ledger ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ledgerID, err := domain.ParseLedgerID(args[0])
			if err != nil {
				return err
			}
			id, err := mapper.ToStoreID(ledgerID)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), id)
			return err
		},
	})
	return cmd
}
