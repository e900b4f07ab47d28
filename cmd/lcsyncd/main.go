package main

import (
	"fmt"
	"os"

	"github.com/matheus3301/lcsync/internal/daemon"
	"github.com/matheus3301/lcsync/internal/workspace"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func main() {
	var accountFlag string

	root := &cobra.Command{
		Use:           "lcsyncd",
		Short:         "Local cache sync daemon for one chat account",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			account, err := workspace.Resolve(accountFlag)
			if err != nil {
				return err
			}
			app := fx.New(daemon.Module(daemon.Params{Account: account}))
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}
	root.Flags().StringVar(&accountFlag, "account", "", "account name (overrides config default)")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
