package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var symbolsCmd = &cobra.Command{
	Use:   "symbols",
	Short: "Manage the symbol registry",
}

var symbolsImportCmd = &cobra.Command{
	Use:   "import <csv>",
	Short: "Add the symbols listed in a CSV file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop, a, err := bootstrap(cmd)
		if err != nil {
			return err
		}
		defer stop()
		defer closeApp(a)

		added, rejected, err := a.ImportSymbols(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "added %d symbols\n", added)
		if len(rejected) > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "rejected %d: %s\n", len(rejected), strings.Join(rejected, ", "))
		}
		return nil
	},
}

var symbolsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print active symbols",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop, a, err := bootstrap(cmd)
		if err != nil {
			return err
		}
		defer stop()
		defer closeApp(a)

		symbols, err := a.Store.ListSymbols(ctx, nil)
		if err != nil {
			return err
		}
		for _, s := range symbols {
			fmt.Fprintln(cmd.OutOrStdout(), s)
		}
		return nil
	},
}

func init() {
	symbolsCmd.AddCommand(symbolsImportCmd, symbolsListCmd)
}
