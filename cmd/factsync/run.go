package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"factsync/internal/domain"
	"factsync/internal/gather"
)

var (
	runSymbols       []string
	runMaxSymbols    int
	runSkipQuarterly bool
	runSkipAnnual    bool
)

var runCmd = &cobra.Command{
	Use:   "run <kind>",
	Short: "Run one pipeline now and print its summary",
	Long:  "Runs the pipeline for dividend, quote, balance_sheet or intraday once and prints the run summary as JSON.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := domain.ParseKind(args[0])
		if err != nil {
			return err
		}

		ctx, stop, a, err := bootstrap(cmd)
		if err != nil {
			return err
		}
		defer stop()
		defer closeApp(a)

		opts := gather.RunOptions{Symbols: runSymbols, MaxSymbols: runMaxSymbols}
		if cmd.Flags().Changed("skip-quarterly") {
			opts.SkipQuarterly = &runSkipQuarterly
		}
		if cmd.Flags().Changed("skip-annual") {
			opts.SkipAnnual = &runSkipAnnual
		}

		sum, err := a.Run(ctx, kind, opts)
		if sum != nil {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(sum); encErr != nil {
				return encErr
			}
		}
		return err
	},
}

func init() {
	runCmd.Flags().StringSliceVar(&runSymbols, "symbols", nil, "restrict the run to these symbols")
	runCmd.Flags().IntVar(&runMaxSymbols, "max-symbols", 0, "maximum symbols to process (0 uses the configured limit)")
	runCmd.Flags().BoolVar(&runSkipQuarterly, "skip-quarterly", false, "balance sheets: skip quarterly periods")
	runCmd.Flags().BoolVar(&runSkipAnnual, "skip-annual", false, "balance sheets: skip annual periods")
}
