package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var sweepForce bool

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete cached intraday bars past retention",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop, a, err := bootstrap(cmd)
		if err != nil {
			return err
		}
		defer stop()
		defer closeApp(a)

		res, err := a.Sweeper.Sweep(ctx, sweepForce)
		if err != nil {
			return err
		}
		if !res.Ran {
			fmt.Fprintln(cmd.OutOrStdout(), "outside the sweep window; use --force to sweep now")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %d bars before %s\n", res.Deleted, res.Cutoff.Format("2006-01-02 15:04:05Z07:00"))
		return nil
	},
}

func init() {
	sweepCmd.Flags().BoolVar(&sweepForce, "force", false, "sweep regardless of the trigger window")
}
