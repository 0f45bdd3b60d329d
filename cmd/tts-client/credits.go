package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/book-expert/tts-gateway/internal/audio"
	"github.com/book-expert/tts-gateway/internal/history"
	"github.com/spf13/cobra"
)

func newCreditsCmd(state *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credits",
		Short: "Inspect and grant user credits",
	}

	cmd.AddCommand(newCreditsGrantCmd(state), newCreditsBalanceCmd(state))

	return cmd
}

func newCreditsGrantCmd(state *app) *cobra.Command {
	var set bool

	cmd := &cobra.Command{
		Use:   "grant <user-id> <credits>",
		Short: "Add credits to a user's balance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid credit amount %q: %w", args[1], err)
			}

			credits, err := state.openLedger()
			if err != nil {
				return err
			}
			defer credits.Close()

			if set {
				err = credits.SetBalance(cmd.Context(), args[0], amount)
			} else {
				err = credits.Credit(cmd.Context(), args[0], amount)
			}

			if err != nil {
				return err
			}

			balance, err := credits.Balance(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s now has %d credits\n", args[0], balance)

			return nil
		},
	}

	cmd.Flags().BoolVar(&set, "set", false, "Overwrite the balance instead of adding to it")

	return cmd
}

func newCreditsBalanceCmd(state *app) *cobra.Command {
	return &cobra.Command{
		Use:   "balance <user-id>",
		Short: "Show a user's balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			credits, err := state.openLedger()
			if err != nil {
				return err
			}
			defer credits.Close()

			balance, err := credits.Balance(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s has %d credits\n", args[0], balance)

			return nil
		},
	}
}

func newHistoryCmd(state *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history <user-id>",
		Short: "Show a user's recent generations and totals",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			recorder, err := state.openHistory()
			if err != nil {
				return err
			}
			defer recorder.Close()

			records, err := recorder.List(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}

			stats, err := recorder.Stats(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			return printHistory(cmd, records, stats)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", history.DefaultListLimit, "Number of records to show")

	return cmd
}

func printHistory(cmd *cobra.Command, records []history.Record, stats history.Stats) error {
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "Generations: %d (%d completed, %d failed, %.1f%% success)\n",
		stats.Total, stats.Completed, stats.Failed, stats.SuccessRate)
	fmt.Fprintf(out, "Credits: %d  Characters: %d  Audio: %s\n\n",
		stats.Credits, stats.Characters, audio.FormatDuration(stats.AudioSeconds))

	if len(records) == 0 {
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CREATED\tSTATUS\tVOICE\tMODEL\tCHARS\tCREDITS\tDURATION\tAUDIO")

	for _, record := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			record.CreatedAt.Format("2006-01-02 15:04:05"),
			record.Status,
			record.VoiceID,
			record.ModelID,
			record.Characters,
			record.Credits,
			audio.FormatDuration(record.Duration),
			record.AudioKey,
		)
	}

	return w.Flush()
}
