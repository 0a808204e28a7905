package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRetentionCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retention",
		Short: "Housekeeping for caches, the answer log and the ledger",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run one retention pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer closeApp(a)

			rep, err := a.Retention.RunOnce(cmd.Context())
			fmt.Printf("Expired cache entries:  %d\n", rep.ExpiredEntries)
			fmt.Printf("Embeddings pruned:      %d\n", rep.Embeddings)
			fmt.Printf("Answer records pruned:  %d\n", rep.Answers)
			fmt.Printf("Reservations released:  %d\n", rep.ReleasedReservations)
			return err
		},
	}

	cmd.AddCommand(runCmd)
	return cmd
}
