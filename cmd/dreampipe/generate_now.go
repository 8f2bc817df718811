package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newGenerateNowCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "generate-now ID",
		Short: "Restart the pipeline for a title with elevated priority",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.admin.GenerateNow(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if result.Queued {
				fmt.Fprintf(cmd.OutOrStdout(), "Queued text generation for %s\n", args[0])
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Title %s reset; text generation already running (%s)\n", args[0], result.Reason)
			return nil
		},
	}
}
