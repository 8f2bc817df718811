package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"dream_pipeline/internal/domain"
)

func newTitlesCommand(configPath *string) *cobra.Command {
	var status string
	var limit uint64

	cmd := &cobra.Command{
		Use:   "titles",
		Short: "List dream titles",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := domain.TitleFilter{Limit: limit}
			if status != "" {
				s, err := domain.ParseTitleStatus(strings.ToUpper(status))
				if err != nil {
					return fmt.Errorf("%w: %s", err, status)
				}
				filter.Status = &s
			}

			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			titles, err := a.titles.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if len(titles) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No titles")
				return nil
			}

			fmt.Fprintln(cmd.OutOrStdout(), renderTitles(titles))
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Only titles in this status (queued, generating, ready, published, failed)")
	cmd.Flags().Uint64Var(&limit, "limit", 50, "Maximum number of titles")
	return cmd
}

func renderTitles(titles []domain.Title) string {
	rows := make([][]string, 0, len(titles))
	for _, t := range titles {
		rows = append(rows, []string{
			t.ID,
			t.Slug,
			string(t.Status),
			strconv.Itoa(t.Priority),
			t.CreatedAt.Format(time.DateTime),
			formatTime(t.PublishedAt),
			deref(t.LastError),
		})
	}
	return renderTable(
		[]string{"ID", "Slug", "Status", "Priority", "Created", "Published", "Last Error"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight},
	)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.DateTime)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
