package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

func newImportCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Import dream titles, one per line (- reads stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			titles, err := readTitles(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}
			if len(titles) == 0 {
				return fmt.Errorf("no titles found in %s", args[0])
			}

			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.importer.Import(cmd.Context(), titles)
			if err != nil {
				return err
			}

			st := result.Stats
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Total", "Created", "Existing", "Invalid", "Duplicates", "Queued"},
				[][]string{{
					strconv.Itoa(st.Total),
					strconv.Itoa(st.Created),
					strconv.Itoa(st.SkippedExisting),
					strconv.Itoa(st.SkippedInvalid),
					strconv.Itoa(st.DuplicatesInFile),
					strconv.Itoa(result.Queued),
				}},
				[]columnAlignment{alignRight, alignRight, alignRight, alignRight, alignRight, alignRight},
			))
			return nil
		},
	}
}

func readTitles(path string, stdin io.Reader) ([]string, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open titles file: %w", err)
		}
		defer f.Close()
		r = f
	}

	var titles []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			titles = append(titles, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read titles: %w", err)
	}
	return titles, nil
}
