/*
Copyright © 2025 Valentyn Solomko <valentyn.solomko@gmail.com>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/valpere/mdtrans/internal/store"
)

var runsLimit int

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect the history of translate runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openConfiguredStore()
		if err != nil {
			return err
		}
		defer db.Close()

		runs, err := db.ListRuns(cmd.Context(), runsLimit)
		if err != nil {
			return fmt.Errorf("failed to list runs: %w", err)
		}
		if len(runs) == 0 {
			fmt.Println("No runs recorded.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTARTED\tSTATUS\tLANGS\tBACKEND\tCHUNKS\tFAILED\tINPUT")
		for _, r := range runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s->%s\t%s\t%d/%d\t%d\t%s\n",
				r.ID, humanize.Time(r.StartedAt), r.Status,
				r.SourceLang, r.TargetLang, r.Backend,
				r.Succeeded, r.TotalChunks, r.Failed, r.InputFile)
		}
		return w.Flush()
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a run and the outcome of each chunk",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openConfiguredStore()
		if err != nil {
			return err
		}
		defer db.Close()

		run, records, err := db.GetRun(cmd.Context(), args[0])
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("run %s not found", args[0])
		}
		if err != nil {
			return fmt.Errorf("failed to load run: %w", err)
		}

		fmt.Printf("Run:        %s\n", run.ID)
		fmt.Printf("Status:     %s\n", run.Status)
		fmt.Printf("Files:      %s -> %s\n", run.InputFile, run.OutputFile)
		fmt.Printf("Languages:  %s -> %s\n", run.SourceLang, run.TargetLang)
		fmt.Printf("Backend:    %s (%s)\n", run.Backend, run.Model)
		fmt.Printf("Started:    %s (%s)\n", run.StartedAt.Format(time.DateTime), humanize.Time(run.StartedAt))
		if run.FinishedAt != nil {
			fmt.Printf("Duration:   %s\n", run.FinishedAt.Sub(run.StartedAt).Round(time.Second))
		}
		fmt.Printf("Chunks:     %d/%d succeeded, %d failed, %d from memory\n",
			run.Succeeded, run.TotalChunks, run.Failed, run.CacheHits)
		fmt.Printf("API calls:  %s\n", humanize.Comma(int64(run.APICalls)))
		if run.Error != "" {
			fmt.Printf("Error:      %s\n", run.Error)
		}
		if len(records) == 0 {
			return nil
		}

		fmt.Println()
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tCHUNK\tLINES\tSTATE\tATTEMPTS\tELAPSED\tNOTE")
		for _, r := range records {
			fmt.Fprintf(w, "%d\t%s\t%d-%d\t%s\t%d\t%s\t%s\n",
				r.SequenceIndex, r.ChunkID, r.StartLine+1, r.EndLine,
				r.State, r.Attempts, r.Elapsed.Round(time.Millisecond), chunkNote(r.Cached, r.Refined, r.UnsafeSplit, r.Reason))
		}
		return w.Flush()
	},
}

func chunkNote(cached, refined, unsafe bool, reason string) string {
	switch {
	case reason != "":
		return truncate(reason, 60)
	case cached:
		return "memory"
	case refined:
		return "refined"
	case unsafe:
		return "unsafe split"
	default:
		return ""
	}
}

func init() {
	rootCmd.AddCommand(runsCmd)

	runsListCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "Number of runs to list")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
}
