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
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/valpere/mdtrans/internal/store"
)

var memoryFilter store.MemoryFilter

var memoryCmd = &cobra.Command{
	Use:     "memory",
	Aliases: []string{"cache"},
	Short:   "Manage the translation memory",
	Long: `List, inspect, invalidate and clear the SQLite translation memory.

Every accepted chunk is stored here, keyed on its text, the language pair
and the model. A later run over the same document takes these chunks from
memory instead of calling the backend.`,
}

var memoryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List translation memory entries",
	Example: `  mdtrans memory list
  mdtrans memory list --target uk --limit 50`,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openConfiguredStore()
		if err != nil {
			return err
		}
		defer db.Close()

		entries, err := db.ListMemory(cmd.Context(), memoryFilter)
		if err != nil {
			return fmt.Errorf("failed to list entries: %w", err)
		}

		if len(entries) == 0 {
			fmt.Println("No entries in translation memory.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSOURCE\tTARGET\tMODEL\tUSED\tLAST USED\tINVALID\tTEXT")
		for _, e := range entries {
			snippet := truncate(strings.Join(strings.Fields(e.SourceText), " "), 40)
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%v\t%s\n",
				e.ID, e.SourceLang, e.TargetLang, e.Model,
				e.UsageCount, humanize.Time(e.LastUsed),
				e.Invalidated, snippet)
		}
		return w.Flush()
	},
}

var memoryStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show translation memory statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openConfiguredStore()
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := db.Stats(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to get stats: %w", err)
		}

		fmt.Printf("Total entries:   %s\n", humanize.Comma(int64(stats.TotalEntries)))
		fmt.Printf("Active entries:  %s\n", humanize.Comma(int64(stats.ActiveEntries)))
		fmt.Printf("Invalid entries: %s\n", humanize.Comma(int64(stats.InvalidEntries)))
		fmt.Printf("Total usage:     %s\n", humanize.Comma(int64(stats.TotalUsage)))

		if len(stats.Pairs) == 0 {
			return nil
		}
		pairs := make([]string, 0, len(stats.Pairs))
		for pair := range stats.Pairs {
			pairs = append(pairs, pair)
		}
		sort.Strings(pairs)
		fmt.Println("\nActive entries by language pair:")
		for _, pair := range pairs {
			fmt.Printf("  %-12s %s\n", pair, humanize.Comma(int64(stats.Pairs[pair])))
		}
		return nil
	},
}

var memoryInvalidateCmd = &cobra.Command{
	Use:   "invalidate <id>",
	Short: "Stop serving an entry without deleting it",
	Long: `Mark a translation memory entry as invalid. The chunk is translated
again on the next run and the new translation replaces the entry.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openConfiguredStore()
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.InvalidateMemory(cmd.Context(), args[0]); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("no memory entry %q", args[0])
			}
			return fmt.Errorf("failed to invalidate entry: %w", err)
		}
		fmt.Printf("Invalidated entry: %s\n", args[0])
		return nil
	},
}

var memoryDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a translation memory entry by ID",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openConfiguredStore()
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.DeleteMemory(cmd.Context(), args[0]); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("no memory entry %q", args[0])
			}
			return fmt.Errorf("failed to delete entry: %w", err)
		}
		fmt.Printf("Deleted entry: %s\n", args[0])
		return nil
	},
}

var memoryClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove all entries from translation memory",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openConfiguredStore()
		if err != nil {
			return err
		}
		defer db.Close()

		n, err := db.ClearMemory(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to clear memory: %w", err)
		}
		fmt.Printf("Cleared %d entries from translation memory.\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(memoryCmd)

	memoryListCmd.Flags().StringVar(&memoryFilter.SourceLang, "source", "", "only entries with this source language")
	memoryListCmd.Flags().StringVar(&memoryFilter.TargetLang, "target", "", "only entries with this target language")
	memoryListCmd.Flags().StringVar(&memoryFilter.Model, "model", "", "only entries produced by this model")
	memoryListCmd.Flags().IntVarP(&memoryFilter.Limit, "limit", "n", 0, "maximum number of entries (0 for all)")

	memoryCmd.AddCommand(memoryListCmd)
	memoryCmd.AddCommand(memoryStatsCmd)
	memoryCmd.AddCommand(memoryInvalidateCmd)
	memoryCmd.AddCommand(memoryDeleteCmd)
	memoryCmd.AddCommand(memoryClearCmd)
}
