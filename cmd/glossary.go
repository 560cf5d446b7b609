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
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/valpere/mdtrans/internal/store"
)

var glossaryCmd = &cobra.Command{
	Use:   "glossary",
	Short: "Manage the terminology glossary",
	Long: `Keep source terms rendered the same way in every chunk.

The terms stored for the language pair of a run are added to each
translation prompt. Product names and domain vocabulary belong here.`,
}

// glossary languages shared by the subcommands
var glossarySource, glossaryTarget string

// glossaryFile is the YAML layout read by import and written by export.
type glossaryFile struct {
	Source string            `yaml:"source"`
	Target string            `yaml:"target"`
	Terms  map[string]string `yaml:"terms"`
}

// parseGlossary decodes a glossary document. Flag languages fill in
// those the document leaves out and must agree with those it sets.
func parseGlossary(r io.Reader, source, target string) (*glossaryFile, error) {
	var g glossaryFile
	if err := yaml.NewDecoder(r).Decode(&g); err != nil {
		return nil, fmt.Errorf("failed to parse glossary: %w", err)
	}
	for _, l := range []struct {
		name      string
		doc, flag string
		dst       *string
	}{
		{"source", g.Source, source, &g.Source},
		{"target", g.Target, target, &g.Target},
	} {
		switch {
		case l.doc == "" && l.flag == "":
			return nil, fmt.Errorf("%s language is neither in the file nor given with --%s", l.name, l.name)
		case l.doc == "":
			*l.dst = l.flag
		case l.flag != "" && l.flag != l.doc:
			return nil, fmt.Errorf("--%s %s conflicts with %s %s in the file", l.name, l.flag, l.name, l.doc)
		}
	}
	if len(g.Terms) == 0 {
		return nil, errors.New("glossary has no terms")
	}
	return &g, nil
}

func requirePair() error {
	if glossarySource == "" || glossaryTarget == "" {
		return errors.New("--source and --target are required")
	}
	return nil
}

var glossaryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List glossary entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openConfiguredStore()
		if err != nil {
			return err
		}
		defer db.Close()

		entries, err := db.ListGlossaryTerms(cmd.Context(), glossarySource, glossaryTarget)
		if err != nil {
			return fmt.Errorf("failed to list glossary: %w", err)
		}
		if len(entries) == 0 {
			fmt.Println("Glossary is empty.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPAIR\tTERM\tTRANSLATION\tADDED")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s->%s\t%s\t%s\t%s\n",
				e.ID, e.SourceLang, e.TargetLang, e.SourceTerm, e.TargetTerm, e.CreatedAt.Format("2006-01-02"))
		}
		return w.Flush()
	},
}

var glossaryAddCmd = &cobra.Command{
	Use:     "add <term> <translation>",
	Short:   "Add or replace a glossary entry",
	Example: `  mdtrans glossary add "pull request" "запит на злиття" -s en -t uk`,
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requirePair(); err != nil {
			return err
		}
		db, err := openConfiguredStore()
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.AddGlossaryTerm(cmd.Context(), glossarySource, glossaryTarget, args[0], args[1]); err != nil {
			return fmt.Errorf("failed to add glossary entry: %w", err)
		}
		fmt.Printf("%s->%s: %q = %q\n", glossarySource, glossaryTarget, args[0], args[1])
		return nil
	},
}

var glossaryImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Add all terms from a YAML file",
	Long: `Add every term of a YAML glossary file in one transaction.

The file names its language pair unless --source and --target are given:

  source: en
  target: uk
  terms:
    pull request: запит на злиття
    pipeline: конвеєр`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		g, err := parseGlossary(f, glossarySource, glossaryTarget)
		if err != nil {
			return err
		}

		db, err := openConfiguredStore()
		if err != nil {
			return err
		}
		defer db.Close()

		n, err := db.ImportGlossary(cmd.Context(), g.Source, g.Target, g.Terms)
		if err != nil {
			return fmt.Errorf("failed to import glossary: %w", err)
		}
		fmt.Printf("Imported %d terms for %s->%s\n", n, g.Source, g.Target)
		return nil
	},
}

var glossaryExportCmd = &cobra.Command{
	Use:     "export",
	Short:   "Write the terms of a language pair as YAML",
	Example: `  mdtrans glossary export -s en -t uk > glossary.en-uk.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requirePair(); err != nil {
			return err
		}
		db, err := openConfiguredStore()
		if err != nil {
			return err
		}
		defer db.Close()

		terms, err := db.GetGlossaryTerms(cmd.Context(), glossarySource, glossaryTarget)
		if err != nil {
			return fmt.Errorf("failed to read glossary: %w", err)
		}

		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(glossaryFile{Source: glossarySource, Target: glossaryTarget, Terms: terms}); err != nil {
			return err
		}
		return enc.Close()
	},
}

var glossaryDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a glossary entry by ID",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openConfiguredStore()
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.DeleteGlossaryTerm(cmd.Context(), args[0]); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("no glossary entry %q", args[0])
			}
			return fmt.Errorf("failed to delete glossary entry: %w", err)
		}
		fmt.Printf("Deleted glossary entry: %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(glossaryCmd)

	glossaryCmd.PersistentFlags().StringVarP(&glossarySource, "source", "s", "", "source language code (e.g. en)")
	glossaryCmd.PersistentFlags().StringVarP(&glossaryTarget, "target", "t", "", "target language code (e.g. uk)")

	glossaryCmd.AddCommand(glossaryListCmd, glossaryAddCmd, glossaryImportCmd, glossaryExportCmd, glossaryDeleteCmd)
}
