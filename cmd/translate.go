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
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/valpere/mdtrans/internal"
	"github.com/valpere/mdtrans/internal/config"
	"github.com/valpere/mdtrans/internal/detector"
	"github.com/valpere/mdtrans/internal/markdown"
	"github.com/valpere/mdtrans/internal/pipeline"
	"github.com/valpere/mdtrans/internal/store"
	"github.com/valpere/mdtrans/internal/translator"
)

// maxInputSize is the largest document translate accepts.
const maxInputSize = 100 << 20

var (
	inputFile     string
	outputFile    string
	sourceLang    string
	targetLang    string
	backendName   string
	modelName     string
	concurrency   int
	maxRetries    int
	targetLines   int
	useRefine     bool
	protectInline bool
	checkLanguage bool
	contextWords  int
	dryRun        bool
	noCache       bool
	reportFile    string
)

var translateCmd = &cobra.Command{
	Use:   "translate",
	Short: "Translate a Markdown document",
	Long: `Translate a Markdown document while preserving its structure.

Examples:
  mdtrans translate -i README.md -o README.uk.md -t uk
  mdtrans translate -i book.md -o book.zh.md --backend ollama --model qwen2.5:14b
  mdtrans translate -i guide.md -o guide.de.md -t de --dry-run

Every accepted chunk is saved to translation memory as soon as it is
translated, so an interrupted run resumes where it stopped. Use --no-cache
to translate everything again.

Chunks that cannot be translated keep their original text and are listed
at the end of the run (and in --report).

Two-pass translation:
  --refine      Ask the model to polish each accepted chunk`,
	RunE: runTranslate,
}

func runTranslate(cmd *cobra.Command, args []string) error {
	if err := checkPaths(inputFile, outputFile); err != nil {
		return err
	}
	text, err := readInput(inputFile)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyTranslateFlags(cmd, cfg)

	logger, err := buildLogger(cfg.Log)
	if err != nil {
		return err
	}

	if dryRun {
		return printPlan(cmd.OutOrStdout(), text, cfg)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	src := resolveSourceLang(cfg.Translate.SourceLang, text, logger)

	backend, err := translator.New(ctx, cfg.API)
	if err != nil {
		return fmt.Errorf("failed to create %s backend: %w", cfg.API.Backend, err)
	}
	if c, ok := backend.(io.Closer); ok {
		defer c.Close()
	}
	if cfg.Translate.Refine && backend.Name() == "google" {
		logger.Warn("refinement needs an LLM backend, disabled", "backend", backend.Name())
		cfg.Translate.Refine = false
	}

	var db *store.Store
	if cfg.Store.Enabled {
		db, err = openStore(cfg.Store.Path)
		if err != nil {
			return err
		}
		defer db.Close()
	}

	var glossary map[string]string
	if db != nil {
		glossary, err = db.GetGlossaryTerms(ctx, src, cfg.Translate.TargetLang)
		if err != nil {
			logger.Warn("failed to load glossary", "error", err)
		} else if len(glossary) > 0 {
			logger.Info("glossary loaded", "terms", len(glossary))
		}
	}

	opts := []pipeline.Option{pipeline.WithLogger(logger)}
	if db != nil && !noCache {
		opts = append(opts, pipeline.WithMemory(db))
	}
	if cfg.Validation.CheckLanguage {
		opts = append(opts, pipeline.WithLanguageDetector(detector.Shared()))
	}
	progress := newProgressReporter(os.Stderr, logger, stderrIsTerminal())
	opts = append(opts, pipeline.WithProgress(progress.Update))

	run := internal.Run{
		ID:         uuid.NewString(),
		InputFile:  inputFile,
		OutputFile: outputFile,
		SourceLang: src,
		TargetLang: cfg.Translate.TargetLang,
		Backend:    backend.Name(),
		Model:      cfg.API.Model,
		Status:     internal.RunRunning,
		StartedAt:  time.Now(),
	}
	if db != nil {
		if err := db.CreateRun(ctx, run); err != nil {
			logger.Warn("failed to record run", "error", err)
		}
	}

	logger.Info("translating",
		"run", run.ID,
		"input", inputFile,
		"source", src,
		"target", cfg.Translate.TargetLang,
		"backend", backend.Name(),
		"model", cfg.API.Model,
	)
	res, runErr := pipeline.Translate(ctx, text, backend, cfg.Pipeline(src, glossary), opts...)
	progress.Finish()

	finishRun(db, &run, res, runErr, logger)

	if res == nil {
		return runErr
	}
	if err := writeOutput(outputFile, res.Document); err != nil {
		return err
	}
	if reportFile != "" {
		if err := writeReport(reportFile, newRunReport(run, res)); err != nil {
			return err
		}
	}
	printSummary(cmd.OutOrStdout(), run, res)

	if runErr != nil {
		return fmt.Errorf("partial output written to %s: %w", outputFile, runErr)
	}
	return nil
}

// checkPaths refuses to overwrite the input with the output.
func checkPaths(input, output string) error {
	in, err := filepath.Abs(input)
	if err != nil {
		return fmt.Errorf("invalid input path: %w", err)
	}
	out, err := filepath.Abs(output)
	if err != nil {
		return fmt.Errorf("invalid output path: %w", err)
	}
	if in == out {
		return fmt.Errorf("input file and output file cannot be the same")
	}
	return nil
}

func readInput(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("failed to read input file: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("input %s is a directory", path)
	}
	if info.Size() > maxInputSize {
		return "", fmt.Errorf("input file is %s, larger than the %s limit",
			humanize.IBytes(uint64(info.Size())), humanize.IBytes(maxInputSize))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read input file: %w", err)
	}
	return string(data), nil
}

func writeOutput(path, document string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(document), 0644); err != nil {
		return fmt.Errorf("failed to write output file: %w", err)
	}
	return nil
}

func applyTranslateFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("source") {
		cfg.Translate.SourceLang = sourceLang
	}
	if flags.Changed("target") {
		cfg.Translate.TargetLang = targetLang
	}
	if flags.Changed("backend") {
		cfg.API.Backend = backendName
	}
	if flags.Changed("model") {
		cfg.API.Model = modelName
	}
	if flags.Changed("concurrency") {
		cfg.Pool.Concurrency = concurrency
	}
	if flags.Changed("max-retries") {
		cfg.Pool.MaxRetries = maxRetries
	}
	if flags.Changed("target-lines") {
		cfg.Chunk.TargetLines = targetLines
	}
	if flags.Changed("refine") {
		cfg.Translate.Refine = useRefine
	}
	if flags.Changed("protect-inline") {
		cfg.Translate.ProtectInline = protectInline
	}
	if flags.Changed("context-words") {
		cfg.Translate.ContextWords = contextWords
	}
	if flags.Changed("check-language") {
		cfg.Validation.CheckLanguage = checkLanguage
	}
}

// resolveSourceLang detects the document language when lang is "auto".
// Detection failures keep "auto", which the prompt treats as unknown.
func resolveSourceLang(lang, text string, logger *slog.Logger) string {
	if lang != "auto" {
		return lang
	}
	detected, ok := detector.Shared().DetectISO(markdown.ProseText(text))
	if !ok {
		logger.Warn("could not detect source language")
		return lang
	}
	logger.Info("detected source language", "lang", detected)
	return detected
}

func printPlan(w io.Writer, text string, cfg *config.Config) error {
	plan, err := pipeline.New(nil, cfg.Pipeline(cfg.Translate.SourceLang, nil)).Plan(text)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tID\tLINES\tCOUNT\tUNSAFE")
	for _, c := range plan.Chunks {
		fmt.Fprintf(tw, "%d\t%s\t%d-%d\t%d\t%v\n",
			c.SequenceIndex, c.ID, c.StartLine+1, c.EndLine, c.Lines(), c.UnsafeSplit)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(w, "\n%s lines in %s chunks (target %d lines per chunk)\n",
		humanize.Comma(int64(plan.TotalLines)), humanize.Comma(int64(len(plan.Chunks))), cfg.Chunk.TargetLines)
	for _, warning := range plan.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warning)
	}
	return nil
}

// finishRun records the outcome of the run. It uses a fresh context so a
// cancelled run is still recorded.
func finishRun(db *store.Store, run *internal.Run, res *pipeline.Result, runErr error, logger *slog.Logger) {
	now := time.Now()
	run.FinishedAt = &now
	run.Status = runStatus(res, runErr)
	if runErr != nil {
		run.Error = runErr.Error()
	}

	var records []internal.ChunkRecord
	if res != nil {
		run.TotalChunks = res.Stats.TotalChunks
		run.Succeeded = res.Stats.Succeeded
		run.Failed = res.Stats.Failed
		run.CacheHits = res.Stats.CacheHits
		run.APICalls = res.Stats.APICalls
		records = make([]internal.ChunkRecord, 0, len(res.Outcomes))
		for _, o := range res.Outcomes {
			records = append(records, internal.ChunkRecord{
				RunID:         run.ID,
				ChunkID:       o.ChunkID,
				SequenceIndex: o.SequenceIndex,
				StartLine:     o.StartLine,
				EndLine:       o.EndLine,
				State:         o.State.String(),
				Attempts:      o.Attempts,
				Elapsed:       o.Elapsed,
				Cached:        o.Cached,
				Refined:       o.Refined,
				UnsafeSplit:   o.UnsafeSplit,
				Reason:        o.Reason,
			})
		}
	}

	if db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.FinishRun(ctx, *run, records); err != nil {
		logger.Warn("failed to record run result", "run", run.ID, "error", err)
	}
}

func runStatus(res *pipeline.Result, runErr error) string {
	switch {
	case errors.Is(runErr, pipeline.ErrCancelled):
		return internal.RunCancelled
	case runErr != nil:
		return internal.RunFailed
	case res.Stats.Failed > 0:
		return internal.RunPartial
	default:
		return internal.RunCompleted
	}
}

func printSummary(w io.Writer, run internal.Run, res *pipeline.Result) {
	s := res.Stats
	fmt.Fprintf(w, "Translated %s to %s: %s\n", run.SourceLang, run.TargetLang, run.OutputFile)
	fmt.Fprintf(w, "Chunks:     %d/%d succeeded (%.1f%%)", s.Succeeded, s.TotalChunks, s.SuccessRate()*100)
	if s.Failed > 0 {
		fmt.Fprintf(w, ", %d kept in source language", s.Failed)
	}
	if s.Cancelled > 0 {
		fmt.Fprintf(w, ", %d cancelled", s.Cancelled)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Lines:      %s\n", humanize.Comma(int64(s.TotalLines)))
	fmt.Fprintf(w, "API calls:  %s (%d retries, %d from memory)\n", humanize.Comma(int64(s.APICalls)), s.TotalRetries, s.CacheHits)
	fmt.Fprintf(w, "Time:       %s (%s per chunk)\n", s.TotalElapsed.Round(time.Millisecond), s.AverageChunkTime.Round(time.Millisecond))
	for _, f := range res.Failures {
		fmt.Fprintf(w, "  kept %s (lines %d-%d): %s\n", f.ChunkID, f.StartLine+1, f.EndLine, f.Reason)
	}
}

func init() {
	rootCmd.AddCommand(translateCmd)

	translateCmd.Flags().StringVarP(&inputFile, "input", "i", "", "Input Markdown file (required)")
	translateCmd.Flags().StringVarP(&outputFile, "output", "o", "", "Output file for the translation (required)")
	translateCmd.Flags().StringVarP(&sourceLang, "source", "s", "auto", "Source language code")
	translateCmd.Flags().StringVarP(&targetLang, "target", "t", "zh", "Target language code")

	translateCmd.Flags().StringVar(&backendName, "backend", "openai", "Backend: openai, ollama or google")
	translateCmd.Flags().StringVar(&modelName, "model", "", "Model name (overrides api.model)")
	translateCmd.Flags().IntVarP(&concurrency, "concurrency", "c", 5, "Chunks translated at once (1-20)")
	translateCmd.Flags().IntVar(&maxRetries, "max-retries", 3, "Retries per chunk after the first attempt")
	translateCmd.Flags().IntVar(&targetLines, "target-lines", 500, "Preferred chunk size in lines")

	translateCmd.Flags().BoolVar(&useRefine, "refine", false, "Enable the refinement pass (two-pass translation)")
	translateCmd.Flags().BoolVar(&protectInline, "protect-inline", false, "Replace inline code and HTML tags with placeholders before sending")
	translateCmd.Flags().IntVar(&contextWords, "context-words", 0, "Trailing words of the previous chunk shown to the model as context")
	translateCmd.Flags().BoolVar(&checkLanguage, "check-language", false, "Reject chunks that are not in the target language")

	translateCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the chunk plan without translating")
	translateCmd.Flags().BoolVar(&noCache, "no-cache", false, "Disable translation memory")
	translateCmd.Flags().StringVar(&reportFile, "report", "", "Write run statistics to a YAML or JSON file")

	translateCmd.MarkFlagRequired("input")
	translateCmd.MarkFlagRequired("output")
}
