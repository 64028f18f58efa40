package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hupe1980/vistore/ingest"
	"github.com/hupe1980/vistore/internal/fs"
	"github.com/hupe1980/vistore/reconstruction"
	"github.com/hupe1980/vistore/retrieval"
)

var v = viper.New()

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "vistore",
	Short: "Visual place-recognition feature store",
	Long: `vistore ingests photo collections of known camera reconstructions,
stores their local descriptors and answers "find similar images" queries
through a visual vocabulary.`,
	SilenceUsage: true,
}

var ingestCmd = &cobra.Command{
	Use:   "ingest <reconstruction>...",
	Short: "Import the images of one or more reconstructions",
	Long: `Import the images listed by each reconstruction's manifest.yaml.
With --recursive, every immediate subdirectory of the single argument is a
reconstruction.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

var vocabCmd = &cobra.Command{
	Use:   "vocab",
	Short: "Manage the visual vocabulary",
}

var vocabBuildCmd = &cobra.Command{
	Use:   "build",
	Short: "Train the vocabulary from the stored descriptors",
	RunE:  runVocabBuild,
}

var enrichCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Compute signatures for stored images that lack one",
	RunE:  runEnrich,
}

var queryCmd = &cobra.Command{
	Use:   "query <image>...",
	Short: "Find the most similar images",
	Long: `Rank the stored images (or the images below --gallery) by similarity
to each query image. A query image that is itself in the gallery is not
returned.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runQuery,
}

var manifestCmd = &cobra.Command{
	Use:   "manifest <dir>",
	Short: "Write a manifest.yaml listing the images below dir",
	Long: `Write a manifest for a directory of images with identity poses and
unknown intrinsics, so plain photo folders can be ingested.`,
	Args: cobra.ExactArgs(1),
	RunE: runManifest,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringP("config", "c", "", "config file path")
	pf.String("data-dir", "", "data directory")
	pf.String("log-level", "", "log level (debug, info, warn, error)")
	pf.String("log-format", "", "log format (text, json)")
	pf.String("metrics-addr", "", "serve Prometheus metrics on this address")

	_ = v.BindPFlag("data_dir", pf.Lookup("data-dir"))
	_ = v.BindPFlag("log.level", pf.Lookup("log-level"))
	_ = v.BindPFlag("log.format", pf.Lookup("log-format"))
	_ = v.BindPFlag("metrics.addr", pf.Lookup("metrics-addr"))

	ingestCmd.Flags().Bool("recursive", false, "treat subdirectories of the argument as reconstructions")
	ingestCmd.Flags().Int("workers", 0, "describe workers")
	ingestCmd.Flags().Int("batch-size", 0, "persist batch size")
	ingestCmd.Flags().Int("max-loaded", 0, "decoded images waiting for description")
	_ = v.BindPFlag("ingest.workers", ingestCmd.Flags().Lookup("workers"))
	_ = v.BindPFlag("ingest.batch_size", ingestCmd.Flags().Lookup("batch-size"))
	_ = v.BindPFlag("ingest.max_loaded", ingestCmd.Flags().Lookup("max-loaded"))

	vocabBuildCmd.Flags().Bool("rebuild", false, "replace an existing vocabulary")
	vocabBuildCmd.Flags().Int("branching", 0, "children per tree node")
	vocabBuildCmd.Flags().Int("depth", 0, "tree depth")
	vocabBuildCmd.Flags().Int("corpus-images", 0, "cap on training images (0 = all)")
	_ = v.BindPFlag("vocabulary.branching", vocabBuildCmd.Flags().Lookup("branching"))
	_ = v.BindPFlag("vocabulary.depth", vocabBuildCmd.Flags().Lookup("depth"))
	_ = v.BindPFlag("vocabulary.corpus_images", vocabBuildCmd.Flags().Lookup("corpus-images"))

	queryCmd.Flags().Int("k", 0, "results per query")
	queryCmd.Flags().String("gallery", "", "rank the images below this directory instead of the store")
	queryCmd.Flags().Int("threads", 0, "scoring threads for directory galleries")
	queryCmd.Flags().Int("max-gallery", 0, "cap on directory gallery size (0 = all)")
	queryCmd.Flags().StringP("format", "f", "text", "output format (text, json)")
	_ = v.BindPFlag("retrieval.k", queryCmd.Flags().Lookup("k"))
	_ = v.BindPFlag("retrieval.threads", queryCmd.Flags().Lookup("threads"))
	_ = v.BindPFlag("retrieval.max_gallery", queryCmd.Flags().Lookup("max-gallery"))

	vocabCmd.AddCommand(vocabBuildCmd)
	rootCmd.AddCommand(ingestCmd, vocabCmd, enrichCmd, queryCmd, manifestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	app, err := openApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	recursive, _ := cmd.Flags().GetBool("recursive")
	var sum ingest.Summary
	if recursive {
		if len(args) != 1 {
			return fmt.Errorf("--recursive takes exactly one directory")
		}
		sum, err = app.store.IngestRecursive(ctx, args[0])
	} else {
		sum, err = app.store.Ingest(ctx, args...)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Ingest complete:\n")
	fmt.Fprintf(out, "  Imported:        %d\n", sum.Imported)
	fmt.Fprintf(out, "  Persisted:       %d\n", sum.Persisted)
	fmt.Fprintf(out, "  Dropped missing: %d\n", sum.DroppedMissing)
	fmt.Fprintf(out, "  Dropped failed:  %d\n", sum.DroppedFailed)
	fmt.Fprintf(out, "  Failed batches:  %d\n", sum.FailedBatches)
	fmt.Fprintf(out, "  Duration:        %s\n", sum.Duration.Round(1e8))
	if err != nil {
		return err
	}
	return sum.Err()
}

func runVocabBuild(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	app, err := openApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	rebuild, _ := cmd.Flags().GetBool("rebuild")
	vocab, err := app.store.BuildVocabulary(ctx, rebuild)
	if err != nil {
		return fmt.Errorf("vocabulary build failed: %w", err)
	}
	p := vocab.Params()
	fmt.Fprintf(cmd.OutOrStdout(), "Vocabulary %q: %d words (k=%d, L=%d)\n",
		app.cfg.Vocabulary.Name, vocab.Words(), p.Branching, p.Depth)
	return nil
}

func runEnrich(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	app, err := openApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	sum, err := app.store.Enrich(ctx)
	if err != nil {
		return fmt.Errorf("enrich failed: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Enrich complete:\n")
	fmt.Fprintf(out, "  Enriched:            %d\n", sum.Enriched)
	fmt.Fprintf(out, "  Skipped:             %d\n", sum.Skipped)
	fmt.Fprintf(out, "  Missing descriptors: %d\n", sum.MissingDescriptors)
	fmt.Fprintf(out, "  Transform failed:    %d\n", sum.TransformFailed)
	fmt.Fprintf(out, "  Failed batches:      %d\n", sum.FailedBatches)
	return nil
}

func runQuery(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	app, err := openApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	gallery := app.store.Gallery()
	if dir, _ := cmd.Flags().GetString("gallery"); dir != "" {
		gallery = retrieval.DirGallery(dir, nil)
	}
	queries := make([]retrieval.Query, len(args))
	for i, p := range args {
		queries[i] = retrieval.Query{Path: p}
	}
	results, err := app.store.Retrieve(ctx, queries, gallery, retrieval.Options{
		K:          app.cfg.Retrieval.K,
		MaxGallery: app.cfg.Retrieval.MaxGallery,
		NumThreads: app.cfg.Retrieval.Threads,
	})
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}

	format, _ := cmd.Flags().GetString("format")
	return printResults(cmd.OutOrStdout(), args, results, format)
}

type queryOutput struct {
	Query   string             `json:"query"`
	Results []retrieval.Result `json:"results"`
}

func printResults(w io.Writer, queries []string, results [][]retrieval.Result, format string) error {
	if format == "json" {
		out := make([]queryOutput, len(queries))
		for i, q := range queries {
			out[i] = queryOutput{Query: q, Results: results[i]}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	for i, q := range queries {
		fmt.Fprintf(w, "%s\n", q)
		if len(results[i]) == 0 {
			fmt.Fprintln(w, "  (no results)")
		}
		for rank, r := range results[i] {
			fmt.Fprintf(w, "  %2d. %.4f  %s", rank+1, r.Score, r.Path)
			if r.ID >= 0 {
				fmt.Fprintf(w, "  (id %d)", r.ID)
			}
			fmt.Fprintln(w)
		}
	}
	return nil
}

func runManifest(cmd *cobra.Command, args []string) error {
	dir := args[0]
	var refs []ingest.ImageRef
	err := fs.Walk(fs.Default, dir, func(p string) bool {
		switch strings.ToLower(filepath.Ext(p)) {
		case ".jpg", ".jpeg", ".png":
			refs = append(refs, ingest.ImageRef{Path: p})
		}
		return true
	})
	if err != nil {
		return err
	}

	path := filepath.Join(dir, reconstruction.DefaultManifestName)
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := reconstruction.WriteManifest(f, refs, dir); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (%d images)\n", path, len(refs))
	return nil
}
