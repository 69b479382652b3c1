package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"taxid2wgs/internal/config"
	"taxid2wgs/internal/pipeline"
)

func runDownload(args []string) error {
	return runPipelineMode("download", pipeline.ModeDownload, args)
}

func runParse(args []string) error {
	return runPipelineMode("parse", pipeline.ModeParse, args)
}

func runPipeline(name string, args []string) error {
	return runPipelineMode(name, pipeline.ModeNormal, args)
}

func runPipelineMode(name string, mode pipeline.Mode, args []string) error {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	taxid := fs.String("taxid", "", "taxid whose subtree to collect (required)")
	exclude := fs.String("exclude", "", "taxid subtree to leave out")
	configPath := fs.String("config", config.DefaultConfigPath, "config file path")
	runsDir := fs.String("runs-dir", "", "runs directory override")
	outputDir := fs.String("output-dir", "", "output directory override")
	fetchAhead := fs.Int("fetch-ahead", 0, "concurrent download override (0 = config/default)")
	maxAttempts := fs.Int("max-attempts", 0, "per-project attempt bound override (0 = config/default)")
	force := fs.Bool("force", false, "discard prior run state and the output file, keep downloads")
	reverse := fs.Bool("reverse", mode == pipeline.ModeParse, "walk the catalog in reverse order")
	verbose := fs.Bool("verbose", false, "one line per event instead of the rolling indicator")
	quiet := fs.Bool("quiet", false, "suppress progress output")
	jsonOut := fs.Bool("json", false, "print JSON result")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}

	include := strings.TrimSpace(*taxid)
	if include == "" {
		fs.Usage()
		return errors.New("--taxid is required")
	}

	set, err := config.Load(strings.TrimSpace(*configPath))
	if err != nil {
		return err
	}
	if dir := strings.TrimSpace(*runsDir); dir != "" {
		set.RunsDir = dir
	}
	if dir := strings.TrimSpace(*outputDir); dir != "" {
		set.OutputDir = dir
	}
	if *fetchAhead > 0 {
		set.FetchAhead = *fetchAhead
	}
	if *maxAttempts > 0 {
		set.MaxAttempts = *maxAttempts
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, runErr := pipeline.Run(ctx, pipeline.Options{
		IncludeTaxid: include,
		ExcludeTaxid: strings.TrimSpace(*exclude),
		Mode:         mode,
		Force:        *force,
		Reverse:      *reverse,
		Verbose:      *verbose,
		Quiet:        *quiet || *jsonOut,
		Settings:     set,
	})
	if *jsonOut {
		if err := printJSON(res); err != nil {
			return err
		}
	} else if runErr == nil && res.OutputPath != "" && res.Remaining == 0 && res.Failed == 0 {
		fmt.Printf("output: %s (%d records)\n", res.OutputPath, res.RecordsWritten)
	}
	return runErr
}
