package cli

import (
	"errors"
	"flag"
	"fmt"
	"strings"

	"taxid2wgs/internal/config"
	"taxid2wgs/internal/pipeline"
)

func runReset(args []string) error {
	fs := flag.NewFlagSet("reset", flag.ContinueOnError)
	taxid := fs.String("taxid", "", "taxid of the run to reset (required)")
	exclude := fs.String("exclude", "", "excluded taxid of the run, if any")
	prefix := fs.String("prefix", "", "reset a single project instead of the whole run")
	configPath := fs.String("config", config.DefaultConfigPath, "config file path")
	runsDir := fs.String("runs-dir", "", "runs directory override")
	outputDir := fs.String("output-dir", "", "output directory override")
	yes := fs.Bool("yes", false, "skip confirmation")
	jsonOut := fs.Bool("json", false, "print JSON output")
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

	target := "the whole run"
	if p := strings.TrimSpace(*prefix); p != "" {
		target = "project " + p
	}
	if !*yes {
		ok, err := promptConfirm(fmt.Sprintf("reset %s for taxid %s? [y/N] ", target, include))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("aborted")
			return nil
		}
	}

	res, err := pipeline.ResetRun(pipeline.ResetOptions{
		IncludeTaxid: include,
		ExcludeTaxid: strings.TrimSpace(*exclude),
		Prefix:       strings.TrimSpace(*prefix),
		Settings:     set,
	})
	if err != nil {
		return err
	}
	if *jsonOut {
		return printJSON(res)
	}

	if len(res.Prefixes) > 0 {
		fmt.Printf("reset %d project(s): %s\n", len(res.Prefixes), strings.Join(res.Prefixes, ", "))
	} else {
		fmt.Printf("reset run %s\n", res.ManifestKey)
	}
	if res.OutputGone {
		fmt.Println("output file removed; the next run rebuilds it")
	}
	fmt.Println("downloads were kept and will be reused")
	return nil
}
