package cli

import (
	"errors"
	"flag"
	"fmt"
	"strings"

	"taxid2wgs/internal/config"
	"taxid2wgs/internal/pipeline"
)

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	taxid := fs.String("taxid", "", "taxid of the run to inspect (required)")
	exclude := fs.String("exclude", "", "excluded taxid of the run, if any")
	configPath := fs.String("config", config.DefaultConfigPath, "config file path")
	runsDir := fs.String("runs-dir", "", "runs directory override")
	outputDir := fs.String("output-dir", "", "output directory override")
	watch := fs.Bool("watch", false, "live dashboard; refreshes until quit")
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

	opts := pipeline.StatusOptions{
		IncludeTaxid: include,
		ExcludeTaxid: strings.TrimSpace(*exclude),
		Settings:     set,
	}
	if *watch {
		return watchStatus(opts)
	}

	rep, err := pipeline.Inspect(opts)
	if err != nil {
		return err
	}
	if *jsonOut {
		return printJSON(rep)
	}
	fmt.Print(statusText(rep))
	return nil
}

func statusText(rep pipeline.StatusReport) string {
	var b strings.Builder
	mf := rep.Manifest
	fmt.Fprintf(&b, "%s [%s]\n", rep.ManifestKey, mf.Mode)
	fmt.Fprintf(&b, "  run dir: %s\n", rep.RunDir)
	fmt.Fprintf(&b, "  output: %s (%s)\n", rep.OutputPath, formatBytesIEC(rep.OutputBytes))
	fmt.Fprintf(&b, "  projects: %d total, %d done, %d failed\n", mf.Total, mf.Done, mf.Failed)
	if n := mf.Pending + mf.Downloading + mf.Downloaded + mf.Parsing; n > 0 {
		fmt.Fprintf(&b, "  in flight: %d pending, %d downloading, %d downloaded, %d parsing\n",
			mf.Pending, mf.Downloading, mf.Downloaded, mf.Parsing)
	}
	if rep.ActiveDownload || rep.ActiveParse {
		fmt.Fprintf(&b, "  active instances: download=%t parse=%t\n", rep.ActiveDownload, rep.ActiveParse)
	}
	for _, row := range rep.Rows {
		if row.State != "failed" {
			continue
		}
		fmt.Fprintf(&b, "  failed %s after %d attempts: %s\n", row.Prefix, row.Attempts, row.LastError)
	}
	for _, w := range rep.Warnings {
		fmt.Fprintf(&b, "  warning: %s\n", w)
	}
	return b.String()
}
