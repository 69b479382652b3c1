package cli

import (
	"flag"
	"fmt"
	"runtime/debug"
)

func runVersion(args []string) error {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "print JSON output")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}

	version, commit := buildVersion()
	if *jsonOut {
		return printJSON(map[string]string{"version": version, "commit": commit})
	}
	fmt.Printf("taxid2wgs %s", version)
	if commit != "" {
		fmt.Printf(" (%s)", commit)
	}
	fmt.Println()
	return nil
}

func buildVersion() (version, commit string) {
	version = "devel"
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return version, ""
	}
	if info.Main.Version != "" && info.Main.Version != "(devel)" {
		version = info.Main.Version
	}
	for _, kv := range info.Settings {
		if kv.Key == "vcs.revision" && len(kv.Value) >= 12 {
			commit = kv.Value[:12]
		}
	}
	return version, commit
}
