// Package cli wires the command surface: flag parsing, dispatch, and
// human/JSON rendering around the pipeline.
package cli

import "fmt"

func Run(args []string) error {
	if len(args) == 0 {
		printRootUsage()
		return nil
	}

	switch args[0] {
	case "run":
		return runPipeline("run", args[1:])
	case "download":
		return runDownload(args[1:])
	case "parse":
		return runParse(args[1:])
	case "status":
		return runStatus(args[1:])
	case "reset":
		return runReset(args[1:])
	case "version":
		return runVersion(args[1:])
	case "help", "-h", "--help":
		printRootUsage()
		return nil
	default:
		printRootUsage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printRootUsage() {
	fmt.Println("taxid2wgs: collect and merge WGS project sequences for a taxonomic subtree")
	fmt.Println()
	fmt.Println("Quick Start:")
	fmt.Println("  taxid2wgs run --taxid 1386")
	fmt.Println("  taxid2wgs run --taxid 1386 --exclude 1392")
	fmt.Println("  taxid2wgs status --taxid 1386")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run       download and merge every project; resumes where it left off")
	fmt.Println("  download  download projects only (pair with parse in another terminal)")
	fmt.Println("  parse     merge already-downloaded projects, walking the catalog in reverse")
	fmt.Println("  status    state rollup for a run (--json, --watch)")
	fmt.Println("  reset     roll a finished run (or one project) back to pending")
	fmt.Println("  version   print build version")
	fmt.Println()
	fmt.Println("Notes:")
	fmt.Println("  - Interrupt any command freely; re-running the same command resumes")
	fmt.Println("  - download + parse can work the same run from two terminals at once")
	fmt.Println("  - Use --json on commands for machine-readable output")
}
