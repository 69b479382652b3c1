package main

import (
	"errors"
	"fmt"
	"os"

	"taxid2wgs/internal/cli"
	"taxid2wgs/internal/pipeline"
)

// Exit codes: 0 success, 3 run finished but some projects failed for
// good, 1 anything fatal.
func main() {
	err := cli.Run(os.Args[1:])
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, "error:", err)
	var failed *pipeline.FailedPrefixesError
	if errors.As(err, &failed) {
		os.Exit(3)
	}
	os.Exit(1)
}
