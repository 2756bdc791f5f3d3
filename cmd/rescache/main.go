package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/meigma/rescache"
	"github.com/meigma/rescache/cmd/rescache/commands"
)

// Build-time variables injected via ldflags
var (
	version = "dev"
	commit  = "none"
)

func main() {
	commands.SetVersion(version, commit)
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if errors.Is(err, rescache.ErrHandlesExhausted) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
