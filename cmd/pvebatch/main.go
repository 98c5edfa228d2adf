// Package main is the entry point for pvebatch.
package main

import (
	"os"

	"github.com/jamesprial/pvebatch/internal/cli"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cli.SetVersion(version)
	os.Exit(cli.Execute())
}
