// Command tally records financial transactions offline and synchronizes
// them with a remote data service.
package main

import (
	"context"
	"os"

	"github.com/roach88/tally/internal/cli"
)

func main() {
	os.Exit(cli.Execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}
