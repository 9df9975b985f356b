package main

import (
	"fmt"
	"os"

	"github.com/roquehomemaster/listingsync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "listingsync:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
