package main

import (
	"fmt"
	"os"

	"github.com/prologin/stechec-cluster/internal/cli"
)

func main() {
	if err := cli.BuildCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
