package main

import (
	"os"

	"github.com/crankbench/crank/cmd/crank-agent/cmd"
)

func main() {
	if err := cmd.RootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
