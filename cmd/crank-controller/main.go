package main

import (
	"os"

	"github.com/crankbench/crank/cmd/crank-controller/cmd"
)

func main() {
	if err := cmd.RootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
