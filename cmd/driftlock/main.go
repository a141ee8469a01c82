package main

import (
	"os"

	"github.com/driftlock/driftlock/cmd/driftlock/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
