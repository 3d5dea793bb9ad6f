package main

import (
	"os"

	"github.com/nadir/stride/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
