package main

import (
	"os"

	"github.com/lazypower/signalcore/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
