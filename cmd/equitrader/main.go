package main

import (
	"os"

	"github.com/rustyeddy/equitrader/cmd/equitrader/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
