package main

import (
	"os"

	"github.com/javi11/umdblock/cmd/umdblock/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
