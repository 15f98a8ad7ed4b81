package main

import (
	"os"

	"github.com/conneroisu/bundlr/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
