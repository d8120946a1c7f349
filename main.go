package main

import (
	"os"

	"github.com/loxc/loxc/cmd"
)

func main() {
	if err := cmd.App().Execute(); err != nil {
		os.Exit(1)
	}
}
