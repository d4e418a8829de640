// Package main is the entry point for the alertfeed server and CLI.
package main

import (
	"os"

	"alertfeed/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
