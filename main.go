// Package main is the entry point for warden.
package main

import (
	"fmt"
	"os"

	"warden/cmd"
)

func main() {
	if err := cmd.NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
