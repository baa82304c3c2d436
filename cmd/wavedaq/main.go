package main

import (
	"os"

	"github.com/jt05610/wavedaq/cmd/wavedaq/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
