package main

import (
	"os"

	"github.com/NForce-ai/SDRbot/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
