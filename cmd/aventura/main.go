// Command aventura is the entry point for the Aventura story engine.
package main

import (
	"os"

	"github.com/joho/godotenv"

	"github.com/surfacecoaster/Aventura-custom/internal/cli"
)

func main() {
	// A .env file is optional; variables already set in the environment win.
	_ = godotenv.Load()

	if err := cli.RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
