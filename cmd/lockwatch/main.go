package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/prudhvinik1/venuelock/internal/cli"
)

func main() {
	_ = godotenv.Load()

	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
