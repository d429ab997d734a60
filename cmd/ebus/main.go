package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/veldtlabs/ebus/internal/cmd"
)

func main() {
	// .env is optional; absence is not an error
	_ = godotenv.Load()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ebus:", err)
		os.Exit(1)
	}
}
