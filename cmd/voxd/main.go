package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/voxd-app/voxd/internal/log"
)

var version = "0.1.0"

func init() {
	// Load .env if present (silent fail if not found)
	_ = godotenv.Load()

	// Debug logging is enabled via VOXD_DEBUG=1
	_ = log.Init()
}

func main() {
	defer log.Sync()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
