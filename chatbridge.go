package main

import (
	_ "embed"
	"fmt"
	"os"

	cli "github.com/neboloop/chatbridge/cmd/chatbridge"
	"github.com/neboloop/chatbridge/internal/config"
	"github.com/neboloop/chatbridge/internal/defaults"

	"github.com/joho/godotenv"
)

//go:embed etc/chatbridge.yaml
var embeddedConfig []byte

func main() {
	// Load .env file if present (ignore error if not found)
	_ = godotenv.Load()

	// Embedded defaults, then <data_dir>/config.yaml on top
	path, err := defaults.Path(defaults.ConfigFile)
	if err != nil {
		path = ""
	}
	c, err := config.Load(embeddedConfig, path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := cli.SetupRootCmd(&c).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
