package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/chainsafe/offramp-middleware/pkg/app"
	"github.com/chainsafe/offramp-middleware/pkg/app/settlement"
	"github.com/chainsafe/offramp-middleware/pkg/config"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	var runner app.Runner = settlement.NewServer(cfg)
	if err := runner.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Settlement service exited: %v\n", err)
		os.Exit(1)
	}
}
