// admin-token issues a short-lived admin JWT for the settlement admin API.
// Run with: go run ./cmd/admin-token -config config.yaml -sub ops@example.com
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/chainsafe/offramp-middleware/pkg/auth"
	"github.com/chainsafe/offramp-middleware/pkg/config"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	subject := flag.String("sub", "", "Operator identity recorded as the actor of admin actions")
	ttl := flag.Duration("ttl", time.Hour, "Token lifetime")
	flag.Parse()

	if *subject == "" {
		fmt.Fprintln(os.Stderr, "-sub is required")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if cfg.Admin.JWTSecret == "" {
		fmt.Fprintln(os.Stderr, "admin.jwt_secret is not set; the admin API is disabled")
		os.Exit(1)
	}

	token, err := auth.IssueToken(cfg.Admin.JWTSecret, cfg.Admin.Issuer, *subject, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "Token for %s expires at %s\n", *subject, time.Now().Add(*ttl).UTC().Format(time.RFC3339))
	fmt.Fprintln(os.Stderr, "Use it as: Authorization: Bearer <token>")
}
