// Command mcp exposes the lockdrop API as MCP tools for LLM agents over stdio.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/lockdrop/internal/account"
	"github.com/mbd888/lockdrop/internal/mcpserver"
)

// Version is set by ldflags.
var Version = "dev"

func main() {
	_ = godotenv.Load()

	cfg := mcpserver.Config{
		APIURL:  envOrDefault("LOCKDROP_API_URL", "http://localhost:8080"),
		APIKey:  os.Getenv("LOCKDROP_API_KEY"),
		Account: os.Getenv("LOCKDROP_ACCOUNT"),
	}

	if cfg.APIKey == "" {
		fmt.Fprintln(os.Stderr, "LOCKDROP_API_KEY is required")
		os.Exit(1)
	}
	if !account.Valid(cfg.Account) {
		fmt.Fprintln(os.Stderr, "LOCKDROP_ACCOUNT must be the account the API key is bound to")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg, Version)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
