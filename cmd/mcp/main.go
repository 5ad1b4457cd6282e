// escrowd MCP Server - Exposes escrow and refund operations as MCP tools for LLMs
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/escrowd/internal/mcpserver"
	"github.com/mbd888/escrowd/internal/validation"
)

func main() {
	cfg := mcpserver.Config{
		APIURL:        envOrDefault("ESCROWD_API_URL", "http://localhost:8080"),
		Account:       os.Getenv("ESCROWD_ACCOUNT"),
		AdminIdentity: os.Getenv("ESCROWD_ADMIN_IDENTITY"),
		AdminSecret:   os.Getenv("ESCROWD_ADMIN_SECRET"),
	}

	if !validation.IsValidAccount(cfg.Account) {
		fmt.Fprintln(os.Stderr, "ESCROWD_ACCOUNT must be a valid account identifier")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg)
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
