package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/mentionrelay/mention-relay/mcpserver"
)

// relay-mcp is the MCP companion binary: it exposes the running relay's
// status and controls as MCP tools over stdio, calling the relay's local
// HTTP API. Point RELAY_API_URL at the relay (default local port).
func main() {
	godotenv.Load()

	apiURL := os.Getenv("RELAY_API_URL")
	if apiURL == "" {
		apiURL = "http://127.0.0.1:9810"
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	server := mcpserver.NewServer(apiURL)
	if err := server.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("MCP server error: %v", err)
	}
}
