package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/mentionrelay/mention-relay/internal/api"
	"github.com/mentionrelay/mention-relay/internal/biz/usecase"
	"github.com/mentionrelay/mention-relay/internal/budget"
	"github.com/mentionrelay/mention-relay/internal/conf"
	"github.com/mentionrelay/mention-relay/internal/data"
	"github.com/mentionrelay/mention-relay/internal/infra/openai"
	"github.com/mentionrelay/mention-relay/internal/infra/source"
	"github.com/mentionrelay/mention-relay/internal/service"
)

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	// Load configuration
	cfg := conf.LoadFromEnv()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	// Durable state, loaded before anything that might consume quota
	stateRepo, err := data.NewStateRepo(cfg.Storage.StatePath)
	if err != nil {
		log.Fatalf("Failed to open state store: %v", err)
	}
	fmt.Printf("[Relay] State file: %s\n", cfg.Storage.StatePath)

	archiveRepo, err := data.NewArchiveRepo(cfg.Storage.ArchivePath)
	if err != nil {
		log.Fatalf("Failed to open archive: %v", err)
	}
	defer archiveRepo.Close()

	// Budget buckets sized from the platform's documented ceilings; the
	// reply-cap buckets are registered by the scheduler from live config.
	window := float64(cfg.Source.WindowSeconds)
	tracker := budget.NewTracker(map[string]budget.Limit{
		budget.ResourceRemoteRead: {
			Capacity: float64(cfg.Source.ReadsPerWindow), RefillPerSec: float64(cfg.Source.ReadsPerWindow) / window,
		},
		budget.ResourceRemoteWrite: {
			Capacity: float64(cfg.Source.WritesPerWindow), RefillPerSec: float64(cfg.Source.WritesPerWindow) / window,
		},
		budget.ResourceLLMRequest: {
			Capacity: float64(cfg.LLM.RequestsPerMinute), RefillPerSec: float64(cfg.LLM.RequestsPerMinute) / 60,
		},
		budget.ResourceLLMTokens: {
			Capacity: float64(cfg.LLM.TokensPerMinute), RefillPerSec: float64(cfg.LLM.TokensPerMinute) / 60,
		},
	})

	// Clients
	sourceClient := source.NewClient(
		cfg.Source.BaseURL, cfg.Source.AccessToken,
		tracker, stateRepo,
		cfg.Source.ReadsPerWindow, cfg.Source.WritesPerWindow,
	)
	generator := openai.NewClient(cfg.LLM.APIKey, cfg.LLM.BaseURL, cfg.LLM.Model, tracker, cfg.Bot.MaxResponseLength)

	// Usecases and scheduler
	filterUC := usecase.NewFilterUsecase(archiveRepo)
	provider := conf.NewStaticProvider(cfg.Bot)

	scheduler := service.NewScheduler(
		provider,
		sourceClient, sourceClient, generator,
		stateRepo, archiveRepo,
		filterUC, tracker,
		cfg.LLM.SystemPrompt,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Operator API for dashboards and relay-mcp
	apiServer := api.NewServer(ctx, scheduler, archiveRepo, cfg.API.Port)
	go func() {
		if err := apiServer.Start(); err != nil {
			fmt.Printf("[Relay] API server stopped: %v\n", err)
		}
	}()

	scheduler.Start(ctx)

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\nShutting down...")
	scheduler.Stop()
	apiServer.Stop()
	cancel()
}
