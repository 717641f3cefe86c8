package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mailpipe/worker/internal/classify/llm"
	"github.com/mailpipe/worker/internal/config"
	"github.com/mailpipe/worker/internal/database"
	"github.com/mailpipe/worker/internal/gmail"
	"github.com/mailpipe/worker/internal/process"
	"github.com/mailpipe/worker/internal/repository"
	"github.com/mailpipe/worker/internal/supervisor"
	"github.com/mailpipe/worker/internal/sync"
	"github.com/mailpipe/worker/internal/vault"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	log.Println("Database connected successfully")

	log.Println("Running database migrations...")
	if err := database.RunMigrations(db, "migrations"); err != nil {
		return err
	}
	log.Println("Migrations completed successfully")

	accountRepo := repository.NewAccountRepository(db.Gorm)
	mailRowRepo := repository.NewMailRowRepository(db.Gorm)
	subscriptionRepo := repository.NewSubscriptionRepository(db.Gorm)

	cipher, err := vault.NewCipher(cfg.TokenEncryptionKey)
	if err != nil {
		return err
	}

	gmailClient := gmail.NewClient(cfg.GoogleClientID, cfg.GoogleClientSecret)
	tokenBroker := vault.New(accountRepo, gmailClient, cipher, time.Duration(cfg.TokenRefreshBufferMS)*time.Millisecond)

	llmClient := llm.NewClient(llm.Config{
		APIKey:        cfg.AnthropicAPIKey,
		MaxTokens:     cfg.LMMaxTokens,
		Temperature:   cfg.LMTemperature,
		Timeout:       time.Duration(cfg.LMTimeoutMS) * time.Millisecond,
		RetryDelays:   retryDelays(cfg.LMRetryDelaysMS),
		TruncateChars: cfg.LMContentTruncateChars,
	})

	syncRunner := sync.New(accountRepo, mailRowRepo, tokenBroker, gmailClient, sync.Config{
		MonthsBack:            cfg.MonthsBack,
		InterPageDelay:        time.Duration(cfg.ProcessingDelayMS) * time.Millisecond,
		StaleProcessingThresh: time.Duration(cfg.StaleProcessingThresholdMin) * time.Minute,
	})

	processRunner := process.New(accountRepo, mailRowRepo, subscriptionRepo, llmClient, process.Config{
		KeywordConfidenceThreshold: cfg.KeywordConfidenceThreshold,
		BatchSize:                  cfg.ProcessingBatchSize,
		InterBatchDelay:            time.Duration(cfg.ProcessingDelayMS) * time.Millisecond,
	})

	super := supervisor.New(accountRepo, syncRunner, processRunner)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Println("Resuming any sync/process runs interrupted by a prior shutdown...")
	super.ResumeInterrupted(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	log.Println("Shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeout)*time.Second)
	defer shutdownCancel()
	<-shutdownCtx.Done()

	log.Println("Shutdown complete")
	return nil
}

func retryDelays(ms []int) []time.Duration {
	delays := make([]time.Duration, len(ms))
	for i, v := range ms {
		delays[i] = time.Duration(v) * time.Millisecond
	}
	return delays
}
