package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/flowpilot/flowpilot"
	"github.com/flowpilot/flowpilot/api"
)

type config struct {
	Addr         string
	DatabaseURL  string
	PollInterval time.Duration
	BatchSize    int
	JobLease     time.Duration
	Workers      int
}

func main() {
	loadDotEnv()
	cfg := loadConfig()

	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connect to postgres: %v", err)
	}
	defer pool.Close()

	if err := flowpilot.RunMigrations(ctx, pool); err != nil {
		log.Fatalf("run migrations: %v", err)
	}

	store := flowpilot.NewPostgresStore(pool)
	txManager := flowpilot.NewPgTxManager(pool)
	queues := flowpilot.NewQueueSet(store)
	executor := flowpilot.NewWorkflowExecutor(store, txManager, queues)

	processors := flowpilot.DefaultProcessors(executor, nil)
	workerOpts := []flowpilot.WorkerOption{
		flowpilot.WithPollInterval(cfg.PollInterval),
		flowpilot.WithBatchSize(cfg.BatchSize),
	}
	if cfg.JobLease > 0 {
		workerOpts = append(workerOpts, flowpilot.WithJobLease(cfg.JobLease))
	}

	pool2 := flowpilot.NewWorkerPool(store, processors, cfg.Workers, workerOpts...)
	pool2.Start(ctx)
	defer pool2.Stop()

	server := api.NewServer(store, executor, queues)
	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.Router(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("flowpilot listening on %s (%d workers)", cfg.Addr, cfg.Workers)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("listen: %v", err)
	}

	log.Print("flowpilot stopped")
}

func loadConfig() config {
	return config{
		Addr:         getenv("FLOWPILOT_ADDR", ":8080"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		PollInterval: time.Duration(getenvInt("FLOWPILOT_POLL_INTERVAL_MS", 1000)) * time.Millisecond,
		BatchSize:    getenvInt("FLOWPILOT_BATCH_SIZE", 5),
		JobLease:     time.Duration(getenvInt("FLOWPILOT_JOB_LEASE_MS", 0)) * time.Millisecond,
		Workers:      getenvInt("FLOWPILOT_WORKERS", 1),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using %d", key, raw, fallback)
		return fallback
	}
	return v
}

func loadDotEnv() {
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for i := 0; i < 5; i++ {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			_ = godotenv.Load(envPath)
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}
