package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/nveshaan/offroad-navigation/internal/config"
	"github.com/nveshaan/offroad-navigation/internal/trainer"
)

func main() {
	cfgPath := flag.String("config", "configs/train.yaml", "Path to YAML config")
	dataPath := flag.String("data", "", "Override data log path")
	epochs := flag.Int("epochs", 0, "Number of training epochs")
	batchSize := flag.Int("batch-size", 0, "Batch size")
	numWorkers := flag.Int("num-workers", 0, "Number of data loader workers")
	seed := flag.Int64("seed", 0, "PRNG seed")
	checkpointDir := flag.String("checkpoint-dir", "", "Override checkpoint directory")
	logEvery := flag.Int("log-every", 0, "Log every N batches")

	flag.Parse()

	seedSet := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "seed" {
			seedSet = true
		}
	})

	log.Printf("go version: %s", runtime.Version())
	log.Printf("platform: %s/%s cpus=%d gomaxprocs=%d", runtime.GOOS, runtime.GOARCH, runtime.NumCPU(), runtime.GOMAXPROCS(0))
	log.Printf("accelerator: none (cpu)")

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	cfg.ApplyOverrides(config.Overrides{
		DataPath:      *dataPath,
		Epochs:        *epochs,
		BatchSize:     *batchSize,
		NumWorkers:    *numWorkers,
		Seed:          *seed,
		SeedSet:       seedSet,
		CheckpointDir: *checkpointDir,
		LogEvery:      *logEvery,
	})

	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := trainer.Run(ctx, cfg); err != nil {
		log.Fatalf("training failed: %v", err)
	}
}
