package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"LeoPrime-Chain/internal/config"
	"LeoPrime-Chain/internal/embedding"
	"LeoPrime-Chain/internal/knowledge"
	"LeoPrime-Chain/pkg/logger"
)

// leoprime-seed 把 JSON 种子文件中的记忆向量化后写入配置的索引。
func main() {
	configPath := flag.String("config", os.Getenv("LEOPRIME_CONFIG"), "配置文件路径")
	file := flag.String("file", "", "种子文件，默认使用配置中的 memory.seed_file")
	onlyEmpty := flag.Bool("if-empty", false, "索引非空时跳过")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, *file, *onlyEmpty); err != nil {
		log.Fatalf("leoprime-seed 失败: %v", err)
	}
}

func run(ctx context.Context, configPath, file string, onlyEmpty bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	lg := logger.Named("seed")

	if file == "" {
		file = cfg.Memory.SeedFile
	}
	if file == "" {
		return fmt.Errorf("未指定种子文件")
	}

	svc, err := openService(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	if onlyEmpty {
		added, err := knowledge.SeedIfEmpty(ctx, svc, file)
		if err != nil {
			return err
		}
		lg.Info("种子写入完成", slog.String("file", file), slog.Int("added", added))
		return nil
	}

	memories, err := knowledge.LoadSeedFile(file)
	if err != nil {
		return err
	}
	added, err := svc.Add(ctx, memories)
	if err != nil {
		return err
	}
	total, err := svc.Count(ctx)
	if err != nil {
		return err
	}
	lg.Info("种子写入完成",
		slog.String("file", file),
		slog.Int("added", len(added)),
		slog.Int("total", total),
	)
	return nil
}

func openService(ctx context.Context, cfg *config.Config) (*knowledge.Service, error) {
	var embedder embedding.Provider
	switch cfg.Embedding.Provider {
	case "voyage":
		p, err := embedding.NewVoyageProvider(embedding.VoyageConfig{
			APIKey:     cfg.Embedding.APIKey,
			BaseURL:    cfg.Embedding.BaseURL,
			Model:      cfg.Embedding.Model,
			Dimensions: cfg.Embedding.Dimensions,
			Timeout:    cfg.Embedding.Timeout,
		})
		if err != nil {
			return nil, err
		}
		embedder = p
	default:
		embedder = embedding.NewHashProvider(cfg.Embedding.Dimensions)
	}
	dims := embedder.Dimensions()

	var index knowledge.Index
	switch cfg.Memory.Backend {
	case "qdrant":
		q := cfg.Memory.Qdrant
		qi, err := knowledge.NewQdrantIndex(ctx, knowledge.QdrantConfig{
			Host:       q.Host,
			Port:       q.Port,
			APIKey:     q.APIKey,
			UseTLS:     q.UseTLS,
			Collection: q.Collection,
			Dims:       uint64(dims),
		}, logger.Named("qdrant"))
		if err != nil {
			return nil, err
		}
		index = qi
	case "pgvector":
		pi, err := knowledge.NewPGVectorIndex(ctx, knowledge.PostgresConfig{
			DSN:   cfg.Memory.Postgres.DSN,
			Table: cfg.Memory.Postgres.Table,
			Dims:  dims,
		}, logger.Named("pgvector"))
		if err != nil {
			return nil, err
		}
		index = pi
	default:
		return nil, fmt.Errorf("记忆后端 %s 不持久化，种子写入没有意义", cfg.Memory.Backend)
	}
	return knowledge.NewService(embedder, index), nil
}
