// Command shelfragd runs the document ingestion and retrieval service.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/spf13/cobra"

	"github.com/bookshelfai/shelfrag"
	"github.com/bookshelfai/shelfrag/blobstore"
	minioblob "github.com/bookshelfai/shelfrag/blobstore/minio"
	"github.com/bookshelfai/shelfrag/extract"
	"github.com/bookshelfai/shelfrag/index/flat"
	"github.com/bookshelfai/shelfrag/ingest"
	"github.com/bookshelfai/shelfrag/jobstore"
	"github.com/bookshelfai/shelfrag/provider"
	"github.com/bookshelfai/shelfrag/search"
	"github.com/bookshelfai/shelfrag/server"
)

type config struct {
	addr        string
	dataDir     string
	compression string
	logFormat   string
	logLevel    string

	embedURL   string
	embedModel string
	embedRPS   float64
	genURL     string
	genModel   string

	chunkSize      int
	chunkOverlap   int
	embedBatchSize int
	workers        int

	extractorURL string

	minioEndpoint string
	minioBucket   string
	minioPrefix   string
	minioInsecure bool
}

func main() {
	cfg := config{}

	rootCmd := &cobra.Command{
		Use:          "shelfragd",
		Short:        "Document ingestion and retrieval service",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	// .env is optional; real env vars win.
	_ = godotenv.Load()

	flags := rootCmd.Flags()
	flags.StringVar(&cfg.addr, "addr", envOr("SHELFRAG_ADDR", ":8001"), "HTTP listen address")
	flags.StringVar(&cfg.dataDir, "data-dir", envOr("SHELFRAG_DATA_DIR", "./data"), "directory for snapshots, jobs and uploads")
	flags.StringVar(&cfg.compression, "compression", envOr("SHELFRAG_COMPRESSION", "zstd"), "index snapshot compression (none, zstd, lz4)")
	flags.StringVar(&cfg.logFormat, "log-format", envOr("SHELFRAG_LOG_FORMAT", "text"), "log format (text, json)")
	flags.StringVar(&cfg.logLevel, "log-level", envOr("SHELFRAG_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")

	flags.StringVar(&cfg.embedURL, "embed-url", os.Getenv("SHELFRAG_EMBED_URL"), "embedding endpoint URL")
	flags.StringVar(&cfg.embedModel, "embed-model", os.Getenv("SHELFRAG_EMBED_MODEL"), "embedding model name")
	flags.Float64Var(&cfg.embedRPS, "embed-rps", 0, "embedding requests per second (0 = unlimited)")
	flags.StringVar(&cfg.genURL, "gen-url", os.Getenv("SHELFRAG_GEN_URL"), "generation endpoint URL")
	flags.StringVar(&cfg.genModel, "gen-model", os.Getenv("SHELFRAG_GEN_MODEL"), "generation model name")

	flags.IntVar(&cfg.chunkSize, "chunk-size", 0, "chunk size in characters (0 = default)")
	flags.IntVar(&cfg.chunkOverlap, "chunk-overlap", -1, "chunk overlap in characters (-1 = default)")
	flags.IntVar(&cfg.embedBatchSize, "embed-batch", 0, "chunks per embedding request (0 = default)")
	flags.IntVar(&cfg.workers, "workers", 0, "concurrent ingestion workers (0 = GOMAXPROCS)")

	flags.StringVar(&cfg.extractorURL, "extractor-url", os.Getenv("SHELFRAG_EXTRACTOR_URL"), "remote text extraction endpoint (optional)")

	flags.StringVar(&cfg.minioEndpoint, "minio-endpoint", os.Getenv("SHELFRAG_MINIO_ENDPOINT"), "MinIO/S3 endpoint for snapshots (optional)")
	flags.StringVar(&cfg.minioBucket, "minio-bucket", os.Getenv("SHELFRAG_MINIO_BUCKET"), "MinIO/S3 bucket")
	flags.StringVar(&cfg.minioPrefix, "minio-prefix", envOr("SHELFRAG_MINIO_PREFIX", "shelfrag"), "MinIO/S3 key prefix")
	flags.BoolVar(&cfg.minioInsecure, "minio-insecure", false, "disable TLS for MinIO/S3")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config) error {
	logger, err := buildLogger(cfg)
	if err != nil {
		return err
	}

	if cfg.embedURL == "" {
		return fmt.Errorf("embedding endpoint is required (--embed-url or SHELFRAG_EMBED_URL)")
	}
	if cfg.genURL == "" {
		return fmt.Errorf("generation endpoint is required (--gen-url or SHELFRAG_GEN_URL)")
	}

	compression, err := flat.ParseCompression(cfg.compression)
	if err != nil {
		return err
	}

	store, err := buildBlobStore(cfg, logger)
	if err != nil {
		return err
	}

	manager := shelfrag.New(
		shelfrag.WithLogger(logger),
		shelfrag.WithBlobStore(store),
		shelfrag.WithCompression(compression),
	)
	if err := manager.Load(ctx); err != nil {
		return fmt.Errorf("restoring index: %w", err)
	}

	jobs, err := jobstore.Open(filepath.Join(cfg.dataDir, "jobs"))
	if err != nil {
		return fmt.Errorf("opening job store: %w", err)
	}
	defer jobs.Close()

	embedder, err := provider.NewEmbeddingClient(provider.EmbeddingConfig{
		URL:               cfg.embedURL,
		APIKey:            os.Getenv("SHELFRAG_EMBED_API_KEY"),
		Model:             cfg.embedModel,
		RequestsPerSecond: cfg.embedRPS,
	})
	if err != nil {
		return err
	}

	generator, err := provider.NewGenerationClient(provider.GenerationConfig{
		URL:    cfg.genURL,
		APIKey: os.Getenv("SHELFRAG_GEN_API_KEY"),
		Model:  cfg.genModel,
	})
	if err != nil {
		return err
	}

	coordinator, err := ingest.NewCoordinator(manager, jobs, embedder,
		filepath.Join(cfg.dataDir, "uploads"),
		func(o *ingest.Options) {
			o.Logger = logger
			o.Workers = cfg.workers
			if cfg.chunkSize > 0 {
				o.ChunkSize = cfg.chunkSize
			}
			if cfg.chunkOverlap >= 0 {
				o.Overlap = cfg.chunkOverlap
			}
			if cfg.embedBatchSize > 0 {
				o.EmbedBatchSize = cfg.embedBatchSize
			}
			if cfg.extractorURL != "" {
				o.Extractor = extract.NewRemote(cfg.extractorURL)
			}
		})
	if err != nil {
		return err
	}
	defer coordinator.Close()

	orchestrator := search.NewOrchestrator(manager, embedder, generator,
		func(o *search.Options) {
			o.Logger = logger
		})

	srv := server.New(manager, coordinator, orchestrator,
		func(o *server.Options) {
			o.Logger = logger
		})

	logger.Info("starting service",
		"addr", cfg.addr, "data_dir", cfg.dataDir,
		"compression", compression.String(), "vectors", manager.Stats().TotalVectors)
	return srv.Run(ctx, cfg.addr)
}

func buildLogger(cfg config) (*shelfrag.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.logLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.logLevel, err)
	}

	switch strings.ToLower(cfg.logFormat) {
	case "json":
		return shelfrag.NewJSONLogger(level), nil
	case "text":
		return shelfrag.NewTextLogger(level), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", cfg.logFormat)
	}
}

// buildBlobStore picks MinIO when an endpoint is configured, else the local
// filesystem under the data directory.
func buildBlobStore(cfg config, logger *shelfrag.Logger) (blobstore.BlobStore, error) {
	if cfg.minioEndpoint == "" {
		return blobstore.NewLocalStore(filepath.Join(cfg.dataDir, "snapshots"))
	}

	if cfg.minioBucket == "" {
		return nil, fmt.Errorf("minio bucket is required (--minio-bucket or SHELFRAG_MINIO_BUCKET)")
	}

	client, err := minio.New(cfg.minioEndpoint, &minio.Options{
		Creds: credentials.NewStaticV4(
			os.Getenv("SHELFRAG_MINIO_ACCESS_KEY"),
			os.Getenv("SHELFRAG_MINIO_SECRET_KEY"), ""),
		Secure: !cfg.minioInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to minio: %w", err)
	}

	logger.Info("using minio snapshot store",
		"endpoint", cfg.minioEndpoint, "bucket", cfg.minioBucket)
	return minioblob.NewStore(client, cfg.minioBucket, cfg.minioPrefix), nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
