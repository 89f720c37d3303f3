// Command occupancy-ingestor reads bike point occupancy XML documents from an
// HTTP endpoint or an SQS queue and stores their entities in S3, either as
// newline-delimited JSON records or as parquet files.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/transfermanager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/baldanca/occupancy-transform/encoder"
	"github.com/baldanca/occupancy-transform/ingestor"
	"github.com/baldanca/occupancy-transform/internal/config"
	"github.com/baldanca/occupancy-transform/schema"
	"github.com/baldanca/occupancy-transform/sink"
	"github.com/baldanca/occupancy-transform/source"
	"github.com/baldanca/occupancy-transform/transformer"
)

func main() {
	cfgPath := flag.String("config", "", "YAML config file (optional; environment overrides apply)")
	validateOnly := flag.Bool("validate", false, "validate the configuration and exit")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *validateOnly {
		fmt.Println("configuration is valid")
		return
	}

	logger := newLogger(cfg.Log, cfg.SlogLevel(), os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("ingestor failed", "err", err)
		os.Exit(1)
	}
}

func newLogger(c config.LogConfig, level slog.Level, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

type closableSource interface {
	source.Sourcer
	Close()
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}

	var src closableSource
	switch cfg.Source.Kind {
	case config.SourceSQS:
		src = source.NewSQS(ctx, sqs.NewFromConfig(awsCfg), cfg.Source.SQS.QueueURL, cfg.SQSConfig())
	default:
		src = source.NewHTTPPoller(ctx, &http.Client{}, cfg.HTTPPollerConfig(), logger)
	}
	defer src.Close()

	s3Client := s3.NewFromConfig(awsCfg)
	sk := sink.NewS3(s3Client, cfg.Sink.Bucket, cfg.Sink.Prefix).WithUploader(transfermanager.New(s3Client))

	switch cfg.Output.Format {
	case config.FormatParquet:
		enc := encoder.Parquet[schema.Occupancy]{Compression: cfg.Output.Compression}
		return runIngestor[schema.Occupancy](ctx, cfg, logger, src, transformer.NewEntities(schema.BikePoints), enc, sk)
	default:
		enc := encoder.NDJSON[transformer.OutputRecord]{TrailingNewline: cfg.Output.TrailingNewline}
		return runIngestor[transformer.OutputRecord](ctx, cfg, logger, src, transformer.New(schema.BikePoints), enc, sk)
	}
}

func runIngestor[T any](
	ctx context.Context,
	cfg config.Config,
	logger *slog.Logger,
	src source.Sourcer,
	tr transformer.Transformer[T],
	enc encoder.Encoder[T],
	sk sink.Sinkr,
) error {
	ing, err := ingestor.NewIngestor[T](cfg.BatcherConfig(), src, tr, enc, sk, ingestor.DefaultKeyFunc[T](enc))
	if err != nil {
		return err
	}
	ing.SetLogger(logger)

	retry := cfg.RetryPolicy()
	ing.SetRetryPolicy(retry)
	ing.SetAckRetryPolicy(retry)
	if cfg.Lease.Enabled {
		ing.EnableLease(cfg.Lease.VisibilityTimeout, cfg.Lease.RenewEvery)
	}

	logger.Info("ingestor started",
		"source", cfg.Source.Kind,
		"format", cfg.Output.Format,
		"bucket", cfg.Sink.Bucket,
		"prefix", cfg.Sink.Prefix,
		"workers", cfg.Flush.Workers,
	)
	return ing.Run(ctx, cfg.Flush.Workers, cfg.Flush.Queue)
}
