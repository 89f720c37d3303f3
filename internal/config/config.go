// Package config loads the occupancy-ingestor configuration.
//
// Values are resolved in three layers: built-in defaults, then an optional
// YAML file, then a handful of environment variables for deployment
// specific settings. The result is validated before it is returned.
//
// Example:
//
//	source:
//	  kind: sqs
//	  sqs:
//	    queue_url: https://sqs.eu-west-2.amazonaws.com/123456789012/occupancy
//	sink:
//	  bucket: occupancy-lake
//	  prefix: bikepoints/
//	output:
//	  format: parquet
//	  compression: zstd
//	batch:
//	  flush_interval: 1m
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/baldanca/occupancy-transform/batcher"
	"github.com/baldanca/occupancy-transform/ingestor"
	"github.com/baldanca/occupancy-transform/source"
)

const (
	SourceHTTP = "http"
	SourceSQS  = "sqs"

	FormatNDJSON  = "ndjson"
	FormatParquet = "parquet"
)

type Config struct {
	Source SourceConfig `yaml:"source"`
	Sink   SinkConfig   `yaml:"sink"`
	Output OutputConfig `yaml:"output"`
	Batch  BatchConfig  `yaml:"batch"`
	Flush  FlushConfig  `yaml:"flush"`
	Retry  RetryConfig  `yaml:"retry"`
	Lease  LeaseConfig  `yaml:"lease"`
	Log    LogConfig    `yaml:"log"`
}

// SourceConfig selects where XML documents come from. Only the block that
// matches Kind is used.
type SourceConfig struct {
	Kind string           `yaml:"kind" validate:"oneof=http sqs"`
	HTTP HTTPSourceConfig `yaml:"http"`
	SQS  SQSSourceConfig  `yaml:"sqs"`
}

type HTTPSourceConfig struct {
	URL          string        `yaml:"url" validate:"omitempty,url"`
	Interval     time.Duration `yaml:"interval" validate:"gt=0"`
	Timeout      time.Duration `yaml:"timeout" validate:"gt=0"`
	MaxBodyBytes int64         `yaml:"max_body_bytes" validate:"gt=0"`
	BufSize      int           `yaml:"buf_size" validate:"min=1"`
}

type SQSSourceConfig struct {
	QueueURL          string `yaml:"queue_url" validate:"omitempty,url"`
	WaitTimeSeconds   int32  `yaml:"wait_time_seconds" validate:"min=0,max=20"`
	MaxMessages       int32  `yaml:"max_messages" validate:"min=1,max=10"`
	VisibilityTimeout int32  `yaml:"visibility_timeout" validate:"min=0"`
	Pollers           int    `yaml:"pollers" validate:"min=1"`
	BufSize           int    `yaml:"buf_size" validate:"min=1"`
	// FailVisibilityTimeout delays redelivery of a document that failed to
	// transform. Unset leaves the queue's own visibility timeout in charge.
	FailVisibilityTimeout *int32 `yaml:"fail_visibility_timeout" validate:"omitempty,min=0"`
}

type SinkConfig struct {
	Bucket string `yaml:"bucket" validate:"required"`
	Prefix string `yaml:"prefix"`
}

type OutputConfig struct {
	Format string `yaml:"format" validate:"oneof=ndjson parquet"`
	// Compression applies to parquet only; empty and "none" both mean uncompressed.
	Compression     string `yaml:"compression" validate:"omitempty,oneof=none snappy gzip zstd"`
	TrailingNewline bool   `yaml:"trailing_newline"`
}

type BatchConfig struct {
	MaxBytes      int64         `yaml:"max_bytes" validate:"gt=0"`
	MaxItems      int           `yaml:"max_items" validate:"min=0"`
	FlushInterval time.Duration `yaml:"flush_interval" validate:"gt=0"`
	ReuseBuffers  bool          `yaml:"reuse_buffers"`
}

type FlushConfig struct {
	Workers int `yaml:"workers" validate:"min=1"`
	Queue   int `yaml:"queue" validate:"min=0"`
}

type RetryConfig struct {
	Attempts  int           `yaml:"attempts" validate:"min=1"`
	BaseDelay time.Duration `yaml:"base_delay" validate:"min=0"`
	MaxDelay  time.Duration `yaml:"max_delay" validate:"min=0"`
	Jitter    bool          `yaml:"jitter"`
}

type LeaseConfig struct {
	Enabled           bool          `yaml:"enabled"`
	VisibilityTimeout int32         `yaml:"visibility_timeout" validate:"min=0"`
	RenewEvery        time.Duration `yaml:"renew_every" validate:"min=0"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// Default returns the configuration used when nothing overrides it. The
// source location and the bucket have no sensible default and must be set.
func Default() Config {
	sq := source.DefaultSQSConfig
	hp := source.DefaultHTTPPollerConfig
	return Config{
		Source: SourceConfig{
			Kind: SourceHTTP,
			HTTP: HTTPSourceConfig{
				Interval:     hp.Interval,
				Timeout:      hp.Timeout,
				MaxBodyBytes: hp.MaxBodyBytes,
				BufSize:      hp.BufSize,
			},
			SQS: SQSSourceConfig{
				WaitTimeSeconds:   sq.WaitTimeSeconds,
				MaxMessages:       sq.MaxMessages,
				VisibilityTimeout: sq.VisibilityTO,
				Pollers:           sq.Pollers,
				BufSize:           sq.BufSize,
			},
		},
		Output: OutputConfig{Format: FormatNDJSON},
		Batch: BatchConfig{
			MaxBytes:      batcher.DefaultBatcherConfig.MaxEstimatedInputBytes,
			FlushInterval: batcher.DefaultBatcherConfig.FlushInterval,
		},
		Flush: FlushConfig{Workers: 1},
		Retry: RetryConfig{
			Attempts:  3,
			BaseDelay: 200 * time.Millisecond,
			MaxDelay:  5 * time.Second,
			Jitter:    true,
		},
		Lease: LeaseConfig{
			VisibilityTimeout: 120,
			RenewEvery:        30 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load resolves the configuration from path (optional) and the process
// environment.
func Load(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := readFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv(lookup)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func readFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode config %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides the settings that usually differ per deployment.
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set("SOURCE_KIND", &c.Source.Kind)
	set("SOURCE_URL", &c.Source.HTTP.URL)
	set("SQS_QUEUE_URL", &c.Source.SQS.QueueURL)
	set("S3_BUCKET", &c.Sink.Bucket)
	set("S3_PREFIX", &c.Sink.Prefix)
	set("OUTPUT_FORMAT", &c.Output.Format)
	set("LOG_LEVEL", &c.Log.Level)

	c.Source.Kind = strings.ToLower(c.Source.Kind)
	c.Output.Format = strings.ToLower(c.Output.Format)
	c.Log.Level = strings.ToLower(c.Log.Level)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterStructValidation(sourceKindValidation, SourceConfig{})
	v.RegisterStructValidation(leaseValidation, LeaseConfig{})
	return v
}

// sourceKindValidation requires the location of the selected source.
func sourceKindValidation(sl validator.StructLevel) {
	s := sl.Current().Interface().(SourceConfig)
	switch s.Kind {
	case SourceHTTP:
		if s.HTTP.URL == "" {
			sl.ReportError(s.HTTP.URL, "http.url", "HTTP.URL", "required", SourceHTTP)
		}
	case SourceSQS:
		if s.SQS.QueueURL == "" {
			sl.ReportError(s.SQS.QueueURL, "sqs.queue_url", "SQS.QueueURL", "required", SourceSQS)
		}
	}
}

func leaseValidation(sl validator.StructLevel) {
	l := sl.Current().Interface().(LeaseConfig)
	if !l.Enabled {
		return
	}
	if l.VisibilityTimeout <= 0 {
		sl.ReportError(l.VisibilityTimeout, "visibility_timeout", "VisibilityTimeout", "gt", "0")
	}
	if l.RenewEvery <= 0 {
		sl.ReportError(l.RenewEvery, "renew_every", "RenewEvery", "gt", "0")
	}
}

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			msgs := make([]string, 0, len(ve))
			for _, fe := range ve {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s: %w", strings.Join(msgs, "; "), err)
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (c Config) BatcherConfig() batcher.BatcherConfig {
	return batcher.BatcherConfig{
		MaxEstimatedInputBytes: c.Batch.MaxBytes,
		MaxItems:               c.Batch.MaxItems,
		FlushInterval:          c.Batch.FlushInterval,
		ReuseBuffers:           c.Batch.ReuseBuffers,
	}
}

func (c Config) SQSConfig() source.SQSConfig {
	s := c.Source.SQS
	return source.SQSConfig{
		WaitTimeSeconds:              s.WaitTimeSeconds,
		MaxMessages:                  s.MaxMessages,
		VisibilityTO:                 s.VisibilityTimeout,
		Pollers:                      s.Pollers,
		BufSize:                      s.BufSize,
		FailVisibilityTimeoutSeconds: s.FailVisibilityTimeout,
	}
}

func (c Config) HTTPPollerConfig() source.HTTPPollerConfig {
	h := c.Source.HTTP
	return source.HTTPPollerConfig{
		URL:          h.URL,
		Interval:     h.Interval,
		Timeout:      h.Timeout,
		MaxBodyBytes: h.MaxBodyBytes,
		BufSize:      h.BufSize,
	}
}

func (c Config) RetryPolicy() ingestor.SimpleRetry {
	return ingestor.SimpleRetry{
		Attempts:  c.Retry.Attempts,
		BaseDelay: c.Retry.BaseDelay,
		MaxDelay:  c.Retry.MaxDelay,
		Jitter:    c.Retry.Jitter,
	}
}

func (c Config) SlogLevel() slog.Level {
	switch c.Log.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
