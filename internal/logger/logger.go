// Package logger builds the zap loggers used by the indexer process.
package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config describes the root logger of one indexer process
type Config struct {
	// Level is debug, info, warn or error (default: info)
	Level string

	// Format is json or console (default: json). Console output is colored
	// and keeps stack traces.
	Format string

	// Network and Indexer tag every entry
	Network string
	Indexer string

	// OutputPaths defaults to stdout
	OutputPaths []string
}

func (c *Config) encoderConfig() zapcore.EncoderConfig {
	if c.Format == "console" {
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return ec
	}
	ec := zap.NewProductionEncoderConfig()
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	return ec
}

func (c *Config) initialFields() map[string]interface{} {
	fields := make(map[string]interface{}, 2)
	if c.Network != "" {
		fields["network"] = c.Network
	}
	if c.Indexer != "" {
		fields["indexer"] = c.Indexer
	}
	return fields
}

// New builds a logger from cfg
func New(cfg Config) (*zap.Logger, error) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	cfg.Format = strings.ToLower(cfg.Format)
	if cfg.Format == "" {
		cfg.Format = "json"
	}
	if cfg.Format != "json" && cfg.Format != "console" {
		return nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}
	if len(cfg.OutputPaths) == 0 {
		cfg.OutputPaths = []string{"stdout"}
	}

	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	console := cfg.Format == "console"
	zc := zap.Config{
		Level:             level,
		Development:       console,
		Encoding:          cfg.Format,
		EncoderConfig:     cfg.encoderConfig(),
		OutputPaths:       cfg.OutputPaths,
		ErrorOutputPaths:  []string{"stderr"},
		InitialFields:     cfg.initialFields(),
		DisableStacktrace: !console,
	}

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

// ForIndexer builds the root logger of an indexer process, tagged with the
// network and indexer name.
func ForIndexer(level, format, network, indexerName string) (*zap.Logger, error) {
	return New(Config{
		Level:   level,
		Format:  format,
		Network: network,
		Indexer: indexerName,
	})
}
