package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// initLogger initializes the zap logger.
func initLogger(logLevel, logFormat string) *zap.Logger {
	var level zapcore.Level
	switch logLevel {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var config zap.Config
	if logFormat == "console" {
		config = zap.NewDevelopmentConfig()
	} else {
		config = zap.NewProductionConfig()
	}

	config.Level = zap.NewAtomicLevelAt(level)
	config.OutputPaths = []string{"stderr"}
	config.ErrorOutputPaths = []string{"stderr"}

	logger, err := config.Build()
	if err != nil {
		// Fallback to basic logger
		logger, _ = zap.NewProduction()
	}

	return logger
}

// loggerFromFlags prefers the persistent flags over LOG_LEVEL and LOG_FORMAT
func loggerFromFlags(cmd *cobra.Command, defaultLevel, defaultFormat string) *zap.Logger {
	level, _ := cmd.Flags().GetString("log-level")
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	if level == "" {
		level = defaultLevel
	}
	format, _ := cmd.Flags().GetString("log-format")
	if format == "" {
		format = os.Getenv("LOG_FORMAT")
	}
	if format == "" {
		format = defaultFormat
	}
	return initLogger(level, format)
}
