// Package logutil builds the process logger.
package logutil

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/logflow/canteen/pkg/config"
	cerrors "github.com/logflow/canteen/pkg/errors"
)

// New builds a zap logger from cfg. Logs always go to stderr; stdout is
// reserved for the renderer.
func New(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return nil, cerrors.InvalidConfig("log.level", cfg.Level, "expected debug, info, warn or error")
	}

	var zc zap.Config
	switch strings.ToLower(cfg.Format) {
	case "", "console":
		zc = zap.NewDevelopmentConfig()
		zc.Development = false
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	case "json":
		zc = zap.NewProductionConfig()
		zc.Sampling = nil
	default:
		return nil, cerrors.InvalidConfig("log.format", cfg.Format, "expected console or json")
	}

	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	zc.DisableStacktrace = level > zapcore.DebugLevel

	logger, err := zc.Build()
	if err != nil {
		return nil, err
	}
	return logger.Named("canteen"), nil
}
