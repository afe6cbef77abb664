package observability

import (
	"strings"

	"github.com/railzwaylabs/credits/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the process logger from the observability section.
func NewLogger(cfg config.Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if raw := strings.TrimSpace(cfg.Observability.LogLevel); raw != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(raw))); err != nil {
			return nil, err
		}
	}

	var zc zap.Config
	if strings.EqualFold(cfg.Observability.LogFormat, "console") {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.TimeKey = "ts"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	log, err := zc.Build()
	if err != nil {
		return nil, err
	}
	return log.With(zap.String("service", cfg.Observability.ServiceName)), nil
}
