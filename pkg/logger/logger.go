// Package logger constructs the structured logger that the segment,
// directory and buffer components take as a constructor argument. It
// wraps go.uber.org/zap, switching between a
// production JSON encoder and a human-readable console encoder the same
// way zap's own NewProduction/NewDevelopment constructors do.
package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DevEnvVar, when set to a truthy value, selects the console encoder
// instead of the production JSON encoder.
const DevEnvVar = "QDB_DEV"

// New builds a *zap.SugaredLogger for the named service. It chooses a
// development-friendly console encoder when QDB_DEV is set, and a
// production JSON encoder otherwise.
func New(service string) *zap.SugaredLogger {
	var cfg zap.Config
	if isDev() {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
	}

	base, err := cfg.Build()
	if err != nil {
		// A logger that fails to build is a configuration bug, not a
		// runtime condition callers can recover from; fall back to a
		// no-op logger so construction never panics a caller's process.
		return zap.NewNop().Sugar()
	}

	return base.Sugar().With("service", service)
}

func isDev() bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(DevEnvVar)))
	return v == "1" || v == "true" || v == "yes"
}
