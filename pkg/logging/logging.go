// Package logging builds the service's zap logger.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	EnvironmentProduction  = "production"
	EnvironmentStaging     = "staging"
	EnvironmentDevelopment = "development"
	EnvironmentLocal       = "local"
)

// New returns a JSON logger for env. An empty level picks debug for
// development and local, info otherwise.
func New(env, level string) (*zap.Logger, error) {
	var cfg zap.Config
	switch env {
	case EnvironmentDevelopment, EnvironmentLocal:
		cfg = zap.NewDevelopmentConfig()
	case EnvironmentProduction, EnvironmentStaging, "":
		cfg = zap.NewProductionConfig()
	default:
		return nil, fmt.Errorf("invalid environment %q", env)
	}
	cfg.Encoding = "json"
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true

	if strings.TrimSpace(level) != "" {
		var parsed zapcore.Level
		if err := parsed.Set(level); err != nil {
			return nil, fmt.Errorf("invalid level %q: %w", level, err)
		}
		cfg.Level = zap.NewAtomicLevelAt(parsed)
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}
