// Package logging builds the zap logger shared by every EventRelay component
// and holds the field helpers that keep log lines consistent across them.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/snehjoshi/eventrelay/internal/config"
)

// New builds a logger from cfg. The returned AtomicLevel lets a config reload
// change verbosity without rebuilding the logger.
func New(cfg config.LogConfig) (*zap.Logger, zap.AtomicLevel, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}

	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	zc.Level = level
	zc.DisableStacktrace = true
	zc.EncoderConfig.TimeKey = "ts"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zc.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("logging: build logger: %w", err)
	}
	return logger, level, nil
}

// ParseLevel converts a config level name into an AtomicLevel.
func ParseLevel(s string) (zap.AtomicLevel, error) {
	if strings.TrimSpace(s) == "" {
		return zap.NewAtomicLevelAt(zapcore.InfoLevel), nil
	}
	var l zapcore.Level
	if err := l.Set(s); err != nil {
		return zap.AtomicLevel{}, fmt.Errorf("logging: invalid level %q: %w", s, err)
	}
	return zap.NewAtomicLevelAt(l), nil
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

// Email returns a field carrying a masked address: the first character of the
// local part survives, the domain is kept whole.
func Email(addr string) zap.Field {
	return zap.String("email", MaskEmail(addr))
}

// MaskEmail hides most of the local part of addr.
func MaskEmail(addr string) string {
	at := strings.LastIndexByte(addr, '@')
	if at <= 0 {
		if addr == "" {
			return ""
		}
		return "***"
	}
	return addr[:1] + "***" + addr[at:]
}
