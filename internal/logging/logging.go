// Package logging wires up the process-wide structured logger. It mirrors
// how the teacher composes controller-runtime's logr.Logger over zap via
// zapr, returning both the logr.Logger view and the underlying *zap.Logger.
// The packages in this tree (internal/hypervisor's adapters,
// internal/supervisor and the rest) take the *zap.Logger directly.
package logging

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
)

// New builds the production logger: JSON-encoded, info level by default.
func New(debug bool) (logr.Logger, *zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	zl, err := cfg.Build()
	if err != nil {
		return logr.Logger{}, nil, err
	}
	return zapr.NewLogger(zl), zl, nil
}
