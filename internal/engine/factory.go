package engine

import (
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-transcribe/internal/config"
)

// FromConfig selects the engine backend named by cfg.Mode.
func FromConfig(cfg config.EngineConfig, logger *slog.Logger) (Constructor, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMock, nil
	case "exec":
		return NewExecConstructor(cfg.Command)
	case "wasm":
		return NewWASMConstructor(cfg.Module, logger)
	default:
		return nil, fmt.Errorf("unsupported engine mode %q", cfg.Mode)
	}
}
