package observability

import (
	"context"
	"errors"
	"fmt"
	"syscall"

	"go.uber.org/zap"
)

// FlushTelemetry flushes telemetry buffers before process exit.
// Prometheus is pull-based, so this only syncs the logger. Sync errors from
// terminals (EINVAL, ENOTTY on stderr) are ignored.
func FlushTelemetry(ctx context.Context, logger *zap.Logger) error {
	if logger == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := logger.Sync(); err != nil && !errors.Is(err, syscall.EINVAL) && !errors.Is(err, syscall.ENOTTY) {
		return fmt.Errorf("flush logs: %w", err)
	}
	return nil
}
