package jobs

import (
	"context"

	"go.uber.org/zap"
)

type heartbeat struct {
	message string
	logger  *zap.Logger
	beats   uint64
}

func newHeartbeat(message string, logger *zap.Logger) *heartbeat {
	return &heartbeat{message: message, logger: logger}
}

func (h *heartbeat) run(ctx context.Context) error {
	h.beats++
	h.logger.Info(h.message, zap.Uint64("beat", h.beats))
	return nil
}
