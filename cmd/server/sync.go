package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/serroba/postviews/internal/handlers"
	"github.com/serroba/postviews/internal/scheduler"
	"go.uber.org/zap"
)

// runSync runs one cycle through the scheduler, so the cycle lease shared
// with running servers applies, and prints its report. A cycle running
// elsewhere makes this a skip.
func runSync(
	ctx context.Context,
	trigger handlers.SyncTrigger,
	reports handlers.CycleReporter,
	out io.Writer,
	logger *zap.Logger,
) error {
	err := trigger.Trigger(ctx)

	switch {
	case errors.Is(err, scheduler.ErrLeaseHeld), errors.Is(err, scheduler.ErrAlreadyRunning):
		logger.Info("sync skipped, another cycle is running", zap.Error(err))

		return nil
	case err != nil:
		return err
	}

	report, _ := reports.LastReport()

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")

	return enc.Encode(report)
}
