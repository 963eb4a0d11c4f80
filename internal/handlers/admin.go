package handlers

import (
	"context"
	"errors"

	"github.com/danielgtaylor/huma/v2"
	"github.com/serroba/postviews/internal/scheduler"
	"github.com/serroba/postviews/internal/views"
	"go.uber.org/zap"
)

// SyncTrigger starts a sync cycle immediately.
type SyncTrigger interface {
	Trigger(ctx context.Context) error
}

// CycleReporter exposes the outcome of the latest cycle.
type CycleReporter interface {
	LastReport() (views.CycleReport, bool)
}

// DeadLetters lists and replays dead-lettered posts.
type DeadLetters interface {
	List(ctx context.Context) ([]views.PostID, error)
	Replay(ctx context.Context, ids ...views.PostID) (int, error)
}

// AdminHandler exposes operational controls of the sync pipeline.
type AdminHandler struct {
	sync        SyncTrigger
	reports     CycleReporter
	deadLetters DeadLetters
	logger      *zap.Logger
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(sync SyncTrigger, reports CycleReporter, deadLetters DeadLetters, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{sync: sync, reports: reports, deadLetters: deadLetters, logger: logger}
}

// Sync runs a sync cycle now and returns its report.
func (h *AdminHandler) Sync(ctx context.Context, _ *struct{}) (*SyncResponse, error) {
	if err := h.sync.Trigger(ctx); err != nil {
		if errors.Is(err, scheduler.ErrAlreadyRunning) || errors.Is(err, scheduler.ErrLeaseHeld) {
			return nil, huma.Error409Conflict("a sync cycle is already running")
		}

		h.logger.Error("manual sync failed", zap.Error(err))

		return nil, huma.Error500InternalServerError("sync cycle failed")
	}

	report, _ := h.reports.LastReport()

	return &SyncResponse{Body: reportBody(report)}, nil
}

// ListDeadLetters returns every dead-lettered post identifier.
func (h *AdminHandler) ListDeadLetters(ctx context.Context, _ *struct{}) (*DeadLettersResponse, error) {
	ids, err := h.deadLetters.List(ctx)
	if err != nil {
		h.logger.Error("failed to list dead letters", zap.Error(err))

		return nil, huma.Error500InternalServerError("failed to list dead letters")
	}

	resp := &DeadLettersResponse{}
	resp.Body.PostIDs = make([]int64, len(ids))

	for i, id := range ids {
		resp.Body.PostIDs[i] = int64(id)
	}

	return resp, nil
}

// ReplayDeadLetters moves dead letters back to pending for the next cycle.
func (h *AdminHandler) ReplayDeadLetters(ctx context.Context, req *ReplayRequest) (*ReplayResponse, error) {
	ids := make([]views.PostID, 0, len(req.Body.PostIDs))
	for _, id := range req.Body.PostIDs {
		if id <= 0 {
			return nil, huma.Error400BadRequest("post ids must be positive")
		}

		ids = append(ids, views.PostID(id))
	}

	n, err := h.deadLetters.Replay(ctx, ids...)
	if err != nil {
		h.logger.Error("failed to replay dead letters", zap.Error(err))

		return nil, huma.Error500InternalServerError("failed to replay dead letters")
	}

	resp := &ReplayResponse{}
	resp.Body.Replayed = n

	return resp, nil
}
