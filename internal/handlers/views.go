package handlers

import (
	"context"
	"errors"

	"github.com/danielgtaylor/huma/v2"
	"github.com/serroba/postviews/internal/views"
	"go.uber.org/zap"
)

// ViewRecorder records a single view event.
type ViewRecorder interface {
	RecordView(ctx context.Context, postID views.PostID, viewer views.ViewerKey) views.RecordResult
}

// ViewCounter reads the current view counts of a post.
type ViewCounter interface {
	Counts(ctx context.Context, id views.PostID) (views.Counts, error)
}

// ViewHandler handles view recording and reading.
type ViewHandler struct {
	recorder ViewRecorder
	counter  ViewCounter
	logger   *zap.Logger
}

// NewViewHandler creates a new view handler.
func NewViewHandler(recorder ViewRecorder, counter ViewCounter, logger *zap.Logger) *ViewHandler {
	return &ViewHandler{recorder: recorder, counter: counter, logger: logger}
}

// RecordView counts a view of the post by the requesting viewer. Cache
// failures are absorbed, so the response is always 202.
func (h *ViewHandler) RecordView(ctx context.Context, req *PostRequest) (*RecordViewResponse, error) {
	meta := RequestMetaFromContext(ctx)
	if meta.Viewer == "" {
		return nil, huma.Error400BadRequest("unable to identify viewer")
	}

	result := h.recorder.RecordView(ctx, views.PostID(req.PostID), meta.Viewer)

	resp := &RecordViewResponse{}
	resp.Body.PostID = req.PostID
	resp.Body.Result = result.String()

	return resp, nil
}

// GetViewCount returns the persisted, pending and total views of a post.
func (h *ViewHandler) GetViewCount(ctx context.Context, req *PostRequest) (*ViewCountResponse, error) {
	counts, err := h.counter.Counts(ctx, views.PostID(req.PostID))
	if err != nil {
		if errors.Is(err, views.ErrPostNotFound) {
			return nil, huma.Error404NotFound("post not found")
		}

		h.logger.Error("failed to read view count", zap.Int64("post_id", req.PostID), zap.Error(err))

		return nil, huma.Error500InternalServerError("failed to read view count")
	}

	resp := &ViewCountResponse{}
	resp.Body.PostID = req.PostID
	resp.Body.Persisted = counts.Persisted
	resp.Body.Pending = counts.Pending
	resp.Body.Total = counts.Total()

	return resp, nil
}
