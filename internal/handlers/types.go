package handlers

import (
	"context"
	"time"

	"github.com/serroba/postviews/internal/views"
)

type requestMetaKey struct{}

// RequestMeta holds HTTP request metadata used to identify the viewer.
type RequestMeta struct {
	ClientIP  string
	UserAgent string
	Viewer    views.ViewerKey
}

// ContextWithRequestMeta adds request metadata to context.
func ContextWithRequestMeta(ctx context.Context, meta RequestMeta) context.Context {
	return context.WithValue(ctx, requestMetaKey{}, meta)
}

// RequestMetaFromContext extracts request metadata from context.
func RequestMetaFromContext(ctx context.Context) RequestMeta {
	if v, ok := ctx.Value(requestMetaKey{}).(RequestMeta); ok {
		return v
	}

	return RequestMeta{}
}

// PostRequest addresses a single post.
type PostRequest struct {
	PostID int64 `doc:"Post identifier" example:"42" minimum:"1" path:"postId"`
}

// RecordViewResponse is the response for a recorded view.
type RecordViewResponse struct {
	Body struct {
		PostID int64  `doc:"Post identifier"                 example:"42"      json:"postId"`
		Result string `doc:"What happened to the view event" enum:"counted,duplicate,dropped" example:"counted" json:"result"`
	}
}

// ViewCountResponse is the response for reading a post's view count.
type ViewCountResponse struct {
	Body struct {
		PostID    int64 `doc:"Post identifier"                      example:"42"  json:"postId"`
		Persisted int64 `doc:"Views already in the database"        example:"120" json:"persisted"`
		Pending   int64 `doc:"Views counted but not yet flushed"    example:"3"   json:"pending"`
		Total     int64 `doc:"Persisted plus pending"               example:"123" json:"total"`
	}
}

// CycleReportBody describes the outcome of a sync cycle.
type CycleReportBody struct {
	CycleID      string    `doc:"Cycle identifier"              json:"cycleId"`
	StartedAt    time.Time `doc:"Cycle start time"              json:"startedAt"`
	DurationMs   int64     `doc:"Cycle wall time"               json:"durationMs"`
	Pending      int       `doc:"Posts pending at cycle start"  json:"pending"`
	Chunks       int       `doc:"Chunks processed"              json:"chunks"`
	FlushedPosts int       `doc:"Posts written to the database" json:"flushedPosts"`
	FlushedViews int64     `doc:"Views written to the database" json:"flushedViews"`
	FailedChunks int       `doc:"Chunks that did not succeed"   json:"failedChunks"`
	DeadLettered int       `doc:"Posts moved to dead letters"   json:"deadLettered"`
}

// SyncResponse is the response for a manually triggered sync cycle.
type SyncResponse struct {
	Body CycleReportBody
}

// DeadLettersResponse lists dead-lettered posts.
type DeadLettersResponse struct {
	Body struct {
		PostIDs []int64 `doc:"Dead-lettered post identifiers" json:"postIds"`
	}
}

// ReplayRequest selects dead letters to replay. An empty list replays all.
type ReplayRequest struct {
	Body struct {
		PostIDs []int64 `doc:"Post identifiers to replay" json:"postIds,omitempty" required:"false"`
	} `required:"false"`
}

// ReplayResponse reports how many dead letters were replayed.
type ReplayResponse struct {
	Body struct {
		Replayed int `doc:"Post identifiers moved back to pending" json:"replayed"`
	}
}

func reportBody(r views.CycleReport) CycleReportBody {
	return CycleReportBody{
		CycleID:      r.CycleID,
		StartedAt:    r.StartedAt,
		DurationMs:   r.Duration.Milliseconds(),
		Pending:      r.Pending,
		Chunks:       r.Chunks,
		FlushedPosts: r.FlushedPosts,
		FlushedViews: r.FlushedViews,
		FailedChunks: r.FailedChunks,
		DeadLettered: r.DeadLettered,
	}
}
