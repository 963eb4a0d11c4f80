package handlers

import (
	"net/http"

	"github.com/danielgtaylor/huma/v2"
)

// RegisterRoutes registers the view and admin routes. viewLimit guards view
// recording and may be nil.
func RegisterRoutes(
	api huma.API,
	viewHandler *ViewHandler,
	adminHandler *AdminHandler,
	viewLimit func(ctx huma.Context, next func(huma.Context)),
) {
	var recordMiddlewares huma.Middlewares
	if viewLimit != nil {
		recordMiddlewares = append(recordMiddlewares, viewLimit)
	}

	huma.Register(api, huma.Operation{
		OperationID:   "record-view",
		Method:        http.MethodPost,
		Path:          "/posts/{postId}/views",
		Summary:       "Record a view",
		Description:   "Counts a view of the post, at most once per viewer per dedup window.",
		Tags:          []string{"Views"},
		DefaultStatus: http.StatusAccepted,
		Middlewares:   recordMiddlewares,
	}, viewHandler.RecordView)

	huma.Register(api, huma.Operation{
		OperationID: "get-view-count",
		Method:      http.MethodGet,
		Path:        "/posts/{postId}/views",
		Summary:     "Get view count",
		Description: "Returns the persisted count plus the delta waiting to be flushed.",
		Tags:        []string{"Views"},
	}, viewHandler.GetViewCount)

	huma.Register(api, huma.Operation{
		OperationID: "sync-views",
		Method:      http.MethodPost,
		Path:        "/admin/views/sync",
		Summary:     "Run a sync cycle now",
		Tags:        []string{"Admin"},
	}, adminHandler.Sync)

	huma.Register(api, huma.Operation{
		OperationID: "list-dead-letters",
		Method:      http.MethodGet,
		Path:        "/admin/views/dead-letters",
		Summary:     "List dead-lettered posts",
		Tags:        []string{"Admin"},
	}, adminHandler.ListDeadLetters)

	huma.Register(api, huma.Operation{
		OperationID: "replay-dead-letters",
		Method:      http.MethodPost,
		Path:        "/admin/views/dead-letters/replay",
		Summary:     "Replay dead-lettered posts",
		Description: "Moves the given posts, or all when none are given, back to the pending registry.",
		Tags:        []string{"Admin"},
	}, adminHandler.ReplayDeadLetters)
}
