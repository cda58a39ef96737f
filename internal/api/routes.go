// routes.go - Route registration helpers
// This file provides a clean way to register all API routes
package api

import (
	"github.com/labstack/echo/v4"
	"github.com/webp-converter/backend/internal/batch"
	"github.com/webp-converter/backend/internal/convert"
	"github.com/webp-converter/backend/internal/storage"
	"github.com/webp-converter/backend/internal/upload"
)

// Dependencies holds all handler dependencies
type Dependencies struct {
	Store     storage.Store
	BatchMgr  *batch.Manager
	UploadMgr *upload.Manager
	Rules     *convert.RulesStore
	RulesPath string
	Version   string
}

// Handlers holds all handler instances
type Handlers struct {
	Health HealthHandler
	Upload UploadHandler
	Batch  BatchHandler
	Blob   BlobHandler
	Rules  RulesHandler
}

// NewHandlers creates all handler instances
func NewHandlers(deps *Dependencies) *Handlers {
	return &Handlers{
		Health: NewHealthHandler(deps.Version, deps.Store),
		Upload: NewUploadHandler(deps.Store, deps.BatchMgr, deps.UploadMgr),
		Batch:  NewBatchHandler(deps.BatchMgr),
		Blob:   NewBlobHandler(deps.Store, deps.BatchMgr),
		Rules:  NewRulesHandler(deps.Rules, deps.RulesPath),
	}
}

// RegisterRoutes registers all API routes with the Echo instance
func RegisterRoutes(e *echo.Echo, handlers *Handlers) {
	// Health check
	e.GET("/health", handlers.Health.HandleHealth)

	// Batch lifecycle routes
	batchGroup := e.Group("/api/batches")
	batchGroup.POST("", handlers.Batch.HandleCreateBatch)
	batchGroup.GET("/:batchId", handlers.Batch.HandleGetBatch)
	batchGroup.GET("/:batchId/items/msgpack", handlers.Batch.HandleGetItemsMsgpack)
	batchGroup.POST("/:batchId/convert", handlers.Batch.HandleConvertAll)
	batchGroup.POST("/:batchId/clear", handlers.Batch.HandleClearAll)
	batchGroup.POST("/:batchId/keepalive", handlers.Batch.HandleBatchKeepAlive)
	batchGroup.GET("/:batchId/report", handlers.Batch.HandleBatchReport)
	batchGroup.DELETE("/:batchId", handlers.Batch.HandleDeleteBatch)

	// File intake routes
	batchGroup.POST("/:batchId/files", handlers.Upload.HandleAddFiles)
	batchGroup.POST("/:batchId/files/binary", handlers.Upload.HandleAddFilesBinary)

	// Item routes
	batchGroup.DELETE("/:batchId/items/:itemId", handlers.Batch.HandleRemoveItem)
	batchGroup.GET("/:batchId/items/:itemId/download", handlers.Blob.HandleDownloadItem)

	// Chunked upload routes for very large sources
	uploadGroup := e.Group("/api/uploads")
	uploadGroup.POST("/chunk", handlers.Upload.HandleUploadChunk)
	uploadGroup.POST("/complete", handlers.Upload.HandleCompleteUpload)
	uploadGroup.GET("/jobs/:jobId", handlers.Upload.HandleUploadJobStatus)

	// Blob previews
	e.GET("/api/blobs/:id", handlers.Blob.HandleGetBlob)

	// Conversion rules
	e.GET("/api/rules", handlers.Rules.HandleGetRules)
	e.PUT("/api/rules", handlers.Rules.HandleUpdateRules)
}

// RegisterWebSocketRoutes registers WebSocket routes
func RegisterWebSocketRoutes(e *echo.Echo, wsh *WebSocketHandler) {
	e.GET("/api/batches/:batchId/events", wsh.HandleBatchEvents)
}

// SetupMiddleware configures common middleware
func SetupMiddleware(e *echo.Echo) {
	// Use custom error handler
	e.HTTPErrorHandler = ErrorHandler
}
