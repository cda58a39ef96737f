// interfaces.go - Handler interface definitions for clean separation of concerns
package api

import (
	"github.com/labstack/echo/v4"
)

// UploadHandler handles file upload operations
type UploadHandler interface {
	HandleAddFiles(c echo.Context) error
	HandleAddFilesBinary(c echo.Context) error
	HandleUploadChunk(c echo.Context) error
	HandleCompleteUpload(c echo.Context) error
	HandleUploadJobStatus(c echo.Context) error
}

// BatchHandler handles batch lifecycle operations
type BatchHandler interface {
	HandleCreateBatch(c echo.Context) error
	HandleGetBatch(c echo.Context) error
	HandleGetItemsMsgpack(c echo.Context) error
	HandleConvertAll(c echo.Context) error
	HandleRemoveItem(c echo.Context) error
	HandleClearAll(c echo.Context) error
	HandleDeleteBatch(c echo.Context) error
	HandleBatchKeepAlive(c echo.Context) error
	HandleBatchReport(c echo.Context) error
}

// BlobHandler handles blob previews and converted downloads
type BlobHandler interface {
	HandleGetBlob(c echo.Context) error
	HandleDownloadItem(c echo.Context) error
}

// RulesHandler handles conversion rule operations
type RulesHandler interface {
	HandleGetRules(c echo.Context) error
	HandleUpdateRules(c echo.Context) error
}

// HealthHandler handles health check operations
type HealthHandler interface {
	HandleHealth(c echo.Context) error
}
