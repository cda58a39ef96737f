// handlers_upload.go - File intake handlers
package api

import (
	"bytes"
	"encoding/base64"
	"errors"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/webp-converter/backend/internal/batch"
	"github.com/webp-converter/backend/internal/storage"
	"github.com/webp-converter/backend/internal/upload"
)

// UploadHandlerImpl implements the UploadHandler interface
type UploadHandlerImpl struct {
	store         storage.Store
	batchMgr      *batch.Manager
	uploadManager *upload.Manager
}

// NewUploadHandler creates a new upload handler instance
func NewUploadHandler(store storage.Store, batchMgr *batch.Manager, uploadMgr *upload.Manager) UploadHandler {
	return &UploadHandlerImpl{
		store:         store,
		batchMgr:      batchMgr,
		uploadManager: uploadMgr,
	}
}

// HandleAddFiles accepts files as base64 JSON and adds them to a batch
func (h *UploadHandlerImpl) HandleAddFiles(c echo.Context) error {
	batchID := c.Param("batchId")
	if batchID == "" {
		return NewValidationError("batchId")
	}

	var req addFilesRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid JSON body", err)
	}

	if err := req.validate(); err != nil {
		return err
	}

	incoming := make([]batch.IncomingFile, 0, len(req.Files))
	for _, f := range req.Files {
		decoded, err := base64.StdEncoding.DecodeString(f.Data)
		if err != nil {
			return NewBadRequestError("invalid base64 data for "+f.Name, err)
		}
		incoming = append(incoming, batch.IncomingFile{
			Name:     f.Name,
			MIMEType: f.MIMEType,
			Size:     int64(len(decoded)),
			Data:     bytes.NewReader(decoded),
		})
	}

	result, err := h.batchMgr.AddFiles(batchID, incoming)
	if err != nil {
		if errors.Is(err, batch.ErrBatchNotFound) {
			return NewNotFoundError("batch", batchID)
		}
		return NewInternalError("failed to add files", err)
	}

	return c.JSON(http.StatusCreated, result)
}

// HandleAddFilesBinary accepts raw binary uploads (multipart/form-data)
// and adds them to a batch
func (h *UploadHandlerImpl) HandleAddFilesBinary(c echo.Context) error {
	batchID := c.Param("batchId")
	if batchID == "" {
		return NewValidationError("batchId")
	}

	form, err := c.MultipartForm()
	if err != nil {
		return NewBadRequestError("invalid multipart form", err)
	}

	files := form.File["files"]
	if len(files) == 0 {
		return NewValidationError("files")
	}

	incoming := make([]batch.IncomingFile, 0, len(files))
	var opened []multipart.File
	defer func() {
		for _, f := range opened {
			f.Close()
		}
	}()

	for _, fh := range files {
		src, err := fh.Open()
		if err != nil {
			return NewInternalError("failed to open uploaded file", err)
		}
		opened = append(opened, src)

		incoming = append(incoming, batch.IncomingFile{
			Name:     fh.Filename,
			MIMEType: partMIMEType(fh),
			Size:     fh.Size,
			Data:     src,
		})
	}

	result, err := h.batchMgr.AddFiles(batchID, incoming)
	if err != nil {
		if errors.Is(err, batch.ErrBatchNotFound) {
			return NewNotFoundError("batch", batchID)
		}
		return NewInternalError("failed to add files", err)
	}

	return c.JSON(http.StatusCreated, result)
}

// HandleUploadChunk accepts a single chunk of a chunked upload
func (h *UploadHandlerImpl) HandleUploadChunk(c echo.Context) error {
	var req uploadChunkRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid JSON body", err)
	}

	if err := req.validate(); err != nil {
		return err
	}

	decoded, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		return NewBadRequestError("invalid base64 data", err)
	}

	if err := h.store.SaveChunkBytes(req.UploadID, req.ChunkIndex, decoded); err != nil {
		return NewInternalError("failed to save chunk", err)
	}

	return c.NoContent(http.StatusAccepted)
}

// HandleCompleteUpload completes a chunked upload and starts async
// processing that ends with the file attached to its batch
func (h *UploadHandlerImpl) HandleCompleteUpload(c echo.Context) error {
	var req completeUploadRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid request body", err)
	}

	if err := req.validate(); err != nil {
		return err
	}

	job := h.uploadManager.StartJob(
		req.UploadID,
		req.BatchID,
		req.Name,
		req.MIMEType,
		req.TotalChunks,
		req.OriginalSize,
		req.CompressedSize,
		req.Encoding,
	)

	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"jobId":  job.ID,
		"status": job.Status,
	})
}

// HandleUploadJobStatus returns the state of an async upload job
func (h *UploadHandlerImpl) HandleUploadJobStatus(c echo.Context) error {
	id := c.Param("jobId")
	if id == "" {
		return NewValidationError("jobId")
	}

	job, ok := h.uploadManager.GetJob(id)
	if !ok {
		return NewNotFoundError("upload job", id)
	}

	return c.JSON(http.StatusOK, job)
}

// Request/Response types

type addFilesRequest struct {
	Files []addFileEntry `json:"files"`
}

type addFileEntry struct {
	Name     string `json:"name"`
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // Base64-encoded content
}

func (r *addFilesRequest) validate() error {
	if len(r.Files) == 0 {
		return NewValidationError("files")
	}
	for _, f := range r.Files {
		if f.Name == "" {
			return NewValidationError("name")
		}
		if f.Data == "" {
			return NewValidationError("data")
		}
	}
	return nil
}

type uploadChunkRequest struct {
	UploadID    string `json:"uploadId"`
	ChunkIndex  int    `json:"chunkIndex"`
	Data        string `json:"data"` // Base64-encoded chunk
	TotalChunks int    `json:"totalChunks"`
}

func (r *uploadChunkRequest) validate() error {
	if r.UploadID == "" {
		return NewValidationError("uploadId")
	}
	if r.Data == "" {
		return NewValidationError("data")
	}
	return nil
}

type completeUploadRequest struct {
	UploadID       string `json:"uploadId"`
	BatchID        string `json:"batchId"`
	Name           string `json:"name"`
	MIMEType       string `json:"mimeType"`
	TotalChunks    int    `json:"totalChunks"`
	OriginalSize   int64  `json:"originalSize"`
	CompressedSize int64  `json:"compressedSize"`
	Encoding       string `json:"encoding"`
}

func (r *completeUploadRequest) validate() error {
	if r.UploadID == "" {
		return NewValidationError("uploadId")
	}
	if r.BatchID == "" {
		return NewValidationError("batchId")
	}
	if r.Name == "" {
		return NewValidationError("name")
	}
	if r.TotalChunks <= 0 {
		return NewBadRequestError("totalChunks must be positive", nil)
	}
	return nil
}

// Helper functions

// partMIMEType resolves the declared type of one multipart file,
// falling back to the filename extension for clients that send
// application/octet-stream.
func partMIMEType(fh *multipart.FileHeader) string {
	ct := fh.Header.Get("Content-Type")
	if ct != "" && ct != "application/octet-stream" {
		return ct
	}
	if strings.EqualFold(filepath.Ext(fh.Filename), ".webp") {
		return "image/webp"
	}
	return ct
}
