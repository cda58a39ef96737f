// handlers_batch.go - Batch lifecycle handlers
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/webp-converter/backend/internal/batch"
)

// BatchHandlerImpl implements the BatchHandler interface
type BatchHandlerImpl struct {
	batchMgr *batch.Manager
}

// NewBatchHandler creates a new batch handler instance
func NewBatchHandler(batchMgr *batch.Manager) BatchHandler {
	return &BatchHandlerImpl{batchMgr: batchMgr}
}

// HandleCreateBatch starts a new empty batch
func (h *BatchHandlerImpl) HandleCreateBatch(c echo.Context) error {
	b := h.batchMgr.CreateBatch()
	return c.JSON(http.StatusCreated, b)
}

// HandleGetBatch returns the current snapshot of a batch
func (h *BatchHandlerImpl) HandleGetBatch(c echo.Context) error {
	id := c.Param("batchId")
	if id == "" {
		return NewValidationError("batchId")
	}

	b, ok := h.batchMgr.GetBatch(id)
	if !ok {
		return NewNotFoundError("batch", id)
	}

	return c.JSON(http.StatusOK, b)
}

// HandleGetItemsMsgpack returns batch items in MessagePack format for
// clients polling large batches
func (h *BatchHandlerImpl) HandleGetItemsMsgpack(c echo.Context) error {
	id := c.Param("batchId")
	if id == "" {
		return NewValidationError("batchId")
	}

	b, ok := h.batchMgr.GetBatch(id)
	if !ok {
		return NewNotFoundError("batch", id)
	}

	data, err := msgpack.Marshal(map[string]interface{}{
		"items":        b.Items,
		"total":        len(b.Items),
		"skippedCount": b.SkippedCount,
		"converting":   b.Converting,
	})
	if err != nil {
		return NewInternalError("failed to encode items", err)
	}

	return c.Blob(http.StatusOK, "application/msgpack", data)
}

// HandleConvertAll starts the sequential conversion run for a batch
func (h *BatchHandlerImpl) HandleConvertAll(c echo.Context) error {
	id := c.Param("batchId")
	if id == "" {
		return NewValidationError("batchId")
	}

	b, ok := h.batchMgr.GetBatch(id)
	if !ok {
		return NewNotFoundError("batch", id)
	}

	if h.batchMgr.IsConverting(id) {
		return NewConflictError("conversion already running for this batch")
	}

	if !b.HasPending() {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status": "idle",
		})
	}

	// The run owns its own lifetime; a dropped HTTP request must not
	// abort conversions in flight.
	logger := c.Logger()
	go func() {
		if err := h.batchMgr.ConvertAll(context.Background(), id); err != nil &&
			!errors.Is(err, batch.ErrConversionRunning) {
			logger.Errorf("conversion run for batch %s: %v", id, err)
		}
	}()

	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"status": "converting",
	})
}

// HandleRemoveItem removes one item from a batch. Removal is always a
// 204: a finished, failed or already-removed item ends the same way.
func (h *BatchHandlerImpl) HandleRemoveItem(c echo.Context) error {
	batchID := c.Param("batchId")
	itemID := c.Param("itemId")
	if batchID == "" {
		return NewValidationError("batchId")
	}
	if itemID == "" {
		return NewValidationError("itemId")
	}

	h.batchMgr.RemoveItem(batchID, itemID)
	return c.NoContent(http.StatusNoContent)
}

// HandleClearAll empties a batch and resets its skipped counter
func (h *BatchHandlerImpl) HandleClearAll(c echo.Context) error {
	id := c.Param("batchId")
	if id == "" {
		return NewValidationError("batchId")
	}

	if err := h.batchMgr.ClearAll(id); err != nil {
		if errors.Is(err, batch.ErrBatchNotFound) {
			return NewNotFoundError("batch", id)
		}
		return NewInternalError("failed to clear batch", err)
	}

	return c.NoContent(http.StatusNoContent)
}

// HandleDeleteBatch removes the batch itself
func (h *BatchHandlerImpl) HandleDeleteBatch(c echo.Context) error {
	id := c.Param("batchId")
	if id == "" {
		return NewValidationError("batchId")
	}

	if !h.batchMgr.DeleteBatch(id) {
		return NewNotFoundError("batch", id)
	}

	return c.NoContent(http.StatusNoContent)
}

// HandleBatchKeepAlive extends the cleanup deadline of a batch
func (h *BatchHandlerImpl) HandleBatchKeepAlive(c echo.Context) error {
	id := c.Param("batchId")
	if id == "" {
		return NewValidationError("batchId")
	}

	if !h.batchMgr.TouchBatch(id) {
		return NewNotFoundError("batch", id)
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// HandleBatchReport returns the journal of finished conversion attempts
func (h *BatchHandlerImpl) HandleBatchReport(c echo.Context) error {
	id := c.Param("batchId")
	if id == "" {
		return NewValidationError("batchId")
	}

	records, err := h.batchMgr.Report(id)
	if err != nil {
		if errors.Is(err, batch.ErrBatchNotFound) {
			return NewNotFoundError("batch", id)
		}
		return NewInternalError("failed to read conversion report", err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"records": records,
		"total":   len(records),
	})
}
