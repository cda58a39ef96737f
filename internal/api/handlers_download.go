// handlers_download.go - Blob preview and converted-output download handlers
package api

import (
	"github.com/labstack/echo/v4"
	"github.com/webp-converter/backend/internal/batch"
	"github.com/webp-converter/backend/internal/models"
	"github.com/webp-converter/backend/internal/storage"
)

// BlobHandlerImpl implements the BlobHandler interface
type BlobHandlerImpl struct {
	store    storage.Store
	batchMgr *batch.Manager
}

// NewBlobHandler creates a new blob handler instance
func NewBlobHandler(store storage.Store, batchMgr *batch.Manager) BlobHandler {
	return &BlobHandlerImpl{store: store, batchMgr: batchMgr}
}

// HandleGetBlob serves a registered blob inline, used for item previews
func (h *BlobHandlerImpl) HandleGetBlob(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return NewValidationError("id")
	}

	info, err := h.store.Get(id)
	if err != nil {
		return NewNotFoundError("blob", id)
	}

	path, err := h.store.GetFilePath(id)
	if err != nil {
		return NewNotFoundError("blob", id)
	}

	return c.Inline(path, info.Name)
}

// HandleDownloadItem serves the converted PNG of one item as an
// attachment named after the source with a .png extension
func (h *BlobHandlerImpl) HandleDownloadItem(c echo.Context) error {
	batchID := c.Param("batchId")
	itemID := c.Param("itemId")
	if batchID == "" {
		return NewValidationError("batchId")
	}
	if itemID == "" {
		return NewValidationError("itemId")
	}

	b, ok := h.batchMgr.GetBatch(batchID)
	if !ok {
		return NewNotFoundError("batch", batchID)
	}

	var item *models.Item
	for i := range b.Items {
		if b.Items[i].ID == itemID {
			item = &b.Items[i]
			break
		}
	}
	if item == nil {
		return NewNotFoundError("item", itemID)
	}

	if item.Status != models.ItemStatusConverted {
		return NewConflictError("item is not converted yet")
	}

	path, err := h.store.GetFilePath(item.OutputBlobID)
	if err != nil {
		return NewNotFoundError("blob", item.OutputBlobID)
	}

	return c.Attachment(path, item.OutputName())
}
