// handlers_batch_test.go - Tests for batch lifecycle handlers
package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/webp-converter/backend/internal/batch"
	"github.com/webp-converter/backend/internal/models"
)

func addTestFiles(t *testing.T, env *testEnv, batchID string, contents map[string]string) {
	t.Helper()

	files := make([]batch.IncomingFile, 0, len(contents))
	for name, content := range contents {
		files = append(files, batch.IncomingFile{
			Name:     name,
			MIMEType: "image/webp",
			Size:     int64(len(content)),
			Data:     strings.NewReader(content),
		})
	}
	if _, err := env.batchMgr.AddFiles(batchID, files); err != nil {
		t.Fatalf("AddFiles: %v", err)
	}
}

func TestBatchHandler_HandleCreateBatch(t *testing.T) {
	env := newTestEnv(t)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/batches", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := env.handlers.Batch.HandleCreateBatch(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected status 201, got %d", rec.Code)
	}

	var b models.Batch
	if err := json.Unmarshal(rec.Body.Bytes(), &b); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if b.ID == "" {
		t.Error("expected non-empty batch ID")
	}
	if len(b.Items) != 0 {
		t.Errorf("expected empty batch, got %d items", len(b.Items))
	}
}

func TestBatchHandler_HandleGetBatch(t *testing.T) {
	env := newTestEnv(t)
	b := env.batchMgr.CreateBatch()
	addTestFiles(t, env, b.ID, map[string]string{"a.webp": "aaa"})

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/batches/:batchId", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("batchId")
	c.SetParamValues(b.ID)

	if err := env.handlers.Batch.HandleGetBatch(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got models.Batch
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if len(got.Items) != 1 {
		t.Errorf("expected 1 item, got %d", len(got.Items))
	}
	if got.Items[0].Status != models.ItemStatusPending {
		t.Errorf("expected pending item, got %s", got.Items[0].Status)
	}
}

func TestBatchHandler_HandleGetBatch_NotFound(t *testing.T) {
	env := newTestEnv(t)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/batches/:batchId", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("batchId")
	c.SetParamValues("no-such-batch")

	err := env.handlers.Batch.HandleGetBatch(c)
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Status != http.StatusNotFound {
		t.Errorf("expected 404, got %d", apiErr.Status)
	}
}

func TestBatchHandler_HandleGetItemsMsgpack(t *testing.T) {
	env := newTestEnv(t)
	b := env.batchMgr.CreateBatch()
	addTestFiles(t, env, b.ID, map[string]string{"a.webp": "aaa", "b.webp": "bbb"})

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/batches/:batchId/items/msgpack", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("batchId")
	c.SetParamValues(b.ID)

	if err := env.handlers.Batch.HandleGetItemsMsgpack(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/msgpack" {
		t.Errorf("expected application/msgpack, got %s", ct)
	}

	var decoded map[string]interface{}
	if err := msgpack.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("failed to decode msgpack: %v", err)
	}
	if total, ok := decoded["total"].(int8); ok && int(total) != 2 {
		t.Errorf("expected total 2, got %d", total)
	}
}

func TestBatchHandler_HandleConvertAll(t *testing.T) {
	env := newTestEnv(t)
	b := env.batchMgr.CreateBatch()
	addTestFiles(t, env, b.ID, map[string]string{
		"good.webp": "pixels",
		"bad.webp":  "corrupt",
	})

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/batches/:batchId/convert", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("batchId")
	c.SetParamValues(b.ID)

	if err := env.handlers.Batch.HandleConvertAll(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}

	env.waitForConversion(t, b.ID)

	snap, _ := env.batchMgr.GetBatch(b.ID)
	converted, errored := 0, 0
	for _, it := range snap.Items {
		switch it.Status {
		case models.ItemStatusConverted:
			converted++
		case models.ItemStatusError:
			errored++
		default:
			t.Errorf("item %s left in %s", it.SourceName, it.Status)
		}
	}
	if converted != 1 || errored != 1 {
		t.Errorf("expected 1 converted and 1 error, got %d/%d", converted, errored)
	}
}

func TestBatchHandler_HandleConvertAll_NothingPending(t *testing.T) {
	env := newTestEnv(t)
	b := env.batchMgr.CreateBatch()

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/batches/:batchId/convert", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("batchId")
	c.SetParamValues(b.ID)

	if err := env.handlers.Batch.HandleConvertAll(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 for idle batch, got %d", rec.Code)
	}

	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["status"] != "idle" {
		t.Errorf("expected idle status, got %s", resp["status"])
	}
}

func TestBatchHandler_HandleRemoveItem(t *testing.T) {
	env := newTestEnv(t)
	b := env.batchMgr.CreateBatch()
	addTestFiles(t, env, b.ID, map[string]string{"a.webp": "aaa"})

	snap, _ := env.batchMgr.GetBatch(b.ID)
	itemID := snap.Items[0].ID

	e := echo.New()
	for _, id := range []string{itemID, itemID, "never-existed"} {
		req := httptest.NewRequest(http.MethodDelete, "/api/batches/:batchId/items/:itemId", nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		c.SetParamNames("batchId", "itemId")
		c.SetParamValues(b.ID, id)

		if err := env.handlers.Batch.HandleRemoveItem(c); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		// Removal is idempotent: repeated and unknown ids are 204 too.
		if rec.Code != http.StatusNoContent {
			t.Errorf("expected 204 for item %s, got %d", id, rec.Code)
		}
	}

	snap, _ = env.batchMgr.GetBatch(b.ID)
	if len(snap.Items) != 0 {
		t.Errorf("expected empty batch, got %d items", len(snap.Items))
	}
}

func TestBatchHandler_HandleClearAll(t *testing.T) {
	env := newTestEnv(t)
	b := env.batchMgr.CreateBatch()
	addTestFiles(t, env, b.ID, map[string]string{"a.webp": "aaa", "b.webp": "bbb"})

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/batches/:batchId/clear", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("batchId")
	c.SetParamValues(b.ID)

	if err := env.handlers.Batch.HandleClearAll(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}

	snap, _ := env.batchMgr.GetBatch(b.ID)
	if len(snap.Items) != 0 || snap.SkippedCount != 0 {
		t.Errorf("expected reset batch, got %d items and %d skipped", len(snap.Items), snap.SkippedCount)
	}
	if env.store.LiveCount() != 0 {
		t.Errorf("expected no live blobs, got %d", env.store.LiveCount())
	}
}

func TestBatchHandler_HandleBatchKeepAlive(t *testing.T) {
	env := newTestEnv(t)
	b := env.batchMgr.CreateBatch()

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/batches/:batchId/keepalive", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("batchId")
	c.SetParamValues(b.ID)

	if err := env.handlers.Batch.HandleBatchKeepAlive(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	// Unknown batch is a 404.
	req = httptest.NewRequest(http.MethodPost, "/api/batches/:batchId/keepalive", nil)
	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	c.SetParamNames("batchId")
	c.SetParamValues("no-such-batch")

	err := env.handlers.Batch.HandleBatchKeepAlive(c)
	apiErr, ok := err.(*APIError)
	if !ok || apiErr.Status != http.StatusNotFound {
		t.Errorf("expected 404 APIError, got %v", err)
	}
}

func TestBatchHandler_HandleBatchReport(t *testing.T) {
	env := newTestEnv(t)
	b := env.batchMgr.CreateBatch()
	addTestFiles(t, env, b.ID, map[string]string{"a.webp": "aaa"})

	e := echo.New()
	convReq := httptest.NewRequest(http.MethodPost, "/api/batches/:batchId/convert", nil)
	convRec := httptest.NewRecorder()
	cc := e.NewContext(convReq, convRec)
	cc.SetParamNames("batchId")
	cc.SetParamValues(b.ID)
	if err := env.handlers.Batch.HandleConvertAll(cc); err != nil {
		t.Fatalf("convert: %v", err)
	}
	env.waitForConversion(t, b.ID)

	req := httptest.NewRequest(http.MethodGet, "/api/batches/:batchId/report", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("batchId")
	c.SetParamValues(b.ID)

	if err := env.handlers.Batch.HandleBatchReport(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var resp struct {
		Total int `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Total != 1 {
		t.Errorf("expected 1 report record, got %d", resp.Total)
	}
}

func TestBatchHandler_HandleDeleteBatch(t *testing.T) {
	env := newTestEnv(t)
	b := env.batchMgr.CreateBatch()
	addTestFiles(t, env, b.ID, map[string]string{"a.webp": "aaa"})

	e := echo.New()
	req := httptest.NewRequest(http.MethodDelete, "/api/batches/:batchId", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("batchId")
	c.SetParamValues(b.ID)

	if err := env.handlers.Batch.HandleDeleteBatch(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
	if env.store.LiveCount() != 0 {
		t.Errorf("expected all blobs released, got %d", env.store.LiveCount())
	}

	if _, ok := env.batchMgr.GetBatch(b.ID); ok {
		t.Error("batch should be gone")
	}
}
