// handlers_test.go - Shared fixtures for handler tests
package api

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/webp-converter/backend/internal/batch"
	"github.com/webp-converter/backend/internal/convert"
	"github.com/webp-converter/backend/internal/storage"
	"github.com/webp-converter/backend/internal/testutil"
	"github.com/webp-converter/backend/internal/upload"
)

// stubConverter succeeds unless the source contains "corrupt". The
// output marks the input so tests can recognize it.
type stubConverter struct{}

func (stubConverter) Convert(ctx context.Context, r io.Reader) (*convert.Result, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", convert.ErrDecodeFailed, err)
	}
	if strings.Contains(string(data), "corrupt") {
		return nil, fmt.Errorf("%w: riff: missing RIFF chunk header", convert.ErrDecodeFailed)
	}
	return &convert.Result{PNG: append([]byte("png:"), data...), Width: 3, Height: 2}, nil
}

// testEnv wires real managers over a disk-backed store for handler
// tests that serve actual files.
type testEnv struct {
	store     *storage.LocalStore
	batchMgr  *batch.Manager
	uploadMgr *upload.Manager
	handlers  *Handlers
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := storage.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}

	rules := convert.NewRulesStore(convert.DefaultRules())
	batchMgr := batch.NewManager(store, stubConverter{}, rules, t.TempDir())
	uploadMgr := upload.NewManager(store, batchMgr)

	handlers := NewHandlers(&Dependencies{
		Store:     store,
		BatchMgr:  batchMgr,
		UploadMgr: uploadMgr,
		Rules:     rules,
		Version:   "test",
	})

	return &testEnv{
		store:     store,
		batchMgr:  batchMgr,
		uploadMgr: uploadMgr,
		handlers:  handlers,
	}
}

// mockEnv wires the handlers over an in-memory store for tests that
// never serve files from disk.
type mockEnv struct {
	store    *testutil.MockStorage
	batchMgr *batch.Manager
	handlers *Handlers
}

func newMockEnv(t *testing.T) *mockEnv {
	t.Helper()

	store := testutil.NewMockStorage()
	rules := convert.NewRulesStore(convert.DefaultRules())
	batchMgr := batch.NewManager(store, stubConverter{}, rules, t.TempDir())
	uploadMgr := upload.NewManager(store, batchMgr)

	handlers := NewHandlers(&Dependencies{
		Store:     store,
		BatchMgr:  batchMgr,
		UploadMgr: uploadMgr,
		Rules:     rules,
		Version:   "test",
	})

	return &mockEnv{
		store:    store,
		batchMgr: batchMgr,
		handlers: handlers,
	}
}

// waitForConversion polls until the batch's conversion run finishes.
func (env *testEnv) waitForConversion(t *testing.T, batchID string) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for {
		b, ok := env.batchMgr.GetBatch(batchID)
		if !ok {
			t.Fatalf("batch %s disappeared while converting", batchID)
		}
		if !env.batchMgr.IsConverting(batchID) && !b.HasPending() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("conversion did not finish in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
