package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webp-converter/backend/internal/convert"
	"github.com/webp-converter/backend/internal/models"
	"github.com/webp-converter/backend/internal/storage"
)

// fakeConverter converts based on the source contents: sources containing
// "corrupt" fail decoding, sources containing "encodefail" fail encoding,
// everything else succeeds with a fixed 3x2 result.
type fakeConverter struct {
	mu        sync.Mutex
	calls     []string
	onConvert func(call int)
	block     chan struct{} // when set, Convert waits on it
}

func (f *fakeConverter) Convert(ctx context.Context, r io.Reader) (*convert.Result, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", convert.ErrDecodeFailed, err)
	}

	f.mu.Lock()
	call := len(f.calls)
	f.calls = append(f.calls, string(data))
	hook := f.onConvert
	block := f.block
	f.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	if block != nil {
		<-block
	}

	content := string(data)
	switch {
	case strings.Contains(content, "corrupt"):
		return nil, fmt.Errorf("%w: riff: missing RIFF chunk header", convert.ErrDecodeFailed)
	case strings.Contains(content, "encodefail"):
		return nil, fmt.Errorf("%w: out of surface memory", convert.ErrEncodeFailed)
	default:
		return &convert.Result{PNG: []byte("png:" + content), Width: 3, Height: 2}, nil
	}
}

func (f *fakeConverter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestManager(t *testing.T) (*Manager, *storage.LocalStore, *fakeConverter) {
	t.Helper()
	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	conv := &fakeConverter{}
	rules := convert.NewRulesStore(convert.DefaultRules())
	mgr := NewManager(store, conv, rules, t.TempDir())
	return mgr, store, conv
}

func webpFile(name, content string) IncomingFile {
	return IncomingFile{
		Name:     name,
		MIMEType: "image/webp",
		Size:     int64(len(content)),
		Data:     strings.NewReader(content),
	}
}

func TestAddFilesAcceptsAndSkips(t *testing.T) {
	mgr, store, _ := newTestManager(t)
	b := mgr.CreateBatch()

	res, err := mgr.AddFiles(b.ID, []IncomingFile{
		webpFile("a.webp", "aaa"),
		webpFile("b.webp", "bbb"),
		webpFile("c.webp", "ccc"),
		{Name: "d.png", MIMEType: "image/png", Data: strings.NewReader("ddd")},
	})
	require.NoError(t, err)

	assert.Len(t, res.Added, 3)
	assert.Equal(t, 1, res.SkippedCount)
	assert.NotEmpty(t, res.SkippedNote)

	seen := map[string]bool{}
	for _, it := range res.Added {
		assert.Equal(t, models.ItemStatusPending, it.Status)
		assert.False(t, seen[it.ID], "duplicate item id %s", it.ID)
		seen[it.ID] = true
	}

	snap, ok := mgr.GetBatch(b.ID)
	require.True(t, ok)
	assert.Len(t, snap.Items, 3)
	assert.Equal(t, "a.webp", snap.Items[0].SourceName)
	assert.Equal(t, "b.webp", snap.Items[1].SourceName)
	assert.Equal(t, "c.webp", snap.Items[2].SourceName)

	// One registry entry per accepted file, none for the reject.
	assert.Equal(t, 3, store.LiveCount())
}

func TestAddFilesSkipsOversizedFiles(t *testing.T) {
	mgr, store, _ := newTestManager(t)
	rules := convert.DefaultRules()
	rules.MaxSourceBytes = 4
	mgr.rules.Update(rules)

	b := mgr.CreateBatch()
	res, err := mgr.AddFiles(b.ID, []IncomingFile{
		webpFile("ok.webp", "abc"),
		webpFile("big.webp", "abcdefgh"),
	})
	require.NoError(t, err)

	assert.Len(t, res.Added, 1)
	assert.Equal(t, 1, res.SkippedCount)
	assert.Equal(t, 1, store.LiveCount())
}

func TestAddFilesClearsNoteOnCleanAdd(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	b := mgr.CreateBatch()

	res, err := mgr.AddFiles(b.ID, []IncomingFile{
		{Name: "nope.txt", MIMEType: "text/plain", Data: strings.NewReader("x")},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.SkippedCount)
	assert.NotEmpty(t, res.SkippedNote)

	res, err = mgr.AddFiles(b.ID, []IncomingFile{webpFile("ok.webp", "ok")})
	require.NoError(t, err)
	assert.Empty(t, res.SkippedNote, "a clean add clears the message")
	assert.Equal(t, 1, res.SkippedCount, "skipped count persists until clear")
}

func TestConvertAllTerminalStates(t *testing.T) {
	mgr, store, _ := newTestManager(t)
	b := mgr.CreateBatch()

	_, err := mgr.AddFiles(b.ID, []IncomingFile{
		webpFile("good1.webp", "pixels-1"),
		webpFile("broken.webp", "corrupt"),
		webpFile("good2.webp", "pixels-2"),
		webpFile("stuck.webp", "encodefail"),
	})
	require.NoError(t, err)

	require.NoError(t, mgr.ConvertAll(context.Background(), b.ID))

	snap, ok := mgr.GetBatch(b.ID)
	require.True(t, ok)
	require.Len(t, snap.Items, 4)

	for _, it := range snap.Items {
		assert.True(t, it.Status.IsTerminal(), "item %s left in %s", it.SourceName, it.Status)
	}

	good1, bad, good2, stuck := snap.Items[0], snap.Items[1], snap.Items[2], snap.Items[3]

	assert.Equal(t, models.ItemStatusConverted, good1.Status)
	assert.NotEmpty(t, good1.OutputBlobID)
	assert.Empty(t, good1.ErrorDetail)
	assert.Equal(t, 3, good1.Width)
	assert.Equal(t, 2, good1.Height)

	assert.Equal(t, models.ItemStatusError, bad.Status)
	assert.Empty(t, bad.OutputBlobID)
	assert.Contains(t, bad.ErrorDetail, "failed to decode source")

	assert.Equal(t, models.ItemStatusConverted, good2.Status)

	assert.Equal(t, models.ItemStatusError, stuck.Status)
	assert.Contains(t, stuck.ErrorDetail, "failed to produce output")

	// 4 sources + 2 outputs live.
	assert.Equal(t, 6, store.LiveCount())
}

func TestConvertAllCompletionOrdering(t *testing.T) {
	mgr, _, conv := newTestManager(t)
	b := mgr.CreateBatch()

	_, err := mgr.AddFiles(b.ID, []IncomingFile{
		webpFile("a.webp", "content-a"),
		webpFile("b.webp", "content-b"),
		webpFile("c.webp", "content-c"),
	})
	require.NoError(t, err)

	require.NoError(t, mgr.ConvertAll(context.Background(), b.ID))

	// Sources were converted strictly in insertion order.
	assert.Equal(t, []string{"content-a", "content-b", "content-c"}, conv.calls)

	snap, _ := mgr.GetBatch(b.ID)
	require.Len(t, snap.Items, 3)
	assert.Equal(t, 1, snap.Items[0].CompletedSeq)
	assert.Equal(t, 2, snap.Items[1].CompletedSeq)
	assert.Equal(t, 3, snap.Items[2].CompletedSeq)
}

func TestConvertAllIdempotentWhenNothingPending(t *testing.T) {
	mgr, _, conv := newTestManager(t)
	b := mgr.CreateBatch()

	_, err := mgr.AddFiles(b.ID, []IncomingFile{webpFile("a.webp", "a")})
	require.NoError(t, err)

	require.NoError(t, mgr.ConvertAll(context.Background(), b.ID))
	before, _ := mgr.GetBatch(b.ID)
	calls := conv.callCount()

	// Second run with nothing pending changes nothing.
	require.NoError(t, mgr.ConvertAll(context.Background(), b.ID))
	after, _ := mgr.GetBatch(b.ID)

	assert.Equal(t, calls, conv.callCount())
	assert.Equal(t, before.Items, after.Items)
}

func TestConvertAllEmptyBatchIsNoOp(t *testing.T) {
	mgr, _, conv := newTestManager(t)
	b := mgr.CreateBatch()

	require.NoError(t, mgr.ConvertAll(context.Background(), b.ID))
	assert.Equal(t, 0, conv.callCount())
}

func TestConvertAllSkipsItemsRemovedMidRun(t *testing.T) {
	mgr, store, conv := newTestManager(t)
	b := mgr.CreateBatch()

	_, err := mgr.AddFiles(b.ID, []IncomingFile{
		webpFile("a.webp", "content-a"),
		webpFile("b.webp", "content-b"),
		webpFile("c.webp", "content-c"),
	})
	require.NoError(t, err)

	snap, _ := mgr.GetBatch(b.ID)
	itemB := snap.Items[1]

	// While item A converts, the user removes item B.
	conv.onConvert = func(call int) {
		if call == 0 {
			mgr.RemoveItem(b.ID, itemB.ID)
		}
	}

	require.NoError(t, mgr.ConvertAll(context.Background(), b.ID))

	// B was never converted.
	assert.Equal(t, []string{"content-a", "content-c"}, conv.calls)

	after, _ := mgr.GetBatch(b.ID)
	require.Len(t, after.Items, 2)
	for _, it := range after.Items {
		assert.Equal(t, models.ItemStatusConverted, it.Status)
	}

	// 2 sources + 2 outputs; B's source was released on removal.
	assert.Equal(t, 4, store.LiveCount())
}

func TestConvertAllRejectsConcurrentRun(t *testing.T) {
	mgr, _, conv := newTestManager(t)
	b := mgr.CreateBatch()

	_, err := mgr.AddFiles(b.ID, []IncomingFile{webpFile("a.webp", "a")})
	require.NoError(t, err)

	conv.block = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		done <- mgr.ConvertAll(context.Background(), b.ID)
	}()

	// Wait until the run is observably in flight.
	deadline := time.Now().Add(2 * time.Second)
	for !mgr.IsConverting(b.ID) {
		if time.Now().After(deadline) {
			t.Fatal("conversion never started")
		}
		time.Sleep(time.Millisecond)
	}

	assert.ErrorIs(t, mgr.ConvertAll(context.Background(), b.ID), ErrConversionRunning)

	close(conv.block)
	require.NoError(t, <-done)
	assert.False(t, mgr.IsConverting(b.ID))
}

func TestRemoveItemReleasesRegistryEntries(t *testing.T) {
	mgr, store, _ := newTestManager(t)
	b := mgr.CreateBatch()

	_, err := mgr.AddFiles(b.ID, []IncomingFile{
		webpFile("good.webp", "pixels"),
		webpFile("bad.webp", "corrupt"),
		webpFile("waiting.webp", "later"),
	})
	require.NoError(t, err)

	require.NoError(t, mgr.ConvertAll(context.Background(), b.ID))

	res, err := mgr.AddFiles(b.ID, []IncomingFile{webpFile("pending.webp", "still pending")})
	require.NoError(t, err)
	pendingItem := res.Added[0]

	snap, _ := mgr.GetBatch(b.ID)
	var converted, errored models.Item
	for _, it := range snap.Items {
		switch it.Status {
		case models.ItemStatusConverted:
			if converted.ID == "" {
				converted = it
			}
		case models.ItemStatusError:
			errored = it
		}
	}
	require.NotEmpty(t, converted.ID)
	require.NotEmpty(t, errored.ID)

	// converted: source + output = 2 entries.
	live := store.LiveCount()
	require.True(t, mgr.RemoveItem(b.ID, converted.ID))
	assert.Equal(t, live-2, store.LiveCount())

	// error: source only.
	live = store.LiveCount()
	require.True(t, mgr.RemoveItem(b.ID, errored.ID))
	assert.Equal(t, live-1, store.LiveCount())

	// pending: source only.
	live = store.LiveCount()
	require.True(t, mgr.RemoveItem(b.ID, pendingItem.ID))
	assert.Equal(t, live-1, store.LiveCount())

	// Unknown id is a no-op.
	assert.False(t, mgr.RemoveItem(b.ID, "no-such-item"))
}

func TestClearAllResetsBatch(t *testing.T) {
	mgr, store, _ := newTestManager(t)
	b := mgr.CreateBatch()

	_, err := mgr.AddFiles(b.ID, []IncomingFile{
		webpFile("a.webp", "a"),
		{Name: "nope.gif", MIMEType: "image/gif", Data: strings.NewReader("gif")},
	})
	require.NoError(t, err)
	require.NoError(t, mgr.ConvertAll(context.Background(), b.ID))
	require.NotZero(t, store.LiveCount())

	require.NoError(t, mgr.ClearAll(b.ID))

	snap, ok := mgr.GetBatch(b.ID)
	require.True(t, ok, "batch survives a clear")
	assert.Empty(t, snap.Items)
	assert.Zero(t, snap.SkippedCount)
	assert.Empty(t, snap.SkippedNote)
	assert.Equal(t, 0, store.LiveCount())

	report, err := mgr.Report(b.ID)
	require.NoError(t, err)
	assert.Empty(t, report)
}

func TestDeleteBatchReleasesEverything(t *testing.T) {
	mgr, store, _ := newTestManager(t)
	b := mgr.CreateBatch()

	_, err := mgr.AddFiles(b.ID, []IncomingFile{
		webpFile("a.webp", "a"),
		webpFile("b.webp", "b"),
	})
	require.NoError(t, err)
	require.NoError(t, mgr.ConvertAll(context.Background(), b.ID))

	require.True(t, mgr.DeleteBatch(b.ID))
	assert.Equal(t, 0, store.LiveCount())

	_, ok := mgr.GetBatch(b.ID)
	assert.False(t, ok)
	assert.False(t, mgr.DeleteBatch(b.ID))
}

func TestReportRecordsCompletedConversions(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	b := mgr.CreateBatch()

	_, err := mgr.AddFiles(b.ID, []IncomingFile{
		webpFile("ok.webp", "pixels"),
		webpFile("bad.webp", "corrupt"),
	})
	require.NoError(t, err)
	require.NoError(t, mgr.ConvertAll(context.Background(), b.ID))

	report, err := mgr.Report(b.ID)
	require.NoError(t, err)
	require.Len(t, report, 2)

	assert.Equal(t, 1, report[0].Seq)
	assert.Equal(t, "ok.webp", report[0].Name)
	assert.Equal(t, "converted", report[0].Outcome)
	assert.Equal(t, 3, report[0].Width)

	assert.Equal(t, 2, report[1].Seq)
	assert.Equal(t, "error", report[1].Outcome)
	assert.Contains(t, report[1].Detail, "failed to decode source")
}

type capturingPublisher struct {
	mu     sync.Mutex
	events []models.Item
}

func (p *capturingPublisher) PublishItem(batchID string, item models.Item) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, item)
}

func TestConvertAllPublishesPerItemUpdates(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	pub := &capturingPublisher{}
	mgr.SetPublisher(pub)

	b := mgr.CreateBatch()
	_, err := mgr.AddFiles(b.ID, []IncomingFile{
		webpFile("a.webp", "a"),
		webpFile("b.webp", "b"),
	})
	require.NoError(t, err)
	require.NoError(t, mgr.ConvertAll(context.Background(), b.ID))

	// converting + terminal per item, in order: A settles before B starts.
	require.Len(t, pub.events, 4)
	assert.Equal(t, models.ItemStatusConverting, pub.events[0].Status)
	assert.Equal(t, "a.webp", pub.events[0].SourceName)
	assert.Equal(t, models.ItemStatusConverted, pub.events[1].Status)
	assert.Equal(t, "a.webp", pub.events[1].SourceName)
	assert.Equal(t, models.ItemStatusConverting, pub.events[2].Status)
	assert.Equal(t, "b.webp", pub.events[2].SourceName)
	assert.Equal(t, models.ItemStatusConverted, pub.events[3].Status)
	assert.Equal(t, "b.webp", pub.events[3].SourceName)
}

func TestOperationsOnUnknownBatch(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	_, err := mgr.AddFiles("missing", []IncomingFile{webpFile("a.webp", "a")})
	assert.ErrorIs(t, err, ErrBatchNotFound)

	assert.ErrorIs(t, mgr.ConvertAll(context.Background(), "missing"), ErrBatchNotFound)
	assert.ErrorIs(t, mgr.ClearAll("missing"), ErrBatchNotFound)

	_, err = mgr.Report("missing")
	assert.ErrorIs(t, err, ErrBatchNotFound)

	_, ok := mgr.GetBatch("missing")
	assert.False(t, ok)
	assert.False(t, mgr.TouchBatch("missing"))
	assert.False(t, mgr.RemoveItem("missing", "item"))
}

func TestAttachUploaded(t *testing.T) {
	mgr, store, _ := newTestManager(t)
	b := mgr.CreateBatch()

	info, err := store.SaveBytes("chunked.webp", []byte("assembled"))
	require.NoError(t, err)

	item, err := mgr.AttachUploaded(b.ID, info, "image/webp")
	require.NoError(t, err)
	assert.Equal(t, models.ItemStatusPending, item.Status)
	assert.Equal(t, "chunked.webp", item.SourceName)

	// Rejected attachments release the blob and count as skipped.
	rejected, err := store.SaveBytes("nope.txt", []byte("text"))
	require.NoError(t, err)

	_, err = mgr.AttachUploaded(b.ID, rejected, "text/plain")
	assert.ErrorIs(t, err, ErrNotAccepted)
	assert.Equal(t, 1, store.LiveCount())

	snap, _ := mgr.GetBatch(b.ID)
	assert.Equal(t, 1, snap.SkippedCount)
}

func TestErrorDetailDistinguishesFailureClasses(t *testing.T) {
	decodeErr := fmt.Errorf("%w: boom", convert.ErrDecodeFailed)
	encodeErr := fmt.Errorf("%w: boom", convert.ErrEncodeFailed)

	assert.True(t, errors.Is(decodeErr, convert.ErrDecodeFailed))
	assert.False(t, errors.Is(decodeErr, convert.ErrEncodeFailed))
	assert.True(t, errors.Is(encodeErr, convert.ErrEncodeFailed))
	assert.True(t, strings.HasPrefix(decodeErr.Error(), "failed to decode source"))
	assert.True(t, strings.HasPrefix(encodeErr.Error(), "failed to produce output"))
}
