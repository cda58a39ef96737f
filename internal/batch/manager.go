// Package batch owns the conversion batches: the ordered item collections,
// the per-item status lifecycle and the sequential conversion loop.
package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/webp-converter/backend/internal/convert"
	"github.com/webp-converter/backend/internal/journal"
	"github.com/webp-converter/backend/internal/models"
	"github.com/webp-converter/backend/internal/storage"
)

// MaxBatches limits concurrent batches to prevent blob-dir exhaustion.
const MaxBatches = 20

// BatchKeepAliveWindow is how long a touched batch is protected from
// cleanup.
const BatchKeepAliveWindow = 5 * time.Minute

var (
	ErrBatchNotFound     = errors.New("batch not found")
	ErrConversionRunning = errors.New("conversion already running for this batch")
	ErrNotAccepted       = errors.New("file type not accepted")
)

// Publisher receives item snapshots as their state changes so the
// presentation layer can show live progress.
type Publisher interface {
	PublishItem(batchID string, item models.Item)
}

// IncomingFile is one user-supplied file offered to AddFiles.
type IncomingFile struct {
	Name     string
	MIMEType string
	Size     int64 // <= 0 when unknown
	Data     io.Reader
}

// AddResult reports the outcome of one AddFiles call. SkippedCount is the
// batch's accumulated count, not just this call's.
type AddResult struct {
	Added        []models.Item `json:"added"`
	SkippedCount int           `json:"skippedCount"`
	SkippedNote  string        `json:"skippedNote,omitempty"`
}

type batchState struct {
	id           string
	items        []*models.Item
	skipped      int
	skippedNote  string
	converting   bool
	nextSeq      int
	journal      *journal.Journal
	createdAt    time.Time
	lastAccessed time.Time
}

// Manager handles all active conversion batches. All batch mutation goes
// through the Manager mutex; the blob store and the journal carry their
// own synchronization.
type Manager struct {
	mu          sync.RWMutex
	batches     map[string]*batchState
	store       storage.Store
	converter   convert.Converter
	rules       *convert.RulesStore
	tempDir     string
	journalOpts journal.Options
	publisher   Publisher
}

// NewManager creates a batch manager.
func NewManager(store storage.Store, converter convert.Converter, rules *convert.RulesStore, tempDir string) *Manager {
	return &Manager{
		batches:   make(map[string]*batchState),
		store:     store,
		converter: converter,
		rules:     rules,
		tempDir:   tempDir,
	}
}

// SetPublisher installs the live-progress sink. Must be called before the
// first conversion starts.
func (m *Manager) SetPublisher(p Publisher) {
	m.publisher = p
}

// SetJournalOptions tunes the per-batch conversion journal.
func (m *Manager) SetJournalOptions(opts journal.Options) {
	m.journalOpts = opts
}

// CreateBatch starts a new empty batch.
func (m *Manager) CreateBatch() *models.Batch {
	m.cleanupOldBatchesIfNeeded()

	state := &batchState{
		id:           uuid.New().String(),
		createdAt:    time.Now(),
		lastAccessed: time.Now(),
	}

	m.mu.Lock()
	m.batches[state.id] = state
	snap := snapshotBatch(state)
	m.mu.Unlock()

	fmt.Printf("[Batch %s] Created\n", shortID(state.id))
	return snap
}

// GetBatch returns an observable snapshot of a batch.
func (m *Manager) GetBatch(id string) (*models.Batch, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.batches[id]
	if !ok {
		return nil, false
	}
	return snapshotBatch(state), true
}

// TouchBatch updates the keep-alive timestamp for a batch.
func (m *Manager) TouchBatch(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.batches[id]
	if !ok {
		return false
	}
	state.lastAccessed = time.Now()
	return true
}

// IsConverting reports whether a ConvertAll run is in flight for a batch.
func (m *Manager) IsConverting(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.batches[id]
	return ok && state.converting
}

// AddFiles validates each file against the active conversion rules.
// Accepted files become pending items appended in input order; rejects
// are counted into the batch's aggregate skipped message. An add with no
// rejects clears the message.
func (m *Manager) AddFiles(batchID string, files []IncomingFile) (*AddResult, error) {
	m.mu.RLock()
	_, ok := m.batches[batchID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrBatchNotFound
	}

	rules := m.rules.Current()

	var accepted []*models.Item
	rejected := 0
	var saveErr error
	for _, f := range files {
		if !rules.Accepts(f.MIMEType) || (f.Size > 0 && f.Size > rules.MaxSourceBytes) {
			rejected++
			continue
		}

		info, err := m.store.Save(f.Name, f.Data)
		if err != nil {
			saveErr = fmt.Errorf("saving %s: %w", f.Name, err)
			break
		}
		accepted = append(accepted, models.NewItem(uuid.New().String(), info))
	}

	m.mu.Lock()
	state, ok := m.batches[batchID]
	if !ok {
		m.mu.Unlock()
		for _, it := range accepted {
			m.releaseBlob(batchID, it.SourceBlobID)
		}
		return nil, ErrBatchNotFound
	}

	state.items = append(state.items, accepted...)
	state.lastAccessed = time.Now()
	if rejected > 0 {
		state.skipped += rejected
		state.skippedNote = skippedNote(state.skipped)
	} else if len(accepted) > 0 {
		state.skippedNote = ""
	}

	result := &AddResult{
		Added:        make([]models.Item, 0, len(accepted)),
		SkippedCount: state.skipped,
		SkippedNote:  state.skippedNote,
	}
	for _, it := range accepted {
		result.Added = append(result.Added, *it)
	}
	m.mu.Unlock()

	fmt.Printf("[Batch %s] Added %d item(s), skipped %d\n", shortID(batchID), len(accepted), rejected)

	if saveErr != nil {
		return result, saveErr
	}
	return result, nil
}

// AttachUploaded attaches an already-stored blob (from the chunked upload
// path) to a batch as a pending item. A blob that fails the type filter
// is released immediately and counted as skipped.
func (m *Manager) AttachUploaded(batchID string, info *models.BlobInfo, mimeType string) (*models.Item, error) {
	rules := m.rules.Current()
	accepted := rules.Accepts(mimeType) && !(info.Size > rules.MaxSourceBytes)

	m.mu.Lock()
	state, ok := m.batches[batchID]
	if !ok {
		m.mu.Unlock()
		m.releaseBlob(batchID, info.ID)
		return nil, ErrBatchNotFound
	}

	if !accepted {
		state.skipped++
		state.skippedNote = skippedNote(state.skipped)
		m.mu.Unlock()
		m.releaseBlob(batchID, info.ID)
		return nil, ErrNotAccepted
	}

	item := models.NewItem(uuid.New().String(), info)
	state.items = append(state.items, item)
	state.skippedNote = ""
	state.lastAccessed = time.Now()
	snap := *item
	m.mu.Unlock()

	return &snap, nil
}

// ConvertAll processes every currently-pending item of the batch strictly
// one after another, in insertion order, and returns once all of them have
// reached a terminal state. It is a no-op when nothing is pending. Items
// removed while the run is in flight are skipped when their turn comes.
//
// There is no cancellation: once started, the run covers the whole
// snapshot of pending items.
func (m *Manager) ConvertAll(ctx context.Context, batchID string) error {
	m.mu.Lock()
	state, ok := m.batches[batchID]
	if !ok {
		m.mu.Unlock()
		return ErrBatchNotFound
	}
	if state.converting {
		m.mu.Unlock()
		return ErrConversionRunning
	}

	var pending []string
	for _, it := range state.items {
		if it.Status == models.ItemStatusPending {
			pending = append(pending, it.ID)
		}
	}
	if len(pending) == 0 {
		m.mu.Unlock()
		return nil
	}

	state.converting = true
	state.lastAccessed = time.Now()
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if st, ok := m.batches[batchID]; ok {
			st.converting = false
		}
		m.mu.Unlock()
	}()

	m.ensureJournal(batchID)

	fmt.Printf("[Batch %s] Converting %d item(s)\n", shortID(batchID), len(pending))
	for _, itemID := range pending {
		m.convertOne(ctx, batchID, itemID)
	}
	fmt.Printf("[Batch %s] Conversion run finished\n", shortID(batchID))

	return nil
}

// convertOne drives a single item through converting to its terminal
// state. The item's status settles fully before convertOne returns.
func (m *Manager) convertOne(ctx context.Context, batchID, itemID string) {
	m.mu.Lock()
	state, ok := m.batches[batchID]
	if !ok {
		m.mu.Unlock()
		return
	}
	item := findItem(state, itemID)
	if item == nil || item.Status != models.ItemStatusPending {
		// Removed (or otherwise settled) since the pending snapshot was
		// taken: skip.
		m.mu.Unlock()
		return
	}
	item.Status = models.ItemStatusConverting
	started := *item
	m.mu.Unlock()

	m.publish(batchID, started)

	start := time.Now()
	res, convErr := m.runConversion(ctx, started.SourceBlobID)

	var outInfo *models.BlobInfo
	if convErr == nil {
		info, err := m.store.SaveBytes(started.OutputName(), res.PNG)
		if err != nil {
			convErr = fmt.Errorf("%w: storing output: %v", convert.ErrEncodeFailed, err)
		} else {
			outInfo = info
		}
	}
	elapsed := time.Since(start)

	m.mu.Lock()
	state, ok = m.batches[batchID]
	var done models.Item
	if ok {
		item = findItem(state, itemID)
	} else {
		item = nil
	}
	if item == nil || item.Status != models.ItemStatusConverting {
		// The item (or its whole batch) was removed while converting; the
		// result has no owner.
		m.mu.Unlock()
		if outInfo != nil {
			m.releaseBlob(batchID, outInfo.ID)
		}
		return
	}

	state.nextSeq++
	item.CompletedSeq = state.nextSeq
	if convErr != nil {
		item.Status = models.ItemStatusError
		item.ErrorDetail = convErr.Error()
	} else {
		item.Status = models.ItemStatusConverted
		item.OutputBlobID = outInfo.ID
		item.OutputSize = outInfo.Size
		item.Width = res.Width
		item.Height = res.Height
	}
	done = *item
	m.mu.Unlock()

	m.publish(batchID, done)

	rec := journal.Record{
		Seq:        done.CompletedSeq,
		ItemID:     done.ID,
		Name:       done.SourceName,
		SourceSize: done.SourceSize,
		DurationMs: elapsed.Milliseconds(),
		RecordedAt: time.Now(),
	}
	if convErr != nil {
		rec.Outcome = "error"
		rec.Detail = done.ErrorDetail
		fmt.Printf("[Batch %s] Item %s failed: %s\n", shortID(batchID), shortID(done.ID), done.ErrorDetail)
	} else {
		rec.Outcome = "converted"
		rec.OutputSize = done.OutputSize
		rec.Width = done.Width
		rec.Height = done.Height
		fmt.Printf("[Batch %s] Item %s converted (%dx%d, %dms)\n",
			shortID(batchID), shortID(done.ID), done.Width, done.Height, rec.DurationMs)
	}
	m.appendJournal(batchID, rec)
}

// runConversion reads the source blob and invokes the converter. A source
// that cannot be read classifies as a decode failure.
func (m *Manager) runConversion(ctx context.Context, sourceBlobID string) (*convert.Result, error) {
	rc, err := m.store.Open(sourceBlobID)
	if err != nil {
		return nil, fmt.Errorf("%w: reading source: %v", convert.ErrDecodeFailed, err)
	}
	defer rc.Close()

	return m.converter.Convert(ctx, rc)
}

// RemoveItem removes an item from its batch and releases its registry
// entries: the source blob always, the output blob when present. No-op on
// unknown ids.
func (m *Manager) RemoveItem(batchID, itemID string) bool {
	m.mu.Lock()
	state, ok := m.batches[batchID]
	if !ok {
		m.mu.Unlock()
		return false
	}

	idx := -1
	for i, it := range state.items {
		if it.ID == itemID {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return false
	}

	it := state.items[idx]
	state.items = append(state.items[:idx], state.items[idx+1:]...)
	state.lastAccessed = time.Now()

	blobIDs := []string{it.SourceBlobID}
	if it.OutputBlobID != "" {
		blobIDs = append(blobIDs, it.OutputBlobID)
	}
	m.mu.Unlock()

	for _, id := range blobIDs {
		m.releaseBlob(batchID, id)
	}

	return true
}

// ClearAll removes every item of a batch, releases all registry entries
// and resets the aggregate skipped message. The batch itself stays usable.
func (m *Manager) ClearAll(batchID string) error {
	m.mu.Lock()
	state, ok := m.batches[batchID]
	if !ok {
		m.mu.Unlock()
		return ErrBatchNotFound
	}

	items := state.items
	jnl := state.journal
	state.items = nil
	state.journal = nil
	state.skipped = 0
	state.skippedNote = ""
	state.nextSeq = 0
	state.lastAccessed = time.Now()
	m.mu.Unlock()

	m.teardownItems(batchID, items, jnl)
	fmt.Printf("[Batch %s] Cleared %d item(s)\n", shortID(batchID), len(items))

	return nil
}

// DeleteBatch tears down a batch entirely, releasing every registry entry
// it still owns.
func (m *Manager) DeleteBatch(batchID string) bool {
	m.mu.Lock()
	state, ok := m.batches[batchID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.batches, batchID)
	m.mu.Unlock()

	m.teardownItems(batchID, state.items, state.journal)
	fmt.Printf("[Batch %s] Deleted\n", shortID(batchID))

	return true
}

// Report returns the batch's conversion journal in completion order.
func (m *Manager) Report(batchID string) ([]journal.Record, error) {
	m.mu.RLock()
	state, ok := m.batches[batchID]
	if !ok {
		m.mu.RUnlock()
		return nil, ErrBatchNotFound
	}
	jnl := state.journal
	m.mu.RUnlock()

	if jnl == nil {
		return []journal.Record{}, nil
	}
	return jnl.Report()
}

// CleanupOldBatches tears down batches whose last access is older than
// maxAge. Batches mid-conversion or touched within the keep-alive window
// are left alone.
func (m *Manager) CleanupOldBatches(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)
	keepAliveCutoff := time.Now().Add(-BatchKeepAliveWindow)

	type doomed struct {
		id    string
		items []*models.Item
		jnl   *journal.Journal
	}
	var teardown []doomed

	m.mu.Lock()
	for id, state := range m.batches {
		if state.converting {
			continue
		}
		if state.lastAccessed.After(keepAliveCutoff) {
			continue
		}
		if state.lastAccessed.Before(cutoff) {
			teardown = append(teardown, doomed{id, state.items, state.journal})
			delete(m.batches, id)
		}
	}
	m.mu.Unlock()

	for _, d := range teardown {
		m.teardownItems(d.id, d.items, d.jnl)
		fmt.Printf("[Batch %s] Cleaned up aged batch\n", shortID(d.id))
	}
}

// cleanupOldBatchesIfNeeded removes the oldest idle batches when at
// capacity.
func (m *Manager) cleanupOldBatchesIfNeeded() {
	type doomed struct {
		id    string
		items []*models.Item
		jnl   *journal.Journal
	}
	var teardown []doomed

	m.mu.Lock()
	for len(m.batches) >= MaxBatches {
		oldestID := ""
		var oldest time.Time
		for id, state := range m.batches {
			if state.converting {
				continue
			}
			if oldestID == "" || state.lastAccessed.Before(oldest) {
				oldestID = id
				oldest = state.lastAccessed
			}
		}
		if oldestID == "" {
			break
		}
		state := m.batches[oldestID]
		teardown = append(teardown, doomed{oldestID, state.items, state.journal})
		delete(m.batches, oldestID)
	}
	m.mu.Unlock()

	for _, d := range teardown {
		m.teardownItems(d.id, d.items, d.jnl)
		fmt.Printf("[Batch %s] Evicted to stay under batch limit\n", shortID(d.id))
	}
}

// teardownItems releases every blob still owned by the given items and
// closes the journal.
func (m *Manager) teardownItems(batchID string, items []*models.Item, jnl *journal.Journal) {
	for _, it := range items {
		m.releaseBlob(batchID, it.SourceBlobID)
		if it.OutputBlobID != "" {
			m.releaseBlob(batchID, it.OutputBlobID)
		}
	}
	if jnl != nil {
		if err := jnl.Close(); err != nil {
			fmt.Printf("[Batch %s] Journal close: %v\n", shortID(batchID), err)
		}
	}
}

// releaseBlob releases one registry entry. A failure here means a
// double-release bug somewhere; it is logged, never surfaced to users.
func (m *Manager) releaseBlob(batchID, blobID string) {
	if err := m.store.Delete(blobID); err != nil {
		fmt.Printf("[Batch %s] Blob release bug: %v\n", shortID(batchID), err)
	}
}

// ensureJournal lazily opens the batch's journal. Called only from the
// single conversion goroutine of the batch.
func (m *Manager) ensureJournal(batchID string) {
	m.mu.RLock()
	state, ok := m.batches[batchID]
	exists := ok && state.journal != nil
	m.mu.RUnlock()
	if !ok || exists {
		return
	}

	jnl, err := journal.Open(m.tempDir, batchID, m.journalOpts)
	if err != nil {
		fmt.Printf("[Batch %s] Journal unavailable: %v\n", shortID(batchID), err)
		return
	}

	m.mu.Lock()
	state, ok = m.batches[batchID]
	if !ok {
		m.mu.Unlock()
		jnl.Close()
		return
	}
	state.journal = jnl
	m.mu.Unlock()
}

func (m *Manager) appendJournal(batchID string, rec journal.Record) {
	m.mu.RLock()
	var jnl *journal.Journal
	if state, ok := m.batches[batchID]; ok {
		jnl = state.journal
	}
	m.mu.RUnlock()

	if jnl == nil {
		return
	}
	if err := jnl.Append(rec); err != nil {
		fmt.Printf("[Batch %s] Journal append: %v\n", shortID(batchID), err)
	}
}

func (m *Manager) publish(batchID string, item models.Item) {
	if m.publisher != nil {
		m.publisher.PublishItem(batchID, item)
	}
}

func snapshotBatch(state *batchState) *models.Batch {
	snap := &models.Batch{
		ID:           state.id,
		Items:        make([]models.Item, 0, len(state.items)),
		SkippedCount: state.skipped,
		SkippedNote:  state.skippedNote,
		Converting:   state.converting,
		CreatedAt:    state.createdAt,
	}
	for _, it := range state.items {
		snap.Items = append(snap.Items, *it)
	}
	return snap
}

func findItem(state *batchState, itemID string) *models.Item {
	for _, it := range state.items {
		if it.ID == itemID {
			return it
		}
	}
	return nil
}

func skippedNote(count int) string {
	return fmt.Sprintf("%d file(s) skipped: not an accepted WebP upload", count)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
