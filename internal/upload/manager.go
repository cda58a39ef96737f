package upload

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/webp-converter/backend/internal/models"
)

// Status represents the upload processing status.
type Status string

const (
	StatusProcessing    Status = "processing"
	StatusAssembling    Status = "assembling"
	StatusDecompressing Status = "decompressing"
	StatusAttaching     Status = "attaching"
	StatusComplete      Status = "complete"
	StatusError         Status = "error"
)

// Job represents an async upload processing job. Once complete, Item is
// the batch item created from the assembled blob.
type Job struct {
	ID             string       `json:"id"`
	UploadID       string       `json:"uploadId"`
	BatchID        string       `json:"batchId"`
	FileName       string       `json:"fileName"`
	MIMEType       string       `json:"mimeType"`
	TotalChunks    int          `json:"totalChunks"`
	OriginalSize   int64        `json:"originalSize"`
	CompressedSize int64        `json:"compressedSize"`
	Encoding       string       `json:"encoding"`
	Status         Status       `json:"status"`
	Progress       float64      `json:"progress"`
	Stage          string       `json:"stage"`
	StageProgress  float64      `json:"stageProgress"`
	Item           *models.Item `json:"item,omitempty"`
	Error          string       `json:"error,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	CompletedAt    *time.Time   `json:"completedAt,omitempty"`
}

// Store defines the interface needed from the blob registry.
type Store interface {
	CompleteChunkedUpload(uploadID string, name string, totalChunks int) (*models.BlobInfo, error)
	GetFilePath(id string) (string, error)
	RegisterBlob(info *models.BlobInfo)
}

// ItemAttacher turns an assembled blob into a batch item. The batch
// manager implements this.
type ItemAttacher interface {
	AttachUploaded(batchID string, info *models.BlobInfo, mimeType string) (*models.Item, error)
}

// Manager handles async upload processing.
type Manager struct {
	jobs     map[string]*Job
	mu       sync.RWMutex
	store    Store
	attacher ItemAttacher
}

// NewManager creates a new upload processing manager.
func NewManager(store Store, attacher ItemAttacher) *Manager {
	return &Manager{
		jobs:     make(map[string]*Job),
		store:    store,
		attacher: attacher,
	}
}

// StartJob begins async processing of an upload destined for a batch.
func (m *Manager) StartJob(uploadID, batchID, fileName, mimeType string, totalChunks int, originalSize, compressedSize int64, encoding string) *Job {
	job := &Job{
		ID:             uuid.New().String(),
		UploadID:       uploadID,
		BatchID:        batchID,
		FileName:       fileName,
		MIMEType:       mimeType,
		TotalChunks:    totalChunks,
		OriginalSize:   originalSize,
		CompressedSize: compressedSize,
		Encoding:       encoding,
		Status:         StatusProcessing,
		Progress:       0,
		Stage:          "preparing",
		StageProgress:  0,
		CreatedAt:      time.Now(),
	}

	m.mu.Lock()
	m.jobs[job.ID] = job
	m.mu.Unlock()

	go m.processJob(job)

	return job
}

// GetJob returns a snapshot of a job by ID. Callers get a copy they can
// read and marshal freely while processing keeps mutating the live job.
func (m *Manager) GetJob(id string) (*Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, false
	}
	snap := *job
	return &snap, true
}

// processJob handles the actual async processing.
func (m *Manager) processJob(job *Job) {
	fmt.Printf("[UploadJob %s] Starting processing: %s\n", shortID(job.ID), job.FileName)

	// Stage 1: Assemble chunks
	m.updateJobStatus(job, StatusAssembling, "assembling chunks", 0)

	info, err := m.store.CompleteChunkedUpload(job.UploadID, job.FileName, job.TotalChunks)
	if err != nil {
		m.markJobError(job, fmt.Sprintf("failed to assemble chunks: %v", err))
		return
	}

	m.updateJobStatus(job, StatusAssembling, "assembling chunks", 100)
	fmt.Printf("[UploadJob %s] Chunks assembled: %s (%d bytes)\n", shortID(job.ID), info.ID, info.Size)

	// Stage 2: Decompress if the client gzipped the transfer
	if job.Encoding == "gzip" || job.Encoding == "binary-gzip" {
		m.updateJobStatus(job, StatusDecompressing, "decompressing file", 0)

		if err := m.decompressBlobWithProgress(job, info.ID); err != nil {
			m.markJobError(job, fmt.Sprintf("failed to decompress upload: %v", err))
			return
		}

		info.Size = job.OriginalSize
		m.store.RegisterBlob(info)
		m.updateJobStatus(job, StatusDecompressing, "decompressing file", 100)
		fmt.Printf("[UploadJob %s] Decompressed blob %s to %d bytes\n", shortID(job.ID), info.ID, info.Size)
	}

	// Stage 3: Attach to the batch
	m.updateJobStatus(job, StatusAttaching, "attaching to batch", 0)

	item, err := m.attacher.AttachUploaded(job.BatchID, info, job.MIMEType)
	if err != nil {
		m.markJobError(job, fmt.Sprintf("failed to attach upload to batch: %v", err))
		return
	}

	m.markJobComplete(job, item)
	fmt.Printf("[UploadJob %s] Processing complete: item %s in batch %s\n",
		shortID(job.ID), shortID(item.ID), shortID(job.BatchID))
}

// decompressBlobWithProgress decompresses a gzip blob in place with
// progress tracking.
func (m *Manager) decompressBlobWithProgress(job *Job, blobID string) error {
	path, err := m.store.GetFilePath(blobID)
	if err != nil {
		return err
	}

	compressedFile, err := os.Open(path)
	if err != nil {
		return err
	}
	defer compressedFile.Close()

	magic := make([]byte, 2)
	if _, err := compressedFile.Read(magic); err != nil {
		return err
	}
	if magic[0] != 0x1f || magic[1] != 0x8b {
		return fmt.Errorf("not a gzip file")
	}

	compressedFile.Seek(0, 0)

	reader, err := gzip.NewReader(compressedFile)
	if err != nil {
		return err
	}
	defer reader.Close()

	tempPath := path + ".decompressing"
	outFile, err := os.Create(tempPath)
	if err != nil {
		return err
	}

	buf := make([]byte, 1024*1024)
	var written int64
	lastProgressUpdate := time.Now()

	for {
		n, readErr := reader.Read(buf)
		if n > 0 {
			_, writeErr := outFile.Write(buf[:n])
			if writeErr != nil {
				outFile.Close()
				os.Remove(tempPath)
				return fmt.Errorf("write error: %w", writeErr)
			}
			written += int64(n)

			// Update progress every 100ms
			if time.Since(lastProgressUpdate) > 100*time.Millisecond {
				progress := float64(written) / float64(job.OriginalSize) * 100
				if progress > 99 {
					progress = 99
				}
				m.updateJobStatus(job, StatusDecompressing, "decompressing file", progress)
				lastProgressUpdate = time.Now()
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				outFile.Close()
				os.Remove(tempPath)
				return fmt.Errorf("read error: %w", readErr)
			}
			break
		}
	}

	outFile.Close()

	if written != job.OriginalSize {
		os.Remove(tempPath)
		return fmt.Errorf("decompressed size mismatch: got %d bytes, expected %d bytes", written, job.OriginalSize)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return err
	}

	return nil
}

// updateJobStatus updates job progress (thread-safe).
func (m *Manager) updateJobStatus(job *Job, status Status, stage string, stageProgress float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job.Status = status
	job.Stage = stage
	job.StageProgress = stageProgress

	// Assembling: 0-40%, Decompressing: 40-80%, Attaching: 80-100%
	switch status {
	case StatusAssembling:
		job.Progress = stageProgress * 0.4
	case StatusDecompressing:
		job.Progress = 40 + stageProgress*0.4
	case StatusAttaching:
		job.Progress = 80 + stageProgress*0.2
	case StatusComplete:
		job.Progress = 100
	}
}

// markJobComplete marks job as complete (thread-safe).
func (m *Manager) markJobComplete(job *Job, item *models.Item) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job.Item = item
	job.Status = StatusComplete
	job.Progress = 100
	now := time.Now()
	job.CompletedAt = &now
}

// markJobError marks job as failed (thread-safe).
func (m *Manager) markJobError(job *Job, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job.Status = StatusError
	job.Error = errMsg
	now := time.Now()
	job.CompletedAt = &now
	fmt.Printf("[UploadJob %s] Error: %s\n", shortID(job.ID), errMsg)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// CleanupOldJobs removes jobs older than the specified duration.
func (m *Manager) CleanupOldJobs(maxAge time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	for id, job := range m.jobs {
		if job.Status == StatusComplete || job.Status == StatusError {
			if job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
				delete(m.jobs, id)
			}
		}
	}
}
