package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/webp-converter/backend/internal/models"
)

// Store is the blob registry. It exclusively owns every stored blob and
// hands out opaque ids that the frontend resolves through the blob routes.
//
// Delete must be called exactly once per id: a second call returns an
// error so that a double release surfaces as a caller bug instead of
// silently corrupting another blob's lifecycle. A blob that is never
// deleted stays on disk for the rest of the process lifetime.
type Store interface {
	Save(name string, r io.Reader) (*models.BlobInfo, error)
	SaveBytes(name string, data []byte) (*models.BlobInfo, error)
	Get(id string) (*models.BlobInfo, error)
	Open(id string) (io.ReadCloser, error)
	GetFilePath(id string) (string, error)
	Delete(id string) error
	LiveCount() int
	SaveChunk(uploadID string, chunkIndex int, r io.Reader) error
	SaveChunkBytes(uploadID string, chunkIndex int, data []byte) error
	CompleteChunkedUpload(uploadID string, name string, totalChunks int) (*models.BlobInfo, error)
	RegisterBlob(info *models.BlobInfo)
}

// LocalStore implements Store using the local filesystem. Blobs are kept
// as uuid-named files under blobDir with metadata held in memory.
type LocalStore struct {
	mu      sync.RWMutex
	blobDir string
	blobs   map[string]*models.BlobInfo
}

// NewLocalStore creates a new LocalStore rooted at blobDir.
func NewLocalStore(blobDir string) (*LocalStore, error) {
	if err := os.MkdirAll(blobDir, 0755); err != nil {
		return nil, fmt.Errorf("creating blob directory: %w", err)
	}

	return &LocalStore{
		blobDir: blobDir,
		blobs:   make(map[string]*models.BlobInfo),
	}, nil
}

// Save stores the contents of r as a new blob.
func (s *LocalStore) Save(name string, r io.Reader) (*models.BlobInfo, error) {
	id := uuid.New().String()
	path := filepath.Join(s.blobDir, id)

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating blob file: %w", err)
	}
	defer f.Close()

	size, err := io.Copy(f, r)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("writing blob: %w", err)
	}

	info := &models.BlobInfo{
		ID:       id,
		Name:     name,
		Size:     size,
		StoredAt: time.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[id] = info

	return info, nil
}

// SaveBytes stores an in-memory byte slice as a new blob.
func (s *LocalStore) SaveBytes(name string, data []byte) (*models.BlobInfo, error) {
	id := uuid.New().String()
	path := filepath.Join(s.blobDir, id)

	if err := os.WriteFile(path, data, 0644); err != nil {
		return nil, fmt.Errorf("writing blob: %w", err)
	}

	info := &models.BlobInfo{
		ID:       id,
		Name:     name,
		Size:     int64(len(data)),
		StoredAt: time.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[id] = info

	return info, nil
}

// Get retrieves blob metadata by ID.
func (s *LocalStore) Get(id string) (*models.BlobInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, ok := s.blobs[id]
	if !ok {
		return nil, fmt.Errorf("blob not found: %s", id)
	}

	return info, nil
}

// Open returns a reader over the blob's bytes.
func (s *LocalStore) Open(id string) (io.ReadCloser, error) {
	path, err := s.GetFilePath(id)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening blob %s: %w", id, err)
	}
	return f, nil
}

// GetFilePath returns the absolute path to a blob.
func (s *LocalStore) GetFilePath(id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.blobs[id]; !ok {
		return "", fmt.Errorf("blob not found: %s", id)
	}

	return filepath.Join(s.blobDir, id), nil
}

// Delete releases a blob. Calling it twice for the same id is a caller
// bug; the second call returns an error.
func (s *LocalStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blobs[id]; !ok {
		return fmt.Errorf("blob not found: %s", id)
	}

	path := filepath.Join(s.blobDir, id)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting blob: %w", err)
	}

	delete(s.blobs, id)

	return nil
}

// LiveCount returns the number of live blob reservations.
func (s *LocalStore) LiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

// RegisterBlob replaces the metadata entry for a blob whose backing file
// was rewritten in place (e.g. after decompression of a chunked upload).
func (s *LocalStore) RegisterBlob(info *models.BlobInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[info.ID] = info
}

// SaveChunk saves a single chunk of a chunked upload to a temporary
// location keyed by the upload id.
func (s *LocalStore) SaveChunk(uploadID string, chunkIndex int, r io.Reader) error {
	chunkDir := filepath.Join(s.blobDir, "chunks", uploadID)
	if err := os.MkdirAll(chunkDir, 0755); err != nil {
		return fmt.Errorf("creating chunk directory: %w", err)
	}

	path := filepath.Join(chunkDir, fmt.Sprintf("chunk_%d", chunkIndex))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating chunk file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("writing chunk: %w", err)
	}

	return nil
}

// SaveChunkBytes saves an in-memory chunk of a chunked upload.
func (s *LocalStore) SaveChunkBytes(uploadID string, chunkIndex int, data []byte) error {
	chunkDir := filepath.Join(s.blobDir, "chunks", uploadID)
	if err := os.MkdirAll(chunkDir, 0755); err != nil {
		return fmt.Errorf("creating chunk directory: %w", err)
	}

	path := filepath.Join(chunkDir, fmt.Sprintf("chunk_%d", chunkIndex))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing chunk: %w", err)
	}

	return nil
}

// CompleteChunkedUpload assembles all chunks into a final blob and cleans
// up the chunk directory.
func (s *LocalStore) CompleteChunkedUpload(uploadID string, name string, totalChunks int) (*models.BlobInfo, error) {
	id := uuid.New().String()
	finalPath := filepath.Join(s.blobDir, id)
	chunkDir := filepath.Join(s.blobDir, "chunks", uploadID)

	out, err := os.Create(finalPath)
	if err != nil {
		return nil, fmt.Errorf("creating final blob: %w", err)
	}
	defer out.Close()

	var totalSize int64
	for i := 0; i < totalChunks; i++ {
		chunkPath := filepath.Join(chunkDir, fmt.Sprintf("chunk_%d", i))
		in, err := os.Open(chunkPath)
		if err != nil {
			os.Remove(finalPath)
			return nil, fmt.Errorf("opening chunk %d: %w", i, err)
		}

		n, err := io.Copy(out, in)
		in.Close()
		if err != nil {
			os.Remove(finalPath)
			return nil, fmt.Errorf("copying chunk %d: %w", i, err)
		}
		totalSize += n
	}

	info := &models.BlobInfo{
		ID:       id,
		Name:     name,
		Size:     totalSize,
		StoredAt: time.Now(),
	}

	s.mu.Lock()
	s.blobs[id] = info
	s.mu.Unlock()

	os.RemoveAll(chunkDir)

	return info, nil
}
