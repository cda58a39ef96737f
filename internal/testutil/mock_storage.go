// mock_storage.go - Mock blob registry implementation for testing
package testutil

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/webp-converter/backend/internal/models"
	"github.com/webp-converter/backend/internal/storage"
)

// MockStorage implements storage.Store for testing
type MockStorage struct {
	blobs    map[string]*models.BlobInfo
	blobData map[string][]byte
	chunks   map[string]map[int][]byte // uploadID -> chunkIndex -> data
	mu       sync.RWMutex
}

// NewMockStorage creates a new mock blob registry
func NewMockStorage() *MockStorage {
	return &MockStorage{
		blobs:    make(map[string]*models.BlobInfo),
		blobData: make(map[string][]byte),
		chunks:   make(map[string]map[int][]byte),
	}
}

func (m *MockStorage) Save(name string, r io.Reader) (*models.BlobInfo, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return m.SaveBytes(name, data)
}

func (m *MockStorage) SaveBytes(name string, data []byte) (*models.BlobInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := generateTestID()
	info := &models.BlobInfo{
		ID:       id,
		Name:     name,
		Size:     int64(len(data)),
		StoredAt: time.Now(),
	}

	m.blobs[id] = info
	m.blobData[id] = data
	return info, nil
}

func (m *MockStorage) Get(id string) (*models.BlobInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	info, ok := m.blobs[id]
	if !ok {
		return nil, errors.New("blob not found")
	}
	return info, nil
}

func (m *MockStorage) Open(id string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.blobData[id]
	if !ok {
		return nil, errors.New("blob not found")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *MockStorage) GetFilePath(id string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.blobs[id]; !ok {
		return "", errors.New("blob not found")
	}
	return "/mock/path/" + id, nil
}

func (m *MockStorage) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.blobs[id]; !exists {
		return errors.New("blob not found")
	}

	delete(m.blobs, id)
	delete(m.blobData, id)
	return nil
}

func (m *MockStorage) LiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}

func (m *MockStorage) RegisterBlob(info *models.BlobInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[info.ID] = info
}

func (m *MockStorage) SaveChunk(uploadID string, chunkIndex int, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return m.SaveChunkBytes(uploadID, chunkIndex, data)
}

func (m *MockStorage) SaveChunkBytes(uploadID string, chunkIndex int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.chunks[uploadID] == nil {
		m.chunks[uploadID] = make(map[int][]byte)
	}
	m.chunks[uploadID][chunkIndex] = data
	return nil
}

func (m *MockStorage) CompleteChunkedUpload(uploadID string, name string, totalChunks int) (*models.BlobInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	uploadChunks, ok := m.chunks[uploadID]
	if !ok {
		return nil, errors.New("upload not found")
	}

	var data bytes.Buffer
	for i := 0; i < totalChunks; i++ {
		chunk, ok := uploadChunks[i]
		if !ok {
			return nil, errors.New("missing chunk")
		}
		data.Write(chunk)
	}

	id := generateTestID()
	info := &models.BlobInfo{
		ID:       id,
		Name:     name,
		Size:     int64(data.Len()),
		StoredAt: time.Now(),
	}

	m.blobs[id] = info
	m.blobData[id] = data.Bytes()
	delete(m.chunks, uploadID)

	return info, nil
}

// Ensure MockStorage implements storage.Store
var _ storage.Store = (*MockStorage)(nil)

// Test Helper Methods

// AddBlob adds a blob directly to the mock
func (m *MockStorage) AddBlob(id string, name string, data []byte) *models.BlobInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	info := &models.BlobInfo{
		ID:       id,
		Name:     name,
		Size:     int64(len(data)),
		StoredAt: time.Now(),
	}
	m.blobs[id] = info
	m.blobData[id] = data
	return info
}

// GetBlobData returns the blob content
func (m *MockStorage) GetBlobData(id string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.blobData[id]
	if !ok {
		return nil, errors.New("blob not found")
	}
	return data, nil
}

// Clear removes all blobs
func (m *MockStorage) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs = make(map[string]*models.BlobInfo)
	m.blobData = make(map[string][]byte)
	m.chunks = make(map[string]map[int][]byte)
}

// generateTestID generates a simple test ID
var testIDCounter int
var testIDMutex sync.Mutex

func generateTestID() string {
	testIDMutex.Lock()
	defer testIDMutex.Unlock()
	testIDCounter++
	return fmt.Sprintf("test-id-%d", testIDCounter)
}
