package models

import "time"

// BlobInfo represents metadata about a blob held by the blob registry.
// The ID is the resolvable reference the frontend uses for previews and
// downloads; the registry owns the underlying bytes exclusively.
type BlobInfo struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	StoredAt time.Time `json:"storedAt"`
}
