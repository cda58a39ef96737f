package models

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// ItemStatus represents the conversion status of a batch item.
type ItemStatus string

const (
	ItemStatusPending    ItemStatus = "pending"
	ItemStatusConverting ItemStatus = "converting"
	ItemStatusConverted  ItemStatus = "converted"
	ItemStatusError      ItemStatus = "error"
)

// IsTerminal reports whether no further automatic transition occurs.
func (s ItemStatus) IsTerminal() bool {
	return s == ItemStatusConverted || s == ItemStatusError
}

// Item represents one uploaded file and its conversion state.
//
// OutputBlobID is set exactly when Status is ItemStatusConverted, and
// ErrorDetail exactly when Status is ItemStatusError. The batch manager is
// the only writer and maintains that invariant; everything else sees
// value-copied snapshots.
type Item struct {
	ID           string     `json:"id"`
	SourceBlobID string     `json:"sourceBlobId"`
	SourceName   string     `json:"sourceName"`
	SourceSize   int64      `json:"sourceSize"`
	SizeDisplay  string     `json:"sizeDisplay"`
	Status       ItemStatus `json:"status"`
	OutputBlobID string     `json:"outputBlobId,omitempty"`
	OutputSize   int64      `json:"outputSize,omitempty"`
	Width        int        `json:"width,omitempty"`
	Height       int        `json:"height,omitempty"`
	ErrorDetail  string     `json:"errorDetail,omitempty"`
	CompletedSeq int        `json:"completedSeq,omitempty"`
	AddedAt      time.Time  `json:"addedAt"`
}

// NewItem creates a pending Item backed by an accepted source blob.
func NewItem(id string, source *BlobInfo) *Item {
	return &Item{
		ID:           id,
		SourceBlobID: source.ID,
		SourceName:   source.Name,
		SourceSize:   source.Size,
		SizeDisplay:  humanize.Bytes(uint64(source.Size)),
		Status:       ItemStatusPending,
		AddedAt:      time.Now(),
	}
}

// OutputName derives the download filename: the source name with its
// extension replaced by ".png".
func (it *Item) OutputName() string {
	name := it.SourceName
	if ext := filepath.Ext(name); ext != "" {
		name = strings.TrimSuffix(name, ext)
	}
	return name + ".png"
}
