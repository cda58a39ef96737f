package models

import "time"

// Batch is the observable state of one conversion batch: the ordered item
// list plus the aggregate skipped-file accounting. Items appear in
// insertion order.
type Batch struct {
	ID           string    `json:"id"`
	Items        []Item    `json:"items"`
	SkippedCount int       `json:"skippedCount"`
	SkippedNote  string    `json:"skippedNote,omitempty"`
	Converting   bool      `json:"converting"`
	CreatedAt    time.Time `json:"createdAt"`
}

// HasPending reports whether any item is still waiting for conversion.
func (b *Batch) HasPending() bool {
	for i := range b.Items {
		if b.Items[i].Status == ItemStatusPending {
			return true
		}
	}
	return false
}
