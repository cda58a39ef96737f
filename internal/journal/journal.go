// Package journal records finished conversion attempts in a temporary
// DuckDB database, one database per batch. The file lives under the temp
// directory and is removed on Close, so nothing outlives its batch.
package journal

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/marcboeker/go-duckdb"
)

// Options tunes the embedded database.
type Options struct {
	MemoryLimit string // DuckDB memory_limit pragma, e.g. "256MB"
	Threads     int
}

func (o Options) withDefaults() Options {
	if o.MemoryLimit == "" {
		o.MemoryLimit = "256MB"
	}
	if o.Threads <= 0 {
		o.Threads = 2
	}
	return o
}

// Record is one finished conversion attempt. Outcome is "converted" or
// "error"; Detail carries the error message for failed attempts.
type Record struct {
	Seq        int       `json:"seq"`
	ItemID     string    `json:"itemId"`
	Name       string    `json:"name"`
	SourceSize int64     `json:"sourceSize"`
	OutputSize int64     `json:"outputSize,omitempty"`
	Width      int       `json:"width,omitempty"`
	Height     int       `json:"height,omitempty"`
	DurationMs int64     `json:"durationMs"`
	Outcome    string    `json:"outcome"`
	Detail     string    `json:"detail,omitempty"`
	RecordedAt time.Time `json:"recordedAt"`
}

// Journal is an append-only conversion log for a single batch.
type Journal struct {
	mu     sync.Mutex
	db     *sql.DB
	dbPath string
	count  int
}

// Open creates (or reopens) the journal database for a batch under
// tempDir.
func Open(tempDir, batchID string, opts Options) (*Journal, error) {
	opts = opts.withDefaults()
	dbPath := filepath.Join(tempDir, fmt.Sprintf("batch_%s.duckdb", batchID))

	connector, err := duckdb.NewConnector(dbPath, func(execer driver.ExecerContext) error {
		pragmas := []string{
			fmt.Sprintf("PRAGMA memory_limit='%s'", opts.MemoryLimit),
			fmt.Sprintf("PRAGMA threads=%d", opts.Threads),
			"PRAGMA enable_progress_bar=false",
		}
		for _, pragma := range pragmas {
			if _, err := execer.ExecContext(context.Background(), pragma, nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("creating journal connector: %w", err)
	}

	db := sql.OpenDB(connector)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS conversions (
			seq         INTEGER NOT NULL,
			item_id     VARCHAR NOT NULL,
			name        VARCHAR NOT NULL,
			source_size BIGINT NOT NULL,
			output_size BIGINT,
			width       INTEGER,
			height      INTEGER,
			duration_ms BIGINT NOT NULL,
			outcome     VARCHAR NOT NULL,
			detail      VARCHAR,
			recorded_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		db.Close()
		os.Remove(dbPath)
		return nil, fmt.Errorf("creating journal table: %w", err)
	}

	j := &Journal{db: db, dbPath: dbPath}

	// Reopening an existing file resumes the sequence.
	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM conversions").Scan(&count); err == nil {
		j.count = count
	}

	return j, nil
}

// Append records one finished attempt.
func (j *Journal) Append(rec Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.Exec(`
		INSERT INTO conversions
			(seq, item_id, name, source_size, output_size, width, height, duration_ms, outcome, detail, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Seq, rec.ItemID, rec.Name, rec.SourceSize, rec.OutputSize,
		rec.Width, rec.Height, rec.DurationMs, rec.Outcome, rec.Detail, rec.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("appending journal record: %w", err)
	}

	j.count++
	return nil
}

// Report returns all records in completion order.
func (j *Journal) Report() ([]Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.Query(`
		SELECT seq, item_id, name, source_size, output_size, width, height, duration_ms, outcome, detail, recorded_at
		FROM conversions ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("querying journal: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0, j.count)
	for rows.Next() {
		var rec Record
		var outputSize sql.NullInt64
		var width, height sql.NullInt32
		var detail sql.NullString
		if err := rows.Scan(&rec.Seq, &rec.ItemID, &rec.Name, &rec.SourceSize,
			&outputSize, &width, &height, &rec.DurationMs, &rec.Outcome,
			&detail, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("scanning journal record: %w", err)
		}
		rec.OutputSize = outputSize.Int64
		rec.Width = int(width.Int32)
		rec.Height = int(height.Int32)
		rec.Detail = detail.String
		records = append(records, rec)
	}

	return records, rows.Err()
}

// Len returns the number of recorded attempts.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.count
}

// Close closes the database and removes its file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.db == nil {
		return nil
	}

	err := j.db.Close()
	j.db = nil
	if rmErr := os.Remove(j.dbPath); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = rmErr
	}
	return err
}
