package metrics

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/book-expert/voice-render-service/internal/core"
	_ "modernc.org/sqlite"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS metrics_samples (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		word_count INTEGER NOT NULL,
		elapsed_seconds REAL NOT NULL,
		recorded_at INTEGER NOT NULL
	)`,
}

func openDatabase(path string) (*sql.DB, error) {
	err := os.MkdirAll(filepath.Dir(path), 0o755)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create database directory: %w", core.ErrPersistence, err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open %s: %w", core.ErrPersistence, path, err)
	}

	_, err = db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("%w: failed to enable WAL: %w", core.ErrPersistence, err)
	}

	for _, migration := range migrations {
		_, err = db.Exec(migration)
		if err != nil {
			_ = db.Close()

			return nil, fmt.Errorf("%w: migration failed: %w", core.ErrPersistence, err)
		}
	}

	return db, nil
}

func loadSamples(db *sql.DB, limit int) ([]Sample, error) {
	rows, err := db.Query(`SELECT word_count, elapsed_seconds, recorded_at FROM (
		SELECT id, word_count, elapsed_seconds, recorded_at
		FROM metrics_samples ORDER BY id DESC LIMIT ?
	) ORDER BY id ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load samples: %w", core.ErrPersistence, err)
	}
	defer rows.Close()

	var samples []Sample

	for rows.Next() {
		var (
			sample     Sample
			recordedAt int64
		)

		err = rows.Scan(&sample.WordCount, &sample.ElapsedSeconds, &recordedAt)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to scan sample: %w", core.ErrPersistence, err)
		}

		sample.RecordedAt = time.Unix(0, recordedAt).UTC()
		samples = append(samples, sample)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrPersistence, err)
	}

	return samples, nil
}

// insertSample stores sample and prunes rows beyond capacity.
func insertSample(db *sql.DB, sample Sample, capacity int) error {
	_, err := db.Exec(
		"INSERT INTO metrics_samples (word_count, elapsed_seconds, recorded_at) VALUES (?, ?, ?)",
		sample.WordCount, sample.ElapsedSeconds, sample.RecordedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert sample: %w", err)
	}

	_, err = db.Exec(`DELETE FROM metrics_samples WHERE id NOT IN (
		SELECT id FROM metrics_samples ORDER BY id DESC LIMIT ?
	)`, capacity)
	if err != nil {
		return fmt.Errorf("failed to prune samples: %w", err)
	}

	return nil
}
