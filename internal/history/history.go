// Package history persists the most recent completed renders as a JSON array
// file, newest first.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-render-service/internal/core"
)

const (
	// DefaultCapacity is the number of records kept.
	DefaultCapacity = 50
	// PreviewLength is the maximum number of runes kept from the input text.
	PreviewLength = 100
)

// Record describes one completed render.
type Record struct {
	ID                    string    `json:"id"`
	Timestamp             time.Time `json:"timestamp"`
	TextPreview           string    `json:"text_preview"`
	ProfileID             string    `json:"profile_used"`
	AudioPath             string    `json:"audio_path"`
	WordCount             int       `json:"word_count"`
	ProcessingTimeSeconds float64   `json:"processing_time"`
	FileSizeBytes         int64     `json:"file_size"`
}

// Page is one page of records plus pagination metadata.
type Page struct {
	Records      []Record `json:"renders"`
	TotalRecords int      `json:"total_renders"`
	TotalPages   int      `json:"total_pages"`
	Page         int      `json:"page"`
	PageSize     int      `json:"per_page"`
	HasNext      bool     `json:"has_next"`
	HasPrev      bool     `json:"has_prev"`
}

// Store is a capped, file-backed list of records.
type Store struct {
	mu       sync.RWMutex
	path     string
	capacity int
	records  []Record
	log      *logger.Logger
}

// Preview returns the first PreviewLength runes of text, with "..." appended
// when it was cut.
func Preview(text string) string {
	runes := []rune(text)
	if len(runes) <= PreviewLength {
		return text
	}

	return string(runes[:PreviewLength]) + "..."
}

// Open loads the history file at path. A missing file starts an empty
// history; an unreadable one is logged and replaced on the next write.
func Open(path string, capacity int, log *logger.Logger) (*Store, error) {
	if capacity < 1 {
		capacity = DefaultCapacity
	}

	err := os.MkdirAll(filepath.Dir(path), 0o755)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create history directory: %w", core.ErrPersistence, err)
	}

	store := &Store{path: path, capacity: capacity, log: log}

	err = store.load()
	if err != nil {
		log.Warn("[history] failed to load %s, starting empty: %v", path, err)

		store.records = nil
	}

	return store, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}

	if err != nil {
		return err
	}

	var records []Record

	err = json.Unmarshal(data, &records)
	if err != nil {
		return err
	}

	if len(records) > s.capacity {
		records = records[:s.capacity]
	}

	s.records = records

	return nil
}

func (s *Store) save(records []Record) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %w", core.ErrPersistence, err)
	}

	tmp := s.path + ".tmp"

	err = os.WriteFile(tmp, data, 0o644)
	if err != nil {
		return fmt.Errorf("%w: failed to write %s: %w", core.ErrPersistence, tmp, err)
	}

	err = os.Rename(tmp, s.path)
	if err != nil {
		_ = os.Remove(tmp)

		return fmt.Errorf("%w: failed to replace %s: %w", core.ErrPersistence, s.path, err)
	}

	return nil
}

// Append inserts record at the front and drops records beyond capacity. The
// in-memory list only changes once the file has been written.
func (s *Store) Append(record Record) error {
	if record.ID == "" {
		return fmt.Errorf("%w: record id is required", core.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]Record, 0, min(len(s.records)+1, s.capacity))
	records = append(records, record)
	records = append(records, s.records...)

	if len(records) > s.capacity {
		records = records[:s.capacity]
	}

	err := s.save(records)
	if err != nil {
		return err
	}

	s.records = records

	return nil
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.records)
}

// Page returns the 1-based page pageNum of pageSize records. pageSize is
// capped at the store capacity.
func (s *Store) Page(pageNum, pageSize int) (Page, error) {
	if pageNum < 1 || pageSize < 1 {
		return Page{}, fmt.Errorf("%w: page %d and page size %d must be positive", core.ErrValidation, pageNum, pageSize)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	// A page never holds more than the store does, which also keeps the
	// arithmetic below within int range for any request.
	pageSize = min(pageSize, s.capacity)

	total := len(s.records)
	totalPages := (total + pageSize - 1) / pageSize

	start := total
	if pageNum-1 <= total/pageSize {
		start = min((pageNum-1)*pageSize, total)
	}

	end := min(start+pageSize, total)

	records := make([]Record, end-start)
	copy(records, s.records[start:end])

	return Page{
		Records:      records,
		TotalRecords: total,
		TotalPages:   totalPages,
		Page:         pageNum,
		PageSize:     pageSize,
		HasNext:      end < total,
		HasPrev:      pageNum > 1,
	}, nil
}

// Lookup returns the record with the given id.
func (s *Store) Lookup(id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, record := range s.records {
		if record.ID == id {
			return record, nil
		}
	}

	return Record{}, fmt.Errorf("%w: render %q", core.ErrNotFound, id)
}
