// Package metrics keeps a bounded rolling window of completed job timings and
// uses it to estimate how long a new job will take.
package metrics

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-render-service/internal/core"
)

const (
	// DefaultCapacity bounds the rolling window.
	DefaultCapacity = 1000
	// DefaultSecondsPerWord is used when the window is empty.
	DefaultSecondsPerWord = 0.5
)

// Sample is one completed job.
type Sample struct {
	WordCount      int       `json:"word_count"`
	ElapsedSeconds float64   `json:"elapsed_seconds"`
	RecordedAt     time.Time `json:"recorded_at"`
}

func (s Sample) secondsPerWord() float64 {
	return s.ElapsedSeconds / float64(max(s.WordCount, 1))
}

// Stats summarizes the window.
type Stats struct {
	Count             int     `json:"count"`
	AvgSecondsPerWord float64 `json:"avg_seconds_per_word"`
	Last              *Sample `json:"last_sample,omitempty"`
}

// Store is a rolling window of samples, optionally mirrored to SQLite.
type Store struct {
	mu       sync.RWMutex
	window   []Sample
	capacity int
	db       *sql.DB
	log      *logger.Logger
}

// New creates an in-memory Store. A capacity below one uses DefaultCapacity.
func New(capacity int, log *logger.Logger) *Store {
	if capacity < 1 {
		capacity = DefaultCapacity
	}

	return &Store{
		window:   make([]Sample, 0, min(capacity, 64)),
		capacity: capacity,
		log:      log,
	}
}

// Open creates a Store backed by the SQLite database at path and reloads the
// most recent samples from it.
func Open(path string, capacity int, log *logger.Logger) (*Store, error) {
	store := New(capacity, log)

	db, err := openDatabase(path)
	if err != nil {
		return nil, err
	}

	samples, err := loadSamples(db, store.capacity)
	if err != nil {
		_ = db.Close()

		return nil, err
	}

	store.db = db
	store.window = append(store.window, samples...)

	log.Info("[metrics] loaded %d samples from %s", len(samples), path)

	return store, nil
}

// Record appends a sample, evicting the oldest one when the window is full.
// A database failure leaves the in-memory window updated and returns an
// error wrapping core.ErrPersistence.
func (s *Store) Record(wordCount int, elapsedSeconds float64) error {
	if wordCount < 0 || elapsedSeconds < 0 {
		return fmt.Errorf("%w: negative sample (%d words, %.3fs)", core.ErrValidation, wordCount, elapsedSeconds)
	}

	sample := Sample{WordCount: wordCount, ElapsedSeconds: elapsedSeconds, RecordedAt: time.Now().UTC()}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.window) >= s.capacity {
		copy(s.window, s.window[len(s.window)-s.capacity+1:])
		s.window = s.window[:s.capacity-1]
	}

	s.window = append(s.window, sample)

	if s.db == nil {
		return nil
	}

	err := insertSample(s.db, sample, s.capacity)
	if err != nil {
		return fmt.Errorf("%w: %w", core.ErrPersistence, err)
	}

	return nil
}

// Estimate predicts the processing time for wordCount words from the mean
// seconds-per-word of the window.
func (s *Store) Estimate(wordCount int) float64 {
	return float64(wordCount) * s.averageSecondsPerWord()
}

func (s *Store) averageSecondsPerWord() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.window) == 0 {
		return DefaultSecondsPerWord
	}

	total := 0.0
	for _, sample := range s.window {
		total += sample.secondsPerWord()
	}

	return total / float64(len(s.window))
}

// Stats returns the window size, the mean seconds per word and the newest
// sample.
func (s *Store) Stats() Stats {
	avg := s.averageSecondsPerWord()

	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{Count: len(s.window), AvgSecondsPerWord: avg}
	if len(s.window) > 0 {
		last := s.window[len(s.window)-1]
		stats.Last = &last
	}

	return stats
}

// Close releases the database, if any.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}

	return s.db.Close()
}
