// Package profile resolves voice profiles from the profiles.json catalog
// maintained by the profile management tooling. It never writes.
package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/book-expert/voice-render-service/internal/core"
)

const (
	sampleTextFile  = "sample.txt"
	sampleAudioFile = "sample.wav"
)

// Entry is one catalog record.
type Entry struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Path        string `json:"path"`
	IsDefault   bool   `json:"is_default"`
	CreatedAt   string `json:"created_at"`
}

// Store reads profiles.json on every lookup so external edits are picked up.
type Store struct {
	file      string
	defaultID string
}

// NewStore creates a Store for the catalog at file.
func NewStore(file, defaultID string) *Store {
	return &Store{file: file, defaultID: defaultID}
}

// DefaultID returns the profile used when a request names none.
func (s *Store) DefaultID() string {
	return s.defaultID
}

// Catalog returns every entry keyed by id.
func (s *Store) Catalog() (map[string]Entry, error) {
	data, err := os.ReadFile(s.file)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: profile catalog %s", core.ErrNotFound, s.file)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read profile catalog: %w", err)
	}

	var catalog map[string]Entry

	err = json.Unmarshal(data, &catalog)
	if err != nil {
		return nil, fmt.Errorf("%w: profile catalog %s: %w", core.ErrFormat, s.file, err)
	}

	return catalog, nil
}

// Lookup resolves id to its transcript and reference sample. Relative profile
// paths are taken from the catalog's directory.
func (s *Store) Lookup(id string) (core.VoiceProfile, error) {
	catalog, err := s.Catalog()
	if err != nil {
		return core.VoiceProfile{}, err
	}

	entry, ok := catalog[id]
	if !ok {
		return core.VoiceProfile{}, fmt.Errorf("%w: voice profile %q", core.ErrNotFound, id)
	}

	dir := entry.Path
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(filepath.Dir(s.file), dir)
	}

	audioPath := filepath.Join(dir, sampleAudioFile)

	_, err = os.Stat(audioPath)
	if err != nil {
		return core.VoiceProfile{}, fmt.Errorf("%w: profile %q is missing %s", core.ErrNotFound, id, sampleAudioFile)
	}

	text, err := os.ReadFile(filepath.Join(dir, sampleTextFile))
	if err != nil {
		return core.VoiceProfile{}, fmt.Errorf("%w: profile %q is missing %s", core.ErrNotFound, id, sampleTextFile)
	}

	promptText := strings.TrimSpace(string(text))
	if promptText == "" {
		return core.VoiceProfile{}, fmt.Errorf("%w: profile %q has an empty transcript", core.ErrValidation, id)
	}

	return core.VoiceProfile{
		ID:              id,
		Name:            entry.Name,
		PromptText:      promptText,
		PromptAudioPath: audioPath,
	}, nil
}
