// Package manifest writes and validates the batch request file the
// voice-cloning engine consumes: one tab-separated record per sentence.
package manifest

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/book-expert/voice-render-service/internal/core"
)

const (
	// FieldCount is the number of tab-separated fields in every record.
	FieldCount = 4
	// IDPrefix starts every segment id.
	IDPrefix = "seg_"

	maxReportedLines = 5
	fieldSeparator   = "\t"
)

var (
	// ErrNoSentences indicates Build was called without any sentence.
	ErrNoSentences = errors.New("manifest needs at least one sentence")
	// ErrEmptyManifest indicates the manifest file has no records.
	ErrEmptyManifest = errors.New("manifest file is empty")
)

var fieldSanitizer = strings.NewReplacer("\t", " ", "\r\n", " ", "\n", " ", "\r", " ")

// Segment is one manifest row.
type Segment struct {
	ID              string
	PromptText      string
	PromptAudioPath string
	TargetText      string
}

// Manifest is an ordered list of segments written to Path.
type Manifest struct {
	Path     string
	Segments []Segment
}

// LineIssue names a record with the wrong number of fields.
type LineIssue struct {
	Line   int
	Fields int
}

// FormatError reports a manifest that does not have exactly FieldCount fields
// on every line. Lines holds at most the first five offenders.
type FormatError struct {
	Path    string
	Lines   []LineIssue
	Invalid int
}

func (e *FormatError) Error() string {
	details := make([]string, 0, len(e.Lines))
	for _, issue := range e.Lines {
		details = append(details, fmt.Sprintf("line %d: %d fields", issue.Line, issue.Fields))
	}

	return fmt.Sprintf("%s: %s has %d malformed line(s), want %d fields: %s",
		core.ErrFormat.Error(), e.Path, e.Invalid, FieldCount, strings.Join(details, ", "))
}

// Unwrap returns core.ErrFormat.
func (e *FormatError) Unwrap() error {
	return core.ErrFormat
}

// SegmentID returns the id of the 1-based segment index, e.g. seg_007.
func SegmentID(index int) string {
	return fmt.Sprintf("%s%03d", IDPrefix, index)
}

// SegmentIndex parses a segment id back to its 1-based index.
func SegmentIndex(id string) (int, bool) {
	digits, found := strings.CutPrefix(id, IDPrefix)
	if !found || digits == "" {
		return 0, false
	}

	index, err := strconv.Atoi(digits)
	if err != nil || index < 1 {
		return 0, false
	}

	return index, true
}

// Build writes one record per sentence to path and validates the result.
func Build(path, promptText, promptAudioPath string, sentences []string) (*Manifest, error) {
	if len(sentences) == 0 {
		return nil, fmt.Errorf("%w: %w", core.ErrValidation, ErrNoSentences)
	}

	segments := make([]Segment, 0, len(sentences))
	for index, sentence := range sentences {
		segments = append(segments, Segment{
			ID:              SegmentID(index + 1),
			PromptText:      sanitize(promptText),
			PromptAudioPath: sanitize(promptAudioPath),
			TargetText:      sanitize(sentence),
		})
	}

	err := write(path, segments)
	if err != nil {
		return nil, err
	}

	rows, err := Validate(path)
	if err != nil {
		return nil, err
	}

	if rows != len(segments) {
		return nil, fmt.Errorf("%w: %s has %d rows, wrote %d", core.ErrFormat, path, rows, len(segments))
	}

	return &Manifest{Path: path, Segments: segments}, nil
}

func sanitize(field string) string {
	return strings.TrimSpace(fieldSanitizer.Replace(field))
}

func write(path string, segments []Segment) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create manifest %s: %w", path, err)
	}

	writer := bufio.NewWriter(file)

	for _, segment := range segments {
		record := strings.Join([]string{
			segment.ID, segment.PromptText, segment.PromptAudioPath, segment.TargetText,
		}, fieldSeparator)

		_, err = writer.WriteString(record + "\n")
		if err != nil {
			_ = file.Close()

			return fmt.Errorf("failed to write manifest %s: %w", path, err)
		}
	}

	err = writer.Flush()
	if err != nil {
		_ = file.Close()

		return fmt.Errorf("failed to flush manifest %s: %w", path, err)
	}

	err = file.Close()
	if err != nil {
		return fmt.Errorf("failed to close manifest %s: %w", path, err)
	}

	return nil
}

// Validate re-reads a manifest and checks that it is non-empty and that every
// line has exactly FieldCount fields. It returns the number of records.
func Validate(path string) (int, error) {
	lines, err := readLines(path)
	if err != nil {
		return 0, err
	}

	if len(lines) == 0 {
		return 0, fmt.Errorf("%w: %s: %w", core.ErrFormat, path, ErrEmptyManifest)
	}

	formatErr := &FormatError{Path: path}

	for index, line := range lines {
		fields := len(strings.Split(line, fieldSeparator))
		if fields == FieldCount {
			continue
		}

		formatErr.Invalid++
		if len(formatErr.Lines) < maxReportedLines {
			formatErr.Lines = append(formatErr.Lines, LineIssue{Line: index + 1, Fields: fields})
		}
	}

	if formatErr.Invalid > 0 {
		return 0, formatErr
	}

	return len(lines), nil
}

// Parse reads a manifest back into segments.
func Parse(path string) ([]Segment, error) {
	_, err := Validate(path)
	if err != nil {
		return nil, err
	}

	lines, err := readLines(path)
	if err != nil {
		return nil, err
	}

	segments := make([]Segment, 0, len(lines))

	for _, line := range lines {
		fields := strings.Split(line, fieldSeparator)
		segments = append(segments, Segment{
			ID:              fields[0],
			PromptText:      fields[1],
			PromptAudioPath: fields[2],
			TargetText:      fields[3],
		})
	}

	return segments, nil
}

func readLines(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: manifest %s", core.ErrNotFound, path)
		}

		return nil, fmt.Errorf("failed to open manifest %s: %w", path, err)
	}
	defer file.Close()

	var lines []string

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		lines = append(lines, strings.TrimRight(scanner.Text(), "\r"))
	}

	err = scanner.Err()
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}

	return lines, nil
}
