// Package text cleans raw input text and splits it into sentences the
// voice-cloning engine can render.
package text

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/book-expert/logger"
	"golang.org/x/text/unicode/norm"
)

const (
	// DefaultMinChars is the shortest sentence, in non-punctuation characters,
	// the engine renders reliably.
	DefaultMinChars = 3
	// DefaultFallbackPhrase is used when no sentence has renderable content.
	DefaultFallbackPhrase = "Xin chào."
)

const sentenceTerminators = ".!?…"

var (
	whitespacePattern  = regexp.MustCompile(`\s+`)
	punctuationPattern = regexp.MustCompile(`\s*([.!?…,;:]+)\s*`)
	boundaryPattern    = regexp.MustCompile(`[.!?…]\s+`)
)

// Options configures a Normalizer.
type Options struct {
	MinChars       int
	FallbackPhrase string
	Rules          []StripRule
}

// Normalizer cleans and segments text.
type Normalizer struct {
	minChars       int
	fallbackPhrase string
	rules          []StripRule
	log            *logger.Logger
}

// NewNormalizer creates a Normalizer. Zero options fall back to package defaults.
func NewNormalizer(opts Options, log *logger.Logger) *Normalizer {
	if opts.MinChars <= 0 {
		opts.MinChars = DefaultMinChars
	}

	if opts.FallbackPhrase == "" {
		opts.FallbackPhrase = DefaultFallbackPhrase
	}

	if opts.Rules == nil {
		opts.Rules = DefaultStripRules()
	}

	return &Normalizer{
		minChars:       opts.MinChars,
		fallbackPhrase: opts.FallbackPhrase,
		rules:          opts.Rules,
		log:            log,
	}
}

// Clean strips annotations and symbols, collapses whitespace and normalizes
// spacing after punctuation. Empty input yields empty output.
func (n *Normalizer) Clean(text string) string {
	if text == "" {
		return ""
	}

	cleaned := norm.NFC.String(text)

	for _, rule := range n.rules {
		cleaned = rule.Apply(cleaned)
	}

	cleaned = whitespacePattern.ReplaceAllString(cleaned, " ")
	cleaned = spacePunctuation(cleaned)

	return strings.TrimSpace(cleaned)
}

// spacePunctuation leaves exactly one space after each punctuation run, except
// inside numbers such as 3.14, 10:30 or 1,000.
func spacePunctuation(text string) string {
	matches := punctuationPattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text
	}

	var builder strings.Builder

	builder.Grow(len(text) + len(matches))

	last := 0

	for _, match := range matches {
		start, end := match[0], match[1]
		punct := text[match[2]:match[3]]

		builder.WriteString(text[last:start])

		if start == match[2] && end == match[3] && isNumberSeparator(text, start, end, punct) {
			builder.WriteString(punct)
		} else {
			builder.WriteString(punct)
			builder.WriteByte(' ')
		}

		last = end
	}

	builder.WriteString(text[last:])

	return builder.String()
}

func isNumberSeparator(text string, start, end int, punct string) bool {
	if punct != "." && punct != "," && punct != ":" {
		return false
	}

	before, _ := utf8.DecodeLastRuneInString(text[:start])
	after, _ := utf8.DecodeRuneInString(text[end:])

	return unicode.IsDigit(before) && unicode.IsDigit(after)
}

// Split breaks text after sentence terminators that are followed by
// whitespace. The last sentence gets a period when it has no terminator.
func (n *Normalizer) Split(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var parts []string

	last := 0

	for _, loc := range boundaryPattern.FindAllStringIndex(text, -1) {
		_, size := utf8.DecodeRuneInString(text[loc[0]:])
		appendPart(&parts, text[last:loc[0]+size])
		last = loc[1]
	}

	appendPart(&parts, text[last:])

	if len(parts) == 0 {
		parts = []string{text}
	}

	final := parts[len(parts)-1]
	lastRune, _ := utf8.DecodeLastRuneInString(final)

	if !strings.ContainsRune(sentenceTerminators, lastRune) {
		parts[len(parts)-1] = final + "."
	}

	return parts
}

func appendPart(parts *[]string, part string) {
	part = strings.TrimSpace(part)
	if part != "" {
		*parts = append(*parts, part)
	}
}

// Segment splits text into sentences and drops the ones too short to render.
// It never returns an empty slice for input with any non-space content.
func (n *Normalizer) Segment(text string) []string {
	candidates := n.Split(text)
	if len(candidates) == 0 {
		return nil
	}

	kept := make([]string, 0, len(candidates))

	for index, sentence := range candidates {
		if ContentLength(sentence) >= n.minChars {
			kept = append(kept, sentence)

			continue
		}

		n.logf("[text] dropping sentence %d, too short to render: %q", index+1, sentence)
	}

	if len(kept) > 0 {
		return kept
	}

	longest := candidates[0]
	for _, sentence := range candidates[1:] {
		if ContentLength(sentence) > ContentLength(longest) {
			longest = sentence
		}
	}

	if ContentLength(longest) > 0 {
		n.logf("[text] every sentence was filtered, keeping the longest: %q", longest)

		return []string{longest}
	}

	n.logf("[text] no renderable content, using fallback phrase")

	return []string{n.fallbackPhrase}
}

func (n *Normalizer) logf(format string, args ...any) {
	if n.log != nil {
		n.log.Warn(format, args...)
	}
}

// ContentLength counts the characters left after removing punctuation,
// symbols and whitespace.
func ContentLength(sentence string) int {
	count := 0

	for _, char := range sentence {
		if unicode.IsPunct(char) || unicode.IsSpace(char) || unicode.IsSymbol(char) {
			continue
		}

		count++
	}

	return count
}

// CountWords returns the number of whitespace-separated words.
func CountWords(text string) int {
	return len(strings.Fields(text))
}

// TruncateWords keeps at most maxWords words, joined by single spaces.
// A non-positive maxWords disables truncation.
func TruncateWords(text string, maxWords int) (string, bool) {
	if maxWords <= 0 {
		return text, false
	}

	words := strings.Fields(text)
	if len(words) <= maxWords {
		return text, false
	}

	return strings.Join(words[:maxWords], " "), true
}
