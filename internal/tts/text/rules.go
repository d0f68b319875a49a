package text

import (
	"regexp"
	"unicode"
)

// StripRule removes matching content from text. A rule is either a set of
// code-point ranges or a pattern; Replacement is inserted for each removed match.
type StripRule struct {
	Name        string
	Ranges      *unicode.RangeTable
	Pattern     *regexp.Regexp
	Replacement string
}

// Apply returns text with every match of the rule removed.
func (r StripRule) Apply(text string) string {
	if r.Pattern != nil {
		return r.Pattern.ReplaceAllString(text, r.Replacement)
	}

	if r.Ranges == nil {
		return text
	}

	runes := make([]rune, 0, len(text))
	replacement := []rune(r.Replacement)

	for _, char := range text {
		if unicode.Is(r.Ranges, char) {
			runes = append(runes, replacement...)

			continue
		}

		runes = append(runes, char)
	}

	return string(runes)
}

// Bracketed annotations are replaced by a space so adjacent words stay apart;
// whitespace collapsing runs afterwards.
var bracketRules = []StripRule{
	{Name: "parentheses", Pattern: regexp.MustCompile(`\([^()]*\)`), Replacement: " "},
	{Name: "square brackets", Pattern: regexp.MustCompile(`\[[^\[\]]*\]`), Replacement: " "},
	{Name: "curly braces", Pattern: regexp.MustCompile(`\{[^{}]*\}`), Replacement: " "},
	{Name: "fullwidth parentheses", Pattern: regexp.MustCompile(`（[^（）]*）`), Replacement: " "},
	{Name: "lenticular brackets", Pattern: regexp.MustCompile(`【[^【】]*】`), Replacement: " "},
}

var symbolRules = []StripRule{
	{
		Name: "arrows",
		Ranges: &unicode.RangeTable{R16: []unicode.Range16{
			{Lo: 0x2190, Hi: 0x21FF, Stride: 1},
			{Lo: 0x27F0, Hi: 0x27FF, Stride: 1},
			{Lo: 0x2900, Hi: 0x297F, Stride: 1},
			{Lo: 0x2B00, Hi: 0x2BFF, Stride: 1},
		}},
		Replacement: " ",
	},
	{
		Name: "dingbats and misc symbols",
		Ranges: &unicode.RangeTable{R16: []unicode.Range16{
			{Lo: 0x2600, Hi: 0x26FF, Stride: 1},
			{Lo: 0x2700, Hi: 0x27BF, Stride: 1},
		}},
		Replacement: " ",
	},
	{
		Name: "emoji and pictographs",
		Ranges: &unicode.RangeTable{R32: []unicode.Range32{
			{Lo: 0x1F1E6, Hi: 0x1F1FF, Stride: 1},
			{Lo: 0x1F300, Hi: 0x1F5FF, Stride: 1},
			{Lo: 0x1F600, Hi: 0x1F64F, Stride: 1},
			{Lo: 0x1F680, Hi: 0x1F6FF, Stride: 1},
			{Lo: 0x1F700, Hi: 0x1F77F, Stride: 1},
			{Lo: 0x1F780, Hi: 0x1F7FF, Stride: 1},
			{Lo: 0x1F800, Hi: 0x1F8FF, Stride: 1},
			{Lo: 0x1F900, Hi: 0x1F9FF, Stride: 1},
			{Lo: 0x1FA00, Hi: 0x1FAFF, Stride: 1},
		}},
		Replacement: " ",
	},
	{
		Name: "joiners and variation selectors",
		Ranges: &unicode.RangeTable{R16: []unicode.Range16{
			{Lo: 0x200D, Hi: 0x200D, Stride: 1},
			{Lo: 0xFE00, Hi: 0xFE0F, Stride: 1},
		}},
	},
}

// DefaultStripRules returns the rules Clean applies, in order.
func DefaultStripRules() []StripRule {
	rules := make([]StripRule, 0, len(bracketRules)+len(symbolRules))
	rules = append(rules, bracketRules...)
	rules = append(rules, symbolRules...)

	return rules
}
