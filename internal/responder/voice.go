package responder

import (
	"regexp"
	"strings"
)

// VoiceFormatter turns model output into a single line that reads well aloud.
type VoiceFormatter struct {
	MaxWords int
}

func NewVoiceFormatter(maxWords int) VoiceFormatter {
	if maxWords <= 0 {
		maxWords = 60
	}
	return VoiceFormatter{MaxWords: maxWords}
}

var (
	reCodeBlock        = regexp.MustCompile("(?s)```.*?```")
	reInlineCode       = regexp.MustCompile("`([^`]*)`")
	reImage            = regexp.MustCompile(`!\[([^\]]*)\]\([^)]*\)`)
	reLink             = regexp.MustCompile(`\[([^\]]+)\]\([^)]*\)`)
	reBold             = regexp.MustCompile(`(\*\*|__)(.+?)(\*\*|__)`)
	reEmphasis         = regexp.MustCompile(`(^|[\s(])[*_]([^*_\n]+)[*_]`)
	reHeading          = regexp.MustCompile(`(?m)^\s{0,3}#{1,6}\s+`)
	reBullet           = regexp.MustCompile(`(?m)^\s*(?:[-*+•]|\d+[.)])\s+`)
	reQuoteLine        = regexp.MustCompile(`(?m)^\s*>\s?`)
	reURL              = regexp.MustCompile(`https?://\S+`)
	reSpaceBeforePunct = regexp.MustCompile(`\s+([,.;:!?])`)
	reRepeatedPunct    = regexp.MustCompile(`([!?])[!?]+`)
	reEllipsis         = regexp.MustCompile(`\.{4,}`)
)

var punctReplacer = strings.NewReplacer(
	"‘", "'", "’", "'",
	"“", `"`, "”", `"`,
	"–", "-", "—", ", ",
	"…", "...",
	"*", "", "#", "",
)

// Format strips markdown, normalizes whitespace and punctuation and caps the word count.
func (f VoiceFormatter) Format(raw string) string {
	s := reCodeBlock.ReplaceAllString(raw, " ")
	s = reInlineCode.ReplaceAllString(s, "$1")
	s = reImage.ReplaceAllString(s, "$1")
	s = reLink.ReplaceAllString(s, "$1")
	s = reBold.ReplaceAllString(s, "$2")
	s = reEmphasis.ReplaceAllString(s, "$1$2")
	s = reHeading.ReplaceAllString(s, "")
	s = reBullet.ReplaceAllString(s, "")
	s = reQuoteLine.ReplaceAllString(s, "")
	s = reURL.ReplaceAllString(s, "")
	s = punctReplacer.Replace(s)

	s = collapseWhitespace(s)
	s = reSpaceBeforePunct.ReplaceAllString(s, "$1")
	s = reRepeatedPunct.ReplaceAllString(s, "$1")
	s = reEllipsis.ReplaceAllString(s, "...")
	s = strings.TrimSpace(s)

	return f.capWords(s)
}

func (f VoiceFormatter) capWords(s string) string {
	words := strings.Fields(s)
	if f.MaxWords <= 0 || len(words) <= f.MaxWords {
		return s
	}
	cut := strings.Join(words[:f.MaxWords], " ")
	if i := strings.LastIndexAny(cut, ".!?"); i > len(cut)/3 {
		return cut[:i+1]
	}
	return strings.TrimRight(cut, ",;:- ") + "."
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
