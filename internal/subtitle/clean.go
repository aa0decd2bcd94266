package subtitle

import (
	"regexp"
	"strings"
)

var (
	markupTagRE     = regexp.MustCompile(`<[^>]+>`)
	speakerPrefixRE = regexp.MustCompile(`^(SPEAKER_\d+:|>>>?\s*)`)
	bracketedCueRE  = regexp.MustCompile(`\[[^\]]*\]`)
	parenCueRE      = regexp.MustCompile(`\([^)]*\)`)
	whitespaceRE    = regexp.MustCompile(`\s+`)
)

// CleanSegments normalises segment text for machine consumption and composes
// the plain-text form: cue tags and speaker markers stripped, soft-broken
// lines joined, whitespace collapsed. Segments whose text cleans to empty are
// dropped. The function is pure.
func CleanSegments(segments []Segment) ([]Segment, string) {
	cleaned := make([]Segment, 0, len(segments))
	parts := make([]string, 0, len(segments))
	for _, seg := range segments {
		text := CleanText(seg.Text)
		if text == "" {
			continue
		}
		cleaned = append(cleaned, Segment{Text: text, Start: seg.Start, Duration: seg.Duration})
		parts = append(parts, text)
	}
	plain := collapseAdjacentDuplicates(strings.Join(parts, " "))
	return cleaned, plain
}

// CleanText normalises a single caption line.
func CleanText(text string) string {
	t := strings.ReplaceAll(text, "\n", " ")
	t = markupTagRE.ReplaceAllString(t, "")
	t = speakerPrefixRE.ReplaceAllString(t, "")
	t = bracketedCueRE.ReplaceAllString(t, "")
	t = parenCueRE.ReplaceAllString(t, "")
	t = whitespaceRE.ReplaceAllString(t, " ")
	return strings.TrimSpace(t)
}

// collapseAdjacentDuplicates removes immediately repeated 2-4 word runs, a
// common artifact of auto-generated captions overlapping at segment edges.
func collapseAdjacentDuplicates(text string) string {
	words := strings.Fields(text)
	if len(words) < 4 {
		return text
	}
	result := make([]string, 0, len(words))
	i := 0
	for i < len(words) {
		matched := false
		for _, length := range []int{4, 3, 2} {
			if i+length*2 > len(words) {
				continue
			}
			a := strings.Join(words[i:i+length], " ")
			b := strings.Join(words[i+length:i+length*2], " ")
			if strings.EqualFold(a, b) {
				result = append(result, words[i:i+length]...)
				i += length * 2
				matched = true
				break
			}
		}
		if !matched {
			result = append(result, words[i])
			i++
		}
	}
	return strings.Join(result, " ")
}
