package voice

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	speechURLPattern          = regexp.MustCompile(`https?://\S+`)
	speechFencedCodePattern   = regexp.MustCompile("(?s)```.*?```")
	speechInlineCodePattern   = regexp.MustCompile("`[^`]*`")
	speechMarkdownLinkPattern = regexp.MustCompile(`\[(.*?)\]\((.*?)\)`)
)

// sanitizeSpeechText removes markup/symbol noise from model text so TTS sounds conversational.
func sanitizeSpeechText(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	raw = speechFencedCodePattern.ReplaceAllString(raw, " ")
	raw = speechInlineCodePattern.ReplaceAllString(raw, " ")
	raw = speechMarkdownLinkPattern.ReplaceAllString(raw, "$1")
	raw = speechURLPattern.ReplaceAllString(raw, " ")

	raw = strings.NewReplacer(
		"*", " ",
		"_", " ",
		"\\", " ",
		"/", " ",
		"|", " ",
		"#", " ",
		"~", " ",
		"<", " ",
		">", " ",
	).Replace(raw)

	var b strings.Builder
	b.Grow(len(raw))
	prevSpace := true

	for _, r := range raw {
		switch {
		case r == '\u200d' || r == '\ufe0f' || r == '\u20e3':
			continue
		case r == '\n' || r == '\r' || r == '\t' || unicode.IsSpace(r):
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
		case unicode.IsControl(r):
			continue
		case unicode.In(r, unicode.So, unicode.Sm, unicode.Sk):
			// Drops emoji and symbol-heavy glyphs that sound unnatural when spoken.
			continue
		case isSpeechSafePunctuation(r):
			b.WriteRune(r)
			prevSpace = false
		case unicode.IsPunct(r):
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
		default:
			b.WriteRune(r)
			prevSpace = false
		}
	}

	return strings.TrimSpace(b.String())
}

func isSpeechSafePunctuation(r rune) bool {
	switch r {
	case '.', ',', '!', '?', ':', ';', '\'', '"', '-', '(', ')':
		return true
	default:
		return false
	}
}

var speechAbbreviations = []string{
	"dr.", "mr.", "mrs.", "ms.", "jr.", "sr.", "st.", "ave.", "apt.",
	"inc.", "ltd.", "co.", "vs.", "etc.", "i.e.", "e.g.", "a.m.", "p.m.",
}

// PhraseSegmenter coalesces streamed text deltas into speakable phrases so
// synthesis starts on the first clause instead of waiting for a full reply.
// Phrases end at sentence punctuation, or at a clause break once enough text
// is pending.
type PhraseSegmenter struct {
	minClause int
	pending   strings.Builder
	emitted   bool
}

func NewPhraseSegmenter(minClause int) *PhraseSegmenter {
	if minClause <= 0 {
		minClause = 40
	}
	return &PhraseSegmenter{minClause: minClause}
}

// Push appends delta and returns any phrases it completed.
func (s *PhraseSegmenter) Push(delta string) []string {
	if delta == "" {
		return nil
	}
	s.pending.WriteString(delta)
	content := s.pending.String()

	var out []string
	last := 0
	for i := 0; i < len(content); i++ {
		if !s.isBoundary(content, last, i) {
			continue
		}
		if phrase := strings.TrimSpace(content[last : i+1]); phrase != "" {
			out = append(out, phrase)
			s.emitted = true
		}
		last = i + 1
	}
	if last > 0 {
		s.pending.Reset()
		s.pending.WriteString(content[last:])
	}
	return out
}

// Finalize returns whatever text is still pending.
func (s *PhraseSegmenter) Finalize() []string {
	rest := strings.TrimSpace(s.pending.String())
	s.pending.Reset()
	if rest == "" {
		return nil
	}
	s.emitted = true
	return []string{rest}
}

func (s *PhraseSegmenter) Reset() {
	s.pending.Reset()
	s.emitted = false
}

func (s *PhraseSegmenter) isBoundary(content string, start, i int) bool {
	c := content[i]
	// A boundary needs trailing whitespace; otherwise wait for the next delta.
	if i+1 >= len(content) || !unicode.IsSpace(rune(content[i+1])) {
		return false
	}
	switch c {
	case '.':
		return !endsWithAbbreviation(content[start:i+1])
	case '!', '?':
		return true
	case ',', ';', ':':
		threshold := s.minClause
		if !s.emitted {
			threshold = s.minClause / 2
		}
		return i+1-start >= threshold
	default:
		return false
	}
}

func endsWithAbbreviation(s string) bool {
	idx := strings.LastIndexAny(s, " \t\r\n")
	word := strings.ToLower(s[idx+1:])
	for _, abbr := range speechAbbreviations {
		if word == abbr {
			return true
		}
	}
	// Single-letter initials such as "J."
	return len(word) == 2 && unicode.IsLetter(rune(word[0]))
}
