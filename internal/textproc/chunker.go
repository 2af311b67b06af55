// Package textproc implements the two-stage text pipeline that turns raw
// agent token fragments into TTS-speakable sentences.
//
// [Chunker] absorbs arbitrary token fragments and emits complete sentences at
// terminal punctuation, eliding reasoning spans and stray tool-call JSON.
// [Cleaner] rewrites each sentence through an ordered regex rule list and
// extracts an emotion tag. Both are stateful and not safe for concurrent use;
// each turn owns its own instances.
package textproc

import (
	"regexp"
	"strings"
	"unicode"
)

// toolCallJSON matches braced tool-call structures the model may echo into
// prose. Both single- and double-quoted key styles are scrubbed.
var toolCallJSON = regexp.MustCompile(`\{\s*['"]type['"]\s*:\s*['"]tool_call['"][\s\S]*?\}\}`)

// ChunkerOption configures a [Chunker].
type ChunkerOption func(*Chunker)

// WithReasoningTags overrides the delimiters of elided reasoning spans.
// Tags are matched case-insensitively and must be non-empty ASCII.
// Defaults: "<think>" and "</think>".
func WithReasoningTags(start, end string) ChunkerOption {
	return func(c *Chunker) {
		if start != "" && end != "" {
			c.startTag = strings.ToLower(start)
			c.endTag = strings.ToLower(end)
		}
	}
}

// Chunker converts a lazy sequence of token fragments into complete
// sentences. Sentence boundaries are terminal punctuation (".", "!", "?",
// newline, and the full-width "。", "！", "？") followed by optional
// whitespace. Reasoning spans between the configured tags are elided even
// when a tag is split across token boundaries.
type Chunker struct {
	startTag string
	endTag   string

	buf    strings.Builder
	carry  string // held-back text that may be a partial reasoning tag
	inside bool   // currently within a reasoning span
}

// NewChunker creates a Chunker with the given options.
func NewChunker(opts ...ChunkerOption) *Chunker {
	c := &Chunker{
		startTag: "<think>",
		endTag:   "</think>",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Process appends token to the internal buffer and returns every complete
// sentence that became available, trimmed. Empty splits (runs of consecutive
// terminators) are discarded. The unterminated remainder stays buffered.
func (c *Chunker) Process(token string) []string {
	c.buf.WriteString(c.scanReasoning(token))

	text := toolCallJSON.ReplaceAllString(c.buf.String(), "")

	var sentences []string
	for {
		end := firstSentenceBoundary(text)
		if end < 0 {
			break
		}
		if s := strings.TrimSpace(text[:end]); s != "" {
			sentences = append(sentences, s)
		}
		text = text[end:]
	}

	c.buf.Reset()
	c.buf.WriteString(text)
	return sentences
}

// Flush returns the remaining buffered text, trimmed, and clears the buffer.
// Held-back text that turned out not to be a reasoning tag is included;
// an unterminated reasoning span is discarded. Returns "" when nothing
// speakable remains.
func (c *Chunker) Flush() string {
	if !c.inside {
		c.buf.WriteString(c.carry)
	}
	c.carry = ""
	text := toolCallJSON.ReplaceAllString(c.buf.String(), "")
	c.buf.Reset()
	return strings.TrimSpace(text)
}

// Reset clears all state, including the reasoning flag.
func (c *Chunker) Reset() {
	c.buf.Reset()
	c.carry = ""
	c.inside = false
}

// scanReasoning filters reasoning spans out of token, carrying partial tag
// matches across calls.
func (c *Chunker) scanReasoning(token string) string {
	text := c.carry + token
	c.carry = ""

	var out strings.Builder
	for text != "" {
		if c.inside {
			if idx := foldIndex(text, c.endTag); idx >= 0 {
				text = text[idx+len(c.endTag):]
				c.inside = false
				continue
			}
			// Hold back a possible partial end tag; drop the rest.
			c.carry = text[len(text)-partialTagLen(text, c.endTag):]
			return out.String()
		}

		if idx := foldIndex(text, c.startTag); idx >= 0 {
			out.WriteString(text[:idx])
			text = text[idx+len(c.startTag):]
			c.inside = true
			continue
		}
		keep := partialTagLen(text, c.startTag)
		out.WriteString(text[:len(text)-keep])
		c.carry = text[len(text)-keep:]
		return out.String()
	}
	return out.String()
}

// firstSentenceBoundary returns the byte index just past the first sentence
// terminator and any whitespace that follows it, or -1 when the text holds no
// complete sentence yet.
func firstSentenceBoundary(text string) int {
	for i, r := range text {
		if !isTerminator(r) {
			continue
		}
		end := i + len(string(r))
		for _, next := range text[end:] {
			if !unicode.IsSpace(next) {
				break
			}
			end += len(string(next))
		}
		return end
	}
	return -1
}

func isTerminator(r rune) bool {
	switch r {
	case '.', '!', '?', '\n', '。', '！', '？':
		return true
	}
	return false
}

// foldIndex returns the index of the first ASCII-case-insensitive occurrence
// of tag (already lowercase) in s, or -1.
func foldIndex(s, tag string) int {
	if len(tag) == 0 || len(s) < len(tag) {
		return -1
	}
	for i := 0; i+len(tag) <= len(s); i++ {
		if foldEqual(s[i:i+len(tag)], tag) {
			return i
		}
	}
	return -1
}

// partialTagLen returns the length of the longest proper prefix of tag that
// ends s, so a tag split across token boundaries is not emitted prematurely.
func partialTagLen(s, tag string) int {
	max := len(tag) - 1
	if len(s) < max {
		max = len(s)
	}
	for k := max; k > 0; k-- {
		if foldEqual(s[len(s)-k:], tag[:k]) {
			return k
		}
	}
	return 0
}

func foldEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// HasSpeakable reports whether s contains at least one letter or digit.
// Chunks that fail this check carry nothing a TTS engine can voice.
func HasSpeakable(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}
