package stream

import (
	"regexp"
	"strings"
)

// thinkingBlock matches a complete internal-reasoning segment: a bolded title
// on its own, a blank line, a body, and a terminating blank line.
var thinkingBlock = regexp.MustCompile(`(?s)\*\*([^*\n]{1,200})\*\*\n\n(.*?)\n\n`)

// ChunkBuffer accumulates streamed model text and withholds internal
// reasoning from the visible stream. Thinking blocks are removed entirely;
// only their titles are surfaced, for the caller to forward as redacted
// progress when that is wanted.
type ChunkBuffer struct {
	pending strings.Builder
}

// NewChunkBuffer creates an empty buffer.
func NewChunkBuffer() *ChunkBuffer {
	return &ChunkBuffer{}
}

// Push appends newly arrived text and returns the text that is now safe to
// show, plus the titles of any thinking blocks that were removed. Text that
// may still grow into a thinking block is held back until a later Push or
// Flush settles it.
func (b *ChunkBuffer) Push(text string) (visible string, thinking []string) {
	b.pending.WriteString(text)
	s := b.pending.String()

	for {
		loc := thinkingBlock.FindStringSubmatchIndex(s)
		if loc == nil {
			break
		}
		thinking = append(thinking, s[loc[2]:loc[3]])
		s = s[:loc[0]] + s[loc[1]:]
	}

	hold := holdbackIndex(s)
	visible = s[:hold]
	b.pending.Reset()
	b.pending.WriteString(s[hold:])
	return visible, thinking
}

// Flush releases whatever is still held. Held text that never completed into
// a thinking block is ordinary content.
func (b *ChunkBuffer) Flush() string {
	out := b.pending.String()
	b.pending.Reset()
	return out
}

// holdbackIndex finds the earliest position from which the remaining text
// could still become a thinking block. Everything before it is settled.
func holdbackIndex(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if !strings.HasPrefix(s[i:], "**") {
			continue
		}
		if i > 0 && s[i-1] != '\n' {
			continue
		}
		if maybeBlockPrefix(s[i:]) {
			return i
		}
	}
	return len(s)
}

// maybeBlockPrefix reports whether s is a proper prefix of a thinking block.
func maybeBlockPrefix(s string) bool {
	rest := s[2:]
	end := strings.Index(rest, "**")
	if end == -1 {
		// Title still open: no newline or asterisk allowed inside it.
		return !strings.ContainsAny(rest, "\n*") && len(rest) <= 200
	}
	title := rest[:end]
	if title == "" || len(title) > 200 || strings.ContainsAny(title, "\n*") {
		return false
	}
	after := rest[end+2:]
	switch {
	case after == "" || after == "\n":
		return true
	case strings.HasPrefix(after, "\n\n"):
		// Body open until the terminating blank line arrives.
		return !strings.Contains(after[2:], "\n\n")
	default:
		return false
	}
}

// Deduper suppresses re-sent content chunks. If the trailing window of a new
// chunk matches the trailing window of the previously emitted one, the chunk
// is judged an upstream re-send artifact and dropped. A heuristic, not a
// correctness guarantee.
type Deduper struct {
	window   int
	minChunk int
	prevTail string
}

// NewDeduper creates a deduper with the given trailing-window size and the
// minimum chunk length the check applies to.
func NewDeduper(window, minChunk int) *Deduper {
	return &Deduper{window: window, minChunk: minChunk}
}

// ShouldDrop reports whether the chunk duplicates the previous emission, and
// records it as the new previous chunk when it does not.
func (d *Deduper) ShouldDrop(chunk string) bool {
	if len(chunk) >= d.minChunk && d.prevTail != "" {
		w := d.window
		if len(chunk) < w {
			w = len(chunk)
		}
		if len(d.prevTail) < w {
			w = len(d.prevTail)
		}
		if w >= d.minChunk && chunk[len(chunk)-w:] == d.prevTail[len(d.prevTail)-w:] {
			return true
		}
	}
	d.prevTail = tail(chunk, d.window)
	return false
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
