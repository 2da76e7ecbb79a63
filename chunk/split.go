package chunk

import (
	"strings"
	"unicode/utf8"
)

// SplitText slices normalized text into chunks of roughly targetSize
// characters, never exceeding maxSize. Boundaries prefer paragraph breaks,
// then sentence ends; a chunk is only cut mid-sentence when a single
// sentence exceeds maxSize on its own.
func SplitText(text string, targetSize, maxSize int) []string {
	if targetSize <= 0 {
		targetSize = 1200
	}
	if maxSize < targetSize {
		maxSize = targetSize * 2
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= maxSize {
		return []string{text}
	}

	var chunks []string
	var current strings.Builder

	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			chunks = append(chunks, s)
		}
		current.Reset()
	}

	for _, paragraph := range strings.Split(text, "\n\n") {
		paragraph = strings.TrimSpace(paragraph)
		if paragraph == "" {
			continue
		}

		// The paragraph fits in the running chunk.
		if current.Len()+len(paragraph)+2 <= targetSize {
			if current.Len() > 0 {
				current.WriteString("\n\n")
			}
			current.WriteString(paragraph)
			continue
		}

		flush()

		if len(paragraph) <= maxSize {
			current.WriteString(paragraph)
			continue
		}

		// Oversized paragraph: pack sentences.
		for _, sentence := range splitSentences(paragraph) {
			if current.Len()+len(sentence)+1 > maxSize {
				flush()
			}
			if len(sentence) > maxSize {
				// A single sentence past maxSize is hard-split, on a
				// rune boundary so no multi-byte character is torn.
				for len(sentence) > maxSize {
					cut := maxSize
					for cut > 0 && !utf8.RuneStart(sentence[cut]) {
						cut--
					}
					if cut == 0 {
						cut = maxSize
					}
					chunks = append(chunks, strings.TrimSpace(sentence[:cut]))
					sentence = sentence[cut:]
				}
				sentence = strings.TrimSpace(sentence)
				if sentence == "" {
					continue
				}
			}
			if current.Len() > 0 {
				current.WriteString(" ")
			}
			current.WriteString(sentence)
			if current.Len() >= targetSize {
				flush()
			}
		}
		flush()
	}
	flush()

	return chunks
}

// sentence-terminal runes followed by whitespace end a sentence.
const sentenceEnders = ".!?"

// splitSentences breaks a paragraph at sentence boundaries. Abbreviation
// detection is deliberately minimal; a false split costs only a slightly
// smaller chunk.
func splitSentences(s string) []string {
	var sentences []string
	start := 0
	for i := 0; i < len(s)-1; i++ {
		if strings.ContainsRune(sentenceEnders, rune(s[i])) && (s[i+1] == ' ' || s[i+1] == '\n') {
			sentence := strings.TrimSpace(s[start : i+1])
			if sentence != "" {
				sentences = append(sentences, sentence)
			}
			start = i + 1
		}
	}
	if tail := strings.TrimSpace(s[start:]); tail != "" {
		sentences = append(sentences, tail)
	}
	return sentences
}
