package session

import "time"

// FlushInterval is the longest accumulated text may sit unspoken. The timer
// runs from the last flush, so steady token streams without punctuation
// still reach the caller in sub-second chunks.
const FlushInterval = 800 * time.Millisecond

// Flush trigger reasons, recorded per flush on the speech-flush counter.
const (
	FlushSentence = "sentence"
	FlushPreTool  = "pre_tool"
	FlushTurnEnd  = "turn_end"
	FlushTimer    = "timer"
)

// splitAtSentenceBoundary splits accumulated text at the last sentence
// boundary: terminal punctuation (.!?) followed by whitespace or by the end
// of the text. The cut lands right after the punctuation, so the whitespace
// that separated two sentences leads the next chunk and concatenating all
// chunks reproduces the stream byte for byte.
func splitAtSentenceBoundary(s string) (flush, rest string) {
	cut := -1
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '.', '!', '?':
		default:
			continue
		}
		if i+1 == len(s) || isSpaceByte(s[i+1]) {
			cut = i + 1
		}
	}
	if cut <= 0 {
		return "", s
	}
	return s[:cut], s[cut:]
}

// splitSpeech breaks canned text (greetings, notices, apologies) into
// word-sized tokens the way a model streams them. Each token after the
// first leads with the whitespace that separated it, so the gateway
// reassembles the exact text.
func splitSpeech(text string) []string {
	var tokens []string
	i := 0
	for i < len(text) {
		j := i
		for j < len(text) && isSpaceByte(text[j]) {
			j++
		}
		for j < len(text) && !isSpaceByte(text[j]) {
			j++
		}
		tokens = append(tokens, text[i:j])
		i = j
	}
	return tokens
}

// isSpaceByte matches ASCII whitespace. Terminal punctuation and the spaces
// that follow it are single bytes even in UTF-8 text, so byte scanning is
// safe here.
func isSpaceByte(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\r':
		return true
	}
	return false
}
