package chat

import (
	"strings"
	"unicode"
)

// lowSignalTokens is the closed vocabulary of acknowledgements, greetings,
// thanks, and farewells that short-circuit the pipeline.
var lowSignalTokens = map[string]bool{
	"ok": true, "okay": true, "k": true, "kk": true, "sure": true,
	"yes": true, "yep": true, "yeah": true, "no": true, "nope": true,
	"thanks": true, "thank": true, "thx": true, "ty": true, "you": true,
	"hi": true, "hello": true, "hey": true, "yo": true,
	"bye": true, "goodbye": true, "later": true, "cya": true,
	"cool": true, "nice": true, "great": true, "good": true, "got": true,
	"it": true, "understood": true, "noted": true, "perfect": true,
	"morning": true, "afternoon": true, "evening": true,
	"please": true, "alright": true, "right": true,
}

const lowSignalMaxWords = 5

// IsLowSignal reports whether a message is a pleasantry that deserves a
// canned reply instead of retrieval and an LLM call: short, no digits, no
// question mark, and every token from the fixed set.
func IsLowSignal(message string) bool {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return false
	}
	if strings.ContainsRune(trimmed, '?') {
		return false
	}
	for _, r := range trimmed {
		if unicode.IsDigit(r) {
			return false
		}
	}

	words := strings.Fields(strings.ToLower(trimmed))
	if len(words) == 0 || len(words) > lowSignalMaxWords {
		return false
	}
	for _, w := range words {
		w = strings.Trim(w, ".,!;:'\"")
		if w == "" {
			continue
		}
		if !lowSignalTokens[w] {
			return false
		}
	}
	return true
}

// CannedReply picks a response for a low-signal message.
func CannedReply(message string) string {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "thank") || strings.Contains(lower, "thx") || strings.Contains(lower, "ty"):
		return "You're welcome. Let me know if you have more questions about your documents."
	case strings.Contains(lower, "hi") || strings.Contains(lower, "hello") || strings.Contains(lower, "hey"):
		return "Hello! Ask me anything about the documents in this session."
	case strings.Contains(lower, "bye") || strings.Contains(lower, "later"):
		return "Goodbye! Your session is saved if you want to pick this up again."
	default:
		return "Understood. Let me know if you have more questions about your documents."
	}
}
