package call

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// defaultTransferPhrases are the response fragments that route a call to a
// human. Emergency keywords come first so they win over polite transfer
// phrasing.
var defaultTransferPhrases = []string{
	"notfall",
	"112",
	"sofort",
	"verbinde sie",
	"weiterleite",
}

// fuzzyThreshold is the Jaro-Winkler similarity above which a response token
// counts as a transfer keyword despite STT spelling drift.
const fuzzyThreshold = 0.92

// TransferDetector decides whether an assistant response asks for a handover
// to a human. Matching is case-insensitive substring search first, then a
// fuzzy token comparison that tolerates transcription errors
// ("Nottfall" vs "notfall").
type TransferDetector struct {
	phrases []string
}

// NewTransferDetector builds a detector over the given phrases, falling back
// to the default set when none are configured. Phrases are checked in order;
// the first match wins.
func NewTransferDetector(phrases []string) *TransferDetector {
	if len(phrases) == 0 {
		phrases = defaultTransferPhrases
	}
	lowered := make([]string, len(phrases))
	for i, p := range phrases {
		lowered[i] = strings.ToLower(p)
	}
	return &TransferDetector{phrases: lowered}
}

// ShouldTransfer reports whether the response matches a transfer phrase and
// returns the matched phrase.
func (d *TransferDetector) ShouldTransfer(response string) (string, bool) {
	lower := strings.ToLower(response)
	tokens := strings.Fields(lower)

	for _, phrase := range d.phrases {
		if strings.Contains(lower, phrase) {
			return phrase, true
		}
		if strings.ContainsRune(phrase, ' ') {
			continue
		}
		// Digit keywords ("112") must match exactly; fuzzy comparison would
		// fire on unrelated numbers.
		if phrase[0] >= '0' && phrase[0] <= '9' {
			continue
		}
		for _, tok := range tokens {
			tok = strings.Trim(tok, ".,!?:;\"'")
			if tok == "" {
				continue
			}
			if matchr.JaroWinkler(tok, phrase, false) >= fuzzyThreshold {
				return phrase, true
			}
		}
	}
	return "", false
}
