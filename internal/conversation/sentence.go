package conversation

import "strings"

// minSentenceLen rejects fragments like "Ja." whose synthesis sounds clipped;
// they stay in the buffer until more text arrives.
const minSentenceLen = 5

// sentenceTerminators are the characters that may end a sentence.
const sentenceTerminators = ".!?"

// ExtractCompleteSentence scans buf for the first terminator (".", "!", "?")
// that sits at the end of the buffer or is followed by whitespace. It returns
// the sentence up to and including the terminator, the remaining text with
// leading whitespace trimmed, and whether a sentence was found. Candidates
// shorter than minSentenceLen are rejected and the whole buffer is returned as
// remaining.
//
// The scan is deliberately naive: it splits after abbreviations ("Dr. Müller")
// and inside decimals followed by space. Callers drain multiple sentences by
// calling repeatedly.
func ExtractCompleteSentence(buf string) (sentence, remaining string, ok bool) {
	for i := 0; i < len(buf); i++ {
		if !strings.ContainsRune(sentenceTerminators, rune(buf[i])) {
			continue
		}
		if i != len(buf)-1 && !isSpace(buf[i+1]) {
			continue
		}
		if i+1 < minSentenceLen {
			return "", buf, false
		}
		return buf[:i+1], strings.TrimLeft(buf[i+1:], " \t\n\r"), true
	}
	return "", buf, false
}

func isSpace(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\r':
		return true
	}
	return false
}
