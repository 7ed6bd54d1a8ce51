package conversation

import (
	"strings"
	"testing"
)

func TestExtractCompleteSentence(t *testing.T) {
	tests := []struct {
		name      string
		buf       string
		sentence  string
		remaining string
		ok        bool
	}{
		{
			name:      "terminator followed by space",
			buf:       "Hallo. Welt",
			sentence:  "Hallo.",
			remaining: "Welt",
			ok:        true,
		},
		{
			name:      "splits mid stream",
			buf:       "Ich verstehe. Seit",
			sentence:  "Ich verstehe.",
			remaining: "Seit",
			ok:        true,
		},
		{
			name:      "terminator at end of buffer",
			buf:       "Seit wann haben Sie die Schmerzen?",
			sentence:  "Seit wann haben Sie die Schmerzen?",
			remaining: "",
			ok:        true,
		},
		{
			name:      "exclamation mark",
			buf:       "Alles klar! Danke.",
			sentence:  "Alles klar!",
			remaining: "Danke.",
			ok:        true,
		},
		{
			name:      "decimal point is not a boundary",
			buf:       "38.5 Grad",
			remaining: "38.5 Grad",
			ok:        false,
		},
		{
			name:      "short candidate rejects whole buffer",
			buf:       "Dr. Müller kommt.",
			remaining: "Dr. Müller kommt.",
			ok:        false,
		},
		{
			name:      "too short sentence",
			buf:       "Ja.",
			remaining: "Ja.",
			ok:        false,
		},
		{
			name:      "no terminator",
			buf:       "noch kein Satzende",
			remaining: "noch kein Satzende",
			ok:        false,
		},
		{
			name:      "empty buffer",
			buf:       "",
			remaining: "",
			ok:        false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sentence, remaining, ok := ExtractCompleteSentence(tt.buf)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if sentence != tt.sentence {
				t.Errorf("sentence = %q, want %q", sentence, tt.sentence)
			}
			if remaining != tt.remaining {
				t.Errorf("remaining = %q, want %q", remaining, tt.remaining)
			}
		})
	}
}

func TestExtractCompleteSentence_Drain(t *testing.T) {
	buf := "Guten Tag. Wie kann ich helfen? Bitte sprechen Sie"
	var sentences []string
	for {
		sentence, rest, ok := ExtractCompleteSentence(buf)
		if !ok {
			break
		}
		sentences = append(sentences, sentence)
		buf = rest
	}

	want := []string{"Guten Tag.", "Wie kann ich helfen?"}
	if len(sentences) != len(want) {
		t.Fatalf("drained %d sentences, want %d", len(sentences), len(want))
	}
	for i := range want {
		if sentences[i] != want[i] {
			t.Errorf("sentence[%d] = %q, want %q", i, sentences[i], want[i])
		}
	}
	if buf != "Bitte sprechen Sie" {
		t.Errorf("leftover = %q, want %q", buf, "Bitte sprechen Sie")
	}
}

func TestExtractCompleteSentence_Properties(t *testing.T) {
	samples := []string{
		"Hallo. Welt",
		"Ich verstehe. Seit wann haben Sie die Schmerzen?",
		"Alles klar! Danke. ",
		"Guten Morgen.  Wie geht es Ihnen?",
		"Termin am Montag? Gerne.",
		"kein Ende",
		"Ja.",
	}

	for _, buf := range samples {
		sentence, remaining, ok := ExtractCompleteSentence(buf)
		if !ok {
			if remaining != buf {
				t.Errorf("ExtractCompleteSentence(%q): remaining = %q, want unchanged buffer", buf, remaining)
			}
			continue
		}
		if len(sentence) < minSentenceLen {
			t.Errorf("ExtractCompleteSentence(%q): sentence %q shorter than %d", buf, sentence, minSentenceLen)
		}
		last := sentence[len(sentence)-1]
		if !strings.ContainsRune(sentenceTerminators, rune(last)) {
			t.Errorf("ExtractCompleteSentence(%q): sentence %q does not end in a terminator", buf, sentence)
		}
		if !strings.HasPrefix(buf, sentence) {
			t.Errorf("ExtractCompleteSentence(%q): sentence %q is not a prefix of the buffer", buf, sentence)
		}
		if got := strings.TrimLeft(buf[len(sentence):], " \t\n\r"); got != remaining {
			t.Errorf("ExtractCompleteSentence(%q): remaining = %q, want %q", buf, remaining, got)
		}
	}
}
