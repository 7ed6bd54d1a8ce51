// Package lang provides text-based language and German dialect classification.
//
// The language classifier distinguishes German, Russian, Turkish and English
// from character sets and lexical markers; the dialect classifier tags German
// text as standard, Alemannic, Bavarian or Low German and recommends a
// transcription model tuned for that variety. Both operate on plain text and
// need no model files, making them cheap enough to run on every caller turn.
package lang

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Language is an ISO 639-1 code of a detected language.
type Language string

const (
	German  Language = "de"
	Russian Language = "ru"
	Turkish Language = "tr"
	English Language = "en"
	Unknown Language = "unknown"
)

// Confidence tiers shared by both classifiers.
const (
	HighConfidence   = 0.9
	MediumConfidence = 0.7
	LowConfidence    = 0.5
)

// Result is the outcome of a language classification.
type Result struct {
	Language Language

	// IsDialect is true when the text is German in a Schwäbisch/Alemannic
	// variety rather than Hochdeutsch.
	IsDialect bool

	// Confidence is the classifier's certainty in [0, 1].
	Confidence float64

	// DialectName names the variety when IsDialect is set (e.g., "schwäbisch").
	DialectName string
}

// ResponseLanguage returns the language the assistant should answer in.
// Dialect callers are answered in standard German.
func (r Result) ResponseLanguage() Language {
	if r.IsDialect {
		return German
	}
	return r.Language
}

var (
	cyrillicPattern = regexp.MustCompile(`[\x{0400}-\x{04FF}]`)

	turkishChars = "şŞğĞıİçÇ"

	// Schwäbisch/Alemannic markers that do not appear in standard German.
	schwaebischPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b\w+le\b`),
		regexp.MustCompile(`(?i)\bi\s+(?:hab|han|bin|gang|komm|mach|will|kann)`),
		regexp.MustCompile(`(?i)\bdu\s+hosch\b`),
		regexp.MustCompile(`(?i)\bnet\b`),
		regexp.MustCompile(`(?i)\bnix\b`),
		regexp.MustCompile(`(?i)\bbissle\b`),
		regexp.MustCompile(`(?i)\bmädle\b`),
		regexp.MustCompile(`(?i)\bhäusle\b`),
		regexp.MustCompile(`(?i)\bgell\b`),
		regexp.MustCompile(`(?i)\bgang\b`),
		regexp.MustCompile(`(?i)\bgschwend\b`),
		regexp.MustCompile(`(?i)\bschaffe\b`),
		regexp.MustCompile(`(?i)\blaufe\b`),
		regexp.MustCompile(`(?i)\bgugg\b`),
		regexp.MustCompile(`(?i)\bhock\b`),
		regexp.MustCompile(`(?i)\bwo\s+bischt\b`),
		regexp.MustCompile(`(?i)\bdes\s+isch\b`),
	}

	englishPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(?:hello|hi|hey)\b`),
		regexp.MustCompile(`(?i)\b(?:I have|I need|I want|I am|I'm)\b`),
		regexp.MustCompile(`(?i)\b(?:please|thank you|thanks)\b`),
		regexp.MustCompile(`(?i)\b(?:power outage|no power|electricity|electrical)\b`),
		regexp.MustCompile(`(?i)\b(?:help|problem|issue|broken|repair)\b`),
		regexp.MustCompile(`(?i)\b(?:appointment|schedule|today|tomorrow)\b`),
		regexp.MustCompile(`(?i)\b(?:the|and|but|with|for|this|that)\b`),
		regexp.MustCompile(`(?i)\b(?:my|your|our|their)\b`),
		regexp.MustCompile(`(?i)\b(?:is|are|was|were|have|has)\b`),
		regexp.MustCompile(`(?i)\b(?:can|could|would|should)\b`),
	}
)

const (
	// minEnglishMatches guards against single loan words triggering an
	// English classification.
	minEnglishMatches = 2

	minDialectMatches = 1
)

// Detect classifies text. Detection runs in stages: Cyrillic characters win
// first (Russian), then Turkish-specific letters, then Schwäbisch markers,
// then English word matches; anything else is standard German, which is the
// dominant case on this phone line.
func Detect(text string) Result {
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{Language: German}
	}

	if n := len(cyrillicPattern.FindAllString(text, -1)); n > 0 {
		alpha := 0
		for _, r := range text {
			if unicode.IsLetter(r) {
				alpha++
			}
		}
		if alpha < 1 {
			alpha = 1
		}
		conf := min(float64(n)/float64(alpha)*1.5, 1.0)
		return Result{Language: Russian, Confidence: max(conf, MediumConfidence)}
	}

	if n := countTurkishChars(text); n > 0 {
		conf := min(float64(n)/float64(utf8.RuneCountInString(text))*10, 1.0)
		return Result{Language: Turkish, Confidence: max(conf, MediumConfidence)}
	}

	if n := countMatches(schwaebischPatterns, text); n >= minDialectMatches {
		conf := min(float64(n)/3, 1.0)
		return Result{
			Language:    German,
			IsDialect:   true,
			Confidence:  max(conf, MediumConfidence),
			DialectName: "schwäbisch",
		}
	}

	if n := countMatches(englishPatterns, text); n >= minEnglishMatches {
		conf := min(float64(n)/5, 1.0)
		return Result{Language: English, Confidence: max(conf, MediumConfidence)}
	}

	return Result{Language: German, Confidence: HighConfidence}
}

func countTurkishChars(text string) int {
	n := 0
	for _, r := range text {
		if strings.ContainsRune(turkishChars, r) {
			n++
		}
	}
	return n
}

func countMatches(patterns []*regexp.Regexp, text string) int {
	n := 0
	for _, p := range patterns {
		if p.MatchString(text) {
			n++
		}
	}
	return n
}
