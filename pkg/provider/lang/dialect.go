package lang

import (
	"regexp"
	"strings"
)

// Dialect tags the German variety of a caller's speech.
type Dialect string

const (
	DialectStandard  Dialect = "de_standard"
	DialectAlemannic Dialect = "de_alemannic"
	DialectBavarian  Dialect = "de_bavarian"
	DialectLow       Dialect = "de_low"
)

// DialectModels maps each dialect to the transcription model best suited for
// it. Bavarian and Low German have no specialised model yet and fall back to
// the general multilingual one.
var DialectModels = map[Dialect]string{
	DialectStandard:  "primeline/whisper-large-v3-german",
	DialectAlemannic: "Flurin17/whisper-large-v3-turbo-swiss-german",
	DialectBavarian:  "openai/whisper-large-v3",
	DialectLow:       "openai/whisper-large-v3",
}

// ModelForDialect returns the recommended transcription model, defaulting to
// the standard German model for unknown tags.
func ModelForDialect(d Dialect) string {
	if m, ok := DialectModels[d]; ok {
		return m
	}
	return DialectModels[DialectStandard]
}

// DialectResult is the outcome of a German dialect classification.
type DialectResult struct {
	Dialect    Dialect
	Confidence float64

	// Features lists the matched markers, prefixed by dialect group
	// (e.g., "alemannic:alemannic_negation").
	Features []string

	// RecommendedModel is the transcription model for the detected dialect.
	RecommendedModel string
}

// dialectPattern pairs a compiled marker with its feature name.
type dialectPattern struct {
	re      *regexp.Regexp
	feature string
}

var (
	alemannicPatterns = compileDialectPatterns(map[string]string{
		`\bi han\b`:             "alemannic_verb",
		`\bi ha\b`:              "alemannic_verb",
		`\bi kann? et\b`:        "alemannic_negation",
		`\bnet\b`:               "alemannic_negation",
		`le\b`:                  "alemannic_diminutive",
		`\bbissle\b`:            "schwaebisch_word",
		`\bmädle\b`:             "alemannic_word",
		`\bbüble\b`:             "alemannic_word",
		`\bgrombira\b`:          "schwaebisch_word",
		`\blugga\b`:             "schwaebisch_word",
		`\bschaffe\b`:           "schwaebisch_word",
		`\bschwätza\b`:          "schwaebisch_word",
		`\bheilig's blechle\b`:  "schwaebisch_phrase",
		`\boi\b`:                "alemannic_vowel",
		`\bao\b`:                "alemannic_vowel",
		`\bisch\b`:              "alemannic_ist",
		`\bgoht\b`:              "alemannic_verb",
		`\bwomma\b`:             "alemannic_contraction",
		`\bwemma\b`:             "alemannic_contraction",
		`\bso isch des\b`:       "alemannic_phrase",
	})

	bavarianPatterns = compileDialectPatterns(map[string]string{
		`\bi hob\b`:     "bavarian_verb",
		`\bhabt's\b`:    "bavarian_verb",
		`\bned\b`:       "bavarian_negation",
		`\bnia\b`:       "bavarian_negation",
		`\bdeandl\b`:    "bavarian_word",
		`\bbua\b`:       "bavarian_word",
		`\bfei\b`:       "bavarian_particle",
		`\bgeh\b`:       "bavarian_particle",
		`\bja mei\b`:    "bavarian_phrase",
		`\bservus\b`:    "bavarian_greeting",
		`\bgriaß di\b`:  "bavarian_greeting",
		`\bwia\b`:       "bavarian_wie",
		`\bdo\b`:        "bavarian_da",
		`\bheid\b`:      "bavarian_heute",
	})

	lowGermanPatterns = compileDialectPatterns(map[string]string{
		`\bik\b`:      "low_german_ich",
		`\bsnacken\b`: "low_german_word",
		`\blütt\b`:    "low_german_word",
		`\bkieken\b`:  "low_german_word",
		`\bmoin\b`:    "low_german_greeting",
		`\bdor\b`:     "low_german_da",
		`\bnich\b`:    "low_german_nicht",
		`\bwat\b`:     "low_german_was",
		`\bun\b`:      "low_german_und",
	})
)

func compileDialectPatterns(defs map[string]string) []dialectPattern {
	out := make([]dialectPattern, 0, len(defs))
	for pattern, feature := range defs {
		out = append(out, dialectPattern{
			re:      regexp.MustCompile(`(?i)` + pattern),
			feature: feature,
		})
	}
	return out
}

// dialectConfidenceThreshold is the minimum normalized score required to tag
// a non-standard dialect; weaker evidence falls back to standard German.
const dialectConfidenceThreshold = 0.6

// DetectDialect classifies German text into one of the four dialect tags and
// recommends a transcription model for it.
//
// Each dialect group scores one point per matched marker; scores are
// normalized over all groups. Text with no markers at all is standard German
// at high confidence. A winning dialect below the confidence threshold also
// falls back to standard, carrying the inverse score as confidence.
func DetectDialect(text string) DialectResult {
	lower := strings.ToLower(text)

	scores := map[Dialect]float64{
		DialectAlemannic: 0,
		DialectBavarian:  0,
		DialectLow:       0,
		DialectStandard:  0,
	}
	var features []string

	for _, p := range alemannicPatterns {
		if p.re.MatchString(lower) {
			scores[DialectAlemannic]++
			features = append(features, "alemannic:"+p.feature)
		}
	}
	for _, p := range bavarianPatterns {
		if p.re.MatchString(lower) {
			scores[DialectBavarian]++
			features = append(features, "bavarian:"+p.feature)
		}
	}
	for _, p := range lowGermanPatterns {
		if p.re.MatchString(lower) {
			scores[DialectLow]++
			features = append(features, "low_german:"+p.feature)
		}
	}

	total := 0.1
	for _, v := range scores {
		total += v
	}

	dialect := DialectStandard
	confidence := HighConfidence

	if len(features) > 0 {
		best := DialectStandard
		bestScore := -1.0
		for _, d := range []Dialect{DialectAlemannic, DialectBavarian, DialectLow, DialectStandard} {
			if scores[d] > bestScore {
				best = d
				bestScore = scores[d]
			}
		}
		confidence = bestScore / total
		dialect = best

		if confidence < dialectConfidenceThreshold {
			dialect = DialectStandard
			confidence = 1 - confidence
		}
	}

	return DialectResult{
		Dialect:          dialect,
		Confidence:       confidence,
		Features:         features,
		RecommendedModel: ModelForDialect(dialect),
	}
}
