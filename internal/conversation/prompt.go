package conversation

import (
	"fmt"
	"strings"
	"time"

	"github.com/telfon-ai/telfon/pkg/provider/lang"
)

// Caller-facing stock phrases. These are the fallbacks when the LLM cannot be
// reached; the policy layer may override the prompt but these strings stay in
// the assistant's registered voice.
const (
	// greetingInstruction asks the model for the opening line of the call.
	greetingInstruction = "Begrüße den Anrufer kurz und freundlich und frage, wie du helfen kannst. Antworte nur mit der Begrüßung."

	// notUnderstoodPhrase is played when the caller was silent or unintelligible.
	notUnderstoodPhrase = "Entschuldigung, das habe ich nicht verstanden. Können Sie das bitte wiederholen?"
)

// NotUnderstoodPhrase returns the re-prompt played after a listening timeout
// or an empty transcription.
func NotUnderstoodPhrase() string { return notUnderstoodPhrase }

// errorPhrases are the per-language apologies played when the AI pipeline
// fails and the call returns to listening.
var errorPhrases = map[lang.Language]string{
	lang.German:  "Entschuldigung, es gab einen Fehler. Können Sie das bitte wiederholen?",
	lang.Russian: "Извините, произошла ошибка. Не могли бы вы повторить?",
	lang.Turkish: "Özür dilerim, bir hata oluştu. Lütfen tekrar eder misiniz?",
	lang.English: "Sorry, there was an error. Could you please repeat that?",
}

// ErrorPhrase returns the apology for a response language, defaulting to
// German.
func ErrorPhrase(l lang.Language) string {
	if p, ok := errorPhrases[l]; ok {
		return p
	}
	return errorPhrases[lang.German]
}

// defaultGreeting is the static opening line used when the LLM greeting fails.
func defaultGreeting(now time.Time) string {
	return fmt.Sprintf("Guten %s, Praxis, hier spricht der Telefonassistent. Wie kann ich Ihnen helfen?", timeOfDay(now))
}

// timeOfDay returns the German salutation segment for the current hour.
func timeOfDay(now time.Time) string {
	switch h := now.Hour(); {
	case h < 12:
		return "Morgen"
	case h < 18:
		return "Tag"
	default:
		return "Abend"
	}
}

// dialectHint is appended to the system prompt when the caller speaks a
// non-standard German variety: the model should understand the dialect but
// answer in plain standard German.
const dialectHint = `

HINWEIS ZUM DIALEKT: Der Anrufer spricht %s. Verstehen Sie den DIALEKT, aber antworten Sie ausschließlich in klarem Hochdeutsch.`

// dialectDisplayNames maps dialect tags to the wording used in the hint.
var dialectDisplayNames = map[lang.Dialect]string{
	lang.DialectAlemannic: "einen alemannischen Dialekt (Schwäbisch)",
	lang.DialectBavarian:  "einen bairischen Dialekt",
	lang.DialectLow:       "Plattdeutsch",
}

// composeSystemPrompt builds the per-turn system prompt: the base prompt for
// the conversation's response language plus, for dialect speakers, the
// standard-German instruction.
func composeSystemPrompt(base string, dialect lang.Dialect) string {
	display, ok := dialectDisplayNames[dialect]
	if !ok {
		return base
	}
	var sb strings.Builder
	sb.WriteString(base)
	fmt.Fprintf(&sb, dialectHint, display)
	return sb.String()
}
