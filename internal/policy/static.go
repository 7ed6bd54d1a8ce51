package policy

import (
	"context"
	"strings"

	"github.com/telfon-ai/telfon/pkg/provider/lang"
)

// StaticPrompts serves system prompts from a fixed table keyed by industry
// and language, with a single fallback prompt.
type StaticPrompts struct {
	prompts  map[string]map[lang.Language]string
	fallback string
}

var _ SystemPromptProvider = (*StaticPrompts)(nil)

// NewStaticPrompts builds a prompt provider. fallback is returned when no
// entry matches.
func NewStaticPrompts(prompts map[string]map[lang.Language]string, fallback string) *StaticPrompts {
	return &StaticPrompts{prompts: prompts, fallback: fallback}
}

func (p *StaticPrompts) SystemPrompt(industry string, language lang.Language) string {
	byLang, ok := p.prompts[industry]
	if !ok {
		return p.fallback
	}
	if prompt, ok := byLang[language]; ok {
		return prompt
	}
	if prompt, ok := byLang[lang.German]; ok {
		return prompt
	}
	return p.fallback
}

// emergencyPatterns always escalate to an emergency classification. Keys are
// the reported category.
var emergencyPatterns = map[string][]string{
	"chest_pain":           {"brustschmerz", "brustdruck", "herzschmerz", "stechen brust"},
	"breathing_difficulty": {"atemnot", "kurzatmig", "kann nicht atmen", "luftnot", "ersticken"},
	"stroke_symptoms":      {"lähmung", "taubheit gesicht", "sprachstörung", "verwirrung plötzlich"},
	"severe_bleeding":      {"starke blutung", "blut nicht stoppen", "viel blut"},
	"unconsciousness":      {"bewusstlos", "ohnmacht", "nicht ansprechbar", "zusammengebrochen"},
}

// urgentPatterns call for a same-day appointment.
var urgentPatterns = map[string][]string{
	"high_fever":      {"hohes fieber", "über 39 grad", "schüttelfrost"},
	"acute_pain":      {"starke schmerzen", "akute schmerzen", "plötzliche schmerzen"},
	"vomiting":        {"erbrechen", "kann nichts bei mir behalten"},
	"injury":          {"verletzung", "unfall", "sturz", "gebrochen"},
	"infection_signs": {"eitrig", "entzündet", "geschwollen rot"},
}

const (
	emergencyAction = "Bitte rufen Sie sofort den Notruf 112 an oder lassen Sie sich in die nächste Notaufnahme bringen."
	urgentAction    = "Wir geben Ihnen einen dringenden Termin für heute. Bitte kommen Sie so bald wie möglich."
	standardAction  = "Für Ihre Beschwerden können wir einen regulären Termin vereinbaren."
)

// KeywordTriage is a keyword-table triage policy for German utterances.
// Emergency patterns win over urgent ones; anything unmatched is non-urgent.
type KeywordTriage struct{}

var _ TriagePolicy = KeywordTriage{}

func (KeywordTriage) Assess(text string) TriageResult {
	lower := strings.ToLower(text)

	for category, keywords := range emergencyPatterns {
		if matched := matchKeywords(lower, keywords); len(matched) > 0 {
			return TriageResult{
				Urgency:           UrgencyEmergency,
				Category:          category,
				MatchedKeywords:   matched,
				Confidence:        1.0,
				RecommendedAction: emergencyAction,
			}
		}
	}

	for category, keywords := range urgentPatterns {
		if matched := matchKeywords(lower, keywords); len(matched) > 0 {
			return TriageResult{
				Urgency:           UrgencyUrgent,
				Category:          category,
				MatchedKeywords:   matched,
				Confidence:        0.8,
				RecommendedAction: urgentAction,
			}
		}
	}

	return TriageResult{
		Urgency:           UrgencyNonUrgent,
		Category:          "general",
		Confidence:        0.3,
		RecommendedAction: standardAction,
	}
}

func matchKeywords(lower string, keywords []string) []string {
	var matched []string
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			matched = append(matched, kw)
		}
	}
	return matched
}

// intentKeywords are checked in order; emergency comes first so it wins over
// any booking phrasing in the same sentence.
var intentKeywords = []struct {
	intent   Intent
	keywords []string
}{
	{IntentEmergency, []string{"notfall", "brustschmerz", "atemnot", "bewusstlos"}},
	{IntentCancelAppointment, []string{"absagen", "stornieren", "nicht kommen", "abmelden"}},
	{IntentReschedule, []string{"verschieben", "umbuchen", "anderen termin", "verlegen"}},
	{IntentPrescription, []string{"rezept", "medikament", "verschreibung", "folgerezept"}},
	{IntentLabResults, []string{"labor", "befund", "blutwerte", "ergebnis"}},
	{IntentSpeakToStaff, []string{"arzt sprechen", "assistentin", "rückruf", "mensch"}},
	{IntentBookAppointment, []string{"termin", "anmelden", "vorbeikommen", "untersuchen"}},
}

// KeywordIntents detects intent by ordered keyword matching.
type KeywordIntents struct{}

var _ IntentDetector = KeywordIntents{}

func (KeywordIntents) Detect(text string, _ map[string]string) Intent {
	lower := strings.ToLower(text)
	for _, entry := range intentKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				return entry.intent
			}
		}
	}
	return IntentUnknown
}

// StaticConsent allows everything except the kinds listed in Denied.
type StaticConsent struct {
	// Denied maps a consent kind to the denial reason.
	Denied map[ConsentKind]string
}

var _ ConsentGate = StaticConsent{}

func (g StaticConsent) Check(_ context.Context, _ string, kind ConsentKind) (ConsentDecision, error) {
	if reason, ok := g.Denied[kind]; ok {
		return ConsentDecision{Allowed: false, Reason: reason}, nil
	}
	return ConsentDecision{Allowed: true}, nil
}
