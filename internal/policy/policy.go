// Package policy defines the capability interfaces the call core depends on
// for domain behaviour: system prompts, triage, intent detection and consent.
// Industry bundles implement these outside the core; the package also ships
// keyword-based static defaults good enough for a single-practice deployment.
package policy

import (
	"context"

	"github.com/telfon-ai/telfon/pkg/provider/lang"
)

// SystemPromptProvider supplies the base system prompt for an industry and
// response language.
type SystemPromptProvider interface {
	SystemPrompt(industry string, language lang.Language) string
}

// Urgency classifies how quickly a caller's concern must be seen.
type Urgency string

const (
	UrgencyEmergency  Urgency = "emergency"
	UrgencyVeryUrgent Urgency = "very_urgent"
	UrgencyUrgent     Urgency = "urgent"
	UrgencyStandard   Urgency = "standard"
	UrgencyNonUrgent  Urgency = "non_urgent"
)

// TriageResult is the outcome of assessing an utterance.
type TriageResult struct {
	Urgency           Urgency
	Category          string
	MatchedKeywords   []string
	Confidence        float64
	RecommendedAction string
}

// TriagePolicy classifies a caller's stated reason into urgency and category.
// The core forwards the result to the policy layer; it never acts on it
// beyond logging and transfer routing.
type TriagePolicy interface {
	Assess(text string) TriageResult
}

// Intent is an opaque intent code produced by an IntentDetector.
type Intent string

const (
	IntentBookAppointment   Intent = "book_appointment"
	IntentCancelAppointment Intent = "cancel_appointment"
	IntentReschedule        Intent = "reschedule_appointment"
	IntentPrescription      Intent = "request_prescription"
	IntentLabResults        Intent = "lab_results"
	IntentSpeakToStaff      Intent = "speak_to_staff"
	IntentEmergency         Intent = "emergency"
	IntentUnknown           Intent = "unknown"
)

// IntentDetector maps an utterance and optional call context to an intent.
type IntentDetector interface {
	Detect(text string, callContext map[string]string) Intent
}

// ConsentKind names an operation that requires caller consent.
type ConsentKind string

const (
	ConsentRecording  ConsentKind = "recording"
	ConsentTranscript ConsentKind = "transcript"
	ConsentCallback   ConsentKind = "callback"
)

// ConsentDecision is the outcome of a consent check.
type ConsentDecision struct {
	Allowed bool
	Reason  string
}

// ConsentGate decides whether an operation on a contact's data may proceed.
// The core blocks the operation (e.g. persisting a recording) when denied.
type ConsentGate interface {
	Check(ctx context.Context, contactID string, kind ConsentKind) (ConsentDecision, error)
}
