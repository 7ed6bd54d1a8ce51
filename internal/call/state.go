package call

import "log/slog"

// State is a position in the call lifecycle.
type State string

const (
	StateIdle         State = "IDLE"
	StateRinging      State = "RINGING"
	StateGreeting     State = "GREETING"
	StateListening    State = "LISTENING"
	StateProcessing   State = "PROCESSING"
	StateSpeaking     State = "SPEAKING"
	StateTransferring State = "TRANSFERRING"
	StateEnded        State = "ENDED"
)

// Terminal reports whether the state ends the call.
func (s State) Terminal() bool { return s == StateEnded }

// Event drives state transitions.
type Event string

const (
	EventIncomingCall      Event = "INCOMING_CALL"
	EventCallAnswered      Event = "CALL_ANSWERED"
	EventGreetingComplete  Event = "GREETING_COMPLETE"
	EventSpeechDetected    Event = "SPEECH_DETECTED"
	EventUtteranceComplete Event = "UTTERANCE_COMPLETE"
	EventResponseReady     Event = "RESPONSE_READY"
	EventPlaybackComplete  Event = "PLAYBACK_COMPLETE"
	EventTransferRequested Event = "TRANSFER_REQUESTED"
	EventTransferComplete  Event = "TRANSFER_COMPLETE"
	EventHangup            Event = "HANGUP"
	EventError             Event = "ERROR"
	EventTimeout           Event = "TIMEOUT"
)

type stateEvent struct {
	state State
	event Event
}

// transitions is the full transition table. Pairs not listed here are invalid
// and leave the state unchanged.
var transitions = map[stateEvent]State{
	{StateIdle, EventIncomingCall}: StateRinging,

	{StateRinging, EventCallAnswered}: StateGreeting,
	{StateRinging, EventHangup}:       StateEnded,
	{StateRinging, EventTimeout}:      StateEnded,

	{StateGreeting, EventGreetingComplete}: StateListening,
	{StateGreeting, EventHangup}:           StateEnded,

	{StateListening, EventSpeechDetected}:    StateListening,
	{StateListening, EventUtteranceComplete}: StateProcessing,
	{StateListening, EventTimeout}:           StateSpeaking,
	{StateListening, EventHangup}:            StateEnded,

	{StateProcessing, EventResponseReady}:     StateSpeaking,
	{StateProcessing, EventTransferRequested}: StateTransferring,
	{StateProcessing, EventError}:             StateSpeaking,
	{StateProcessing, EventHangup}:            StateEnded,

	{StateSpeaking, EventPlaybackComplete}: StateListening,
	{StateSpeaking, EventHangup}:           StateEnded,

	{StateTransferring, EventTransferComplete}: StateEnded,
	{StateTransferring, EventError}:            StateSpeaking,
	{StateTransferring, EventHangup}:           StateEnded,
}

// nextState resolves the transition for (state, event). Invalid pairs are
// logged and reported as not ok.
func nextState(s State, e Event) (State, bool) {
	next, ok := transitions[stateEvent{s, e}]
	if !ok {
		slog.Warn("invalid call state transition", "state", s, "event", e)
		return s, false
	}
	return next, true
}
