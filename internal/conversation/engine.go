package conversation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/telfon-ai/telfon/internal/observe"
	"github.com/telfon-ai/telfon/pkg/provider/lang"
	"github.com/telfon-ai/telfon/pkg/provider/llm"
	"github.com/telfon-ai/telfon/pkg/provider/stt"
	"github.com/telfon-ai/telfon/pkg/provider/tts"
	"github.com/telfon-ai/telfon/pkg/types"
)

// defaultMaxHistoryTurns bounds how many prior turns are sent to the LLM.
const defaultMaxHistoryTurns = 20

// defaultSystemPrompt is the assistant persona used when neither the
// configuration nor a policy module supplies one.
const defaultSystemPrompt = `Du bist der Telefonassistent einer Arztpraxis. Du nimmst Anrufe entgegen, vereinbarst Termine und beantwortest einfache Fragen zur Praxis. Antworte kurz, freundlich und in ganzen Sätzen, wie am Telefon gesprochen. Bei medizinischen Notfällen verweise sofort an den Notruf 112.`

var (
	// ErrUnknownConversation is returned for conversation ids the engine does
	// not hold.
	ErrUnknownConversation = errors.New("conversation: unknown conversation id")

	// ErrNoSpeech is returned when transcription produced no usable text; the
	// caller should re-prompt.
	ErrNoSpeech = errors.New("conversation: no speech recognised")
)

// SystemPromptFunc returns the base system prompt for a response language.
// The dialect hint is appended by the engine.
type SystemPromptFunc func(language lang.Language) string

// SentenceFunc receives each synthesised sentence during streaming turns.
// It is invoked on the processing goroutine and must not block long.
type SentenceFunc func(sentence string, audio []byte)

// Engine runs the STT → LLM → TTS pipeline for every active conversation.
//
// Engine is safe for concurrent use. Turns within one conversation are
// serialised: a second LLM call for the same conversation cannot start before
// the previous turn returns.
type Engine struct {
	sttP stt.Provider
	llmP llm.Provider
	ttsP tts.Provider

	promptFor   SystemPromptFunc
	maxTurns    int
	temperature float64
	maxTokens   int
	latency     *observe.LatencyCollector
	now         func() time.Time

	mu            sync.Mutex
	conversations map[string]*Conversation
}

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithSystemPrompt fixes the base system prompt regardless of caller language.
func WithSystemPrompt(prompt string) Option {
	return func(e *Engine) {
		e.promptFor = func(lang.Language) string { return prompt }
	}
}

// WithSystemPromptFunc installs a per-language prompt source, typically the
// active policy module.
func WithSystemPromptFunc(f SystemPromptFunc) Option {
	return func(e *Engine) {
		if f != nil {
			e.promptFor = f
		}
	}
}

// WithMaxHistoryTurns bounds the history window sent to the LLM. Default: 20.
func WithMaxHistoryTurns(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxTurns = n
		}
	}
}

// WithTemperature sets the LLM sampling temperature.
func WithTemperature(t float64) Option {
	return func(e *Engine) { e.temperature = t }
}

// WithMaxTokens caps LLM response length.
func WithMaxTokens(n int) Option {
	return func(e *Engine) { e.maxTokens = n }
}

// WithLatency installs a shared latency collector for per-turn timings.
func WithLatency(c *observe.LatencyCollector) Option {
	return func(e *Engine) {
		if c != nil {
			e.latency = c
		}
	}
}

// WithClock overrides the time source (greeting salutation, timestamps).
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New creates an Engine on the given providers.
func New(sttP stt.Provider, llmP llm.Provider, ttsP tts.Provider, opts ...Option) *Engine {
	e := &Engine{
		sttP:          sttP,
		llmP:          llmP,
		ttsP:          ttsP,
		promptFor:     func(lang.Language) string { return defaultSystemPrompt },
		maxTurns:      defaultMaxHistoryTurns,
		latency:       observe.NewLatencyCollector(),
		now:           time.Now,
		conversations: make(map[string]*Conversation),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Latency returns the engine's latency collector.
func (e *Engine) Latency() *observe.LatencyCollector { return e.latency }

// StartConversation allocates a conversation and appends its system turn.
func (e *Engine) StartConversation() *Conversation {
	conv := newConversation(e.now())
	conv.AddTurn(types.RoleSystem, e.promptFor(lang.German))

	e.mu.Lock()
	e.conversations[conv.ID()] = conv
	e.mu.Unlock()

	slog.Info("conversation started", "conversation_id", conv.ID())
	return conv
}

// Conversation returns the conversation with the given id.
func (e *Engine) Conversation(id string) (*Conversation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.conversations[id]
	return c, ok
}

// EndConversation marks the conversation finished and returns it. The state
// stays resolvable until Remove so observers can read the final transcript.
func (e *Engine) EndConversation(id string) (*Conversation, bool) {
	e.mu.Lock()
	c, ok := e.conversations[id]
	e.mu.Unlock()
	if !ok {
		return nil, false
	}
	c.End()
	slog.Info("conversation ended", "conversation_id", id, "turns", len(c.Turns()))
	return c, true
}

// Remove drops the conversation from the engine.
func (e *Engine) Remove(id string) {
	e.mu.Lock()
	delete(e.conversations, id)
	e.mu.Unlock()
}

// GenerateGreeting produces the opening line of a call: the LLM is asked for
// a short greeting under the system prompt, falling back to the stock phrase
// when it fails. The greeting is recorded as an ASSISTANT turn and returned
// with its synthesised audio.
func (e *Engine) GenerateGreeting(ctx context.Context, convID string) (string, []byte, error) {
	conv, ok := e.Conversation(convID)
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrUnknownConversation, convID)
	}

	conv.procMu.Lock()
	defer conv.procMu.Unlock()

	text := ""
	resp, err := e.llmP.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: e.systemPrompt(conv),
		Messages:     []types.Message{{Role: types.RoleUser, Content: greetingInstruction}},
		Temperature:  e.temperature,
		MaxTokens:    e.maxTokens,
	})
	if err != nil || resp == nil || strings.TrimSpace(resp.Content) == "" {
		slog.Warn("greeting generation failed, using stock phrase", "error", err)
		text = defaultGreeting(e.now())
	} else {
		text = strings.TrimSpace(resp.Content)
	}

	conv.AddTurn(types.RoleAssistant, text)

	done := e.latency.Measure(observe.ComponentTTS)
	audio, err := e.ttsP.Synthesize(ctx, text, e.voice(conv), tts.FormatWAV)
	done()
	if err != nil {
		return text, nil, fmt.Errorf("conversation: greeting synthesis: %w", err)
	}
	return text, audio, nil
}

// Reprompt synthesises the "didn't understand" phrase in the conversation's
// voice. The phrase is not recorded as a turn.
func (e *Engine) Reprompt(ctx context.Context, convID string) (string, []byte, error) {
	return e.speakPhrase(ctx, convID, notUnderstoodPhrase)
}

// Apologize synthesises the per-language error phrase played when the AI
// pipeline fails. The phrase is not recorded as a turn.
func (e *Engine) Apologize(ctx context.Context, convID string) (string, []byte, error) {
	conv, ok := e.Conversation(convID)
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrUnknownConversation, convID)
	}
	return e.speakPhrase(ctx, convID, ErrorPhrase(conv.ResponseLanguage()))
}

func (e *Engine) speakPhrase(ctx context.Context, convID, phrase string) (string, []byte, error) {
	conv, ok := e.Conversation(convID)
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrUnknownConversation, convID)
	}

	done := e.latency.Measure(observe.ComponentTTS)
	audio, err := e.ttsP.Synthesize(ctx, phrase, e.voice(conv), tts.FormatWAV)
	done()
	if err != nil {
		return phrase, nil, fmt.Errorf("conversation: phrase synthesis: %w", err)
	}
	return phrase, audio, nil
}

// ProcessAudio runs the full buffered turn: transcribe the utterance,
// generate a reply, synthesise it.
func (e *Engine) ProcessAudio(ctx context.Context, samples []float32, sampleRate int, convID string) (string, []byte, error) {
	conv, ok := e.Conversation(convID)
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrUnknownConversation, convID)
	}

	conv.procMu.Lock()
	defer conv.procMu.Unlock()

	text, sttTime, audioDur, err := e.transcribe(ctx, conv, samples, sampleRate)
	if err != nil {
		return "", nil, err
	}
	return e.respond(ctx, conv, text, sttTime, audioDur)
}

// ProcessText runs a buffered turn on already-transcribed text.
func (e *Engine) ProcessText(ctx context.Context, text, convID string) (string, []byte, error) {
	conv, ok := e.Conversation(convID)
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrUnknownConversation, convID)
	}

	conv.procMu.Lock()
	defer conv.procMu.Unlock()
	return e.respond(ctx, conv, text, 0, 0)
}

// ProcessAudioStreaming runs a streaming turn: the LLM's token stream is cut
// into complete sentences, each synthesised and delivered to onSentence as
// soon as it is ready. Returns the full reply text and concatenated audio.
func (e *Engine) ProcessAudioStreaming(ctx context.Context, samples []float32, sampleRate int, convID string, onSentence SentenceFunc) (string, []byte, error) {
	conv, ok := e.Conversation(convID)
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrUnknownConversation, convID)
	}

	conv.procMu.Lock()
	defer conv.procMu.Unlock()

	text, sttTime, audioDur, err := e.transcribe(ctx, conv, samples, sampleRate)
	if err != nil {
		return "", nil, err
	}

	e.observeUserTurn(conv, text, audioDur)

	req := e.buildRequest(conv)
	llmStart := e.now()
	ch, err := e.llmP.StreamCompletion(ctx, req)
	if err != nil {
		return "", nil, fmt.Errorf("conversation: stream completion: %w", err)
	}

	var (
		full       strings.Builder
		fullAudio  bytes.Buffer
		buf        string
		voice      = e.voice(conv)
		ttsTotal   time.Duration
		firstToken time.Time
		firstByte  time.Duration
	)

	emit := func(sentence string) {
		start := e.now()
		audio, err := e.ttsP.Synthesize(ctx, sentence, voice, tts.FormatRaw)
		ttsTotal += e.now().Sub(start)
		if err != nil {
			slog.Warn("sentence synthesis failed", "error", err)
			return
		}
		// First-byte latency counts from the first model token, not from the
		// stream request: the wait for the model to start is the LLM's share.
		if firstByte == 0 && !firstToken.IsZero() {
			firstByte = e.now().Sub(firstToken)
		}
		if onSentence != nil {
			onSentence(sentence, audio)
		}
		fullAudio.Write(audio)
	}

	for chunk := range ch {
		if chunk.Text != "" {
			if firstToken.IsZero() {
				firstToken = e.now()
			}
			full.WriteString(chunk.Text)
			buf += chunk.Text
		}
		for {
			sentence, rest, ok := ExtractCompleteSentence(buf)
			if !ok {
				break
			}
			buf = rest
			emit(sentence)
		}
	}
	if rest := strings.TrimSpace(buf); rest != "" {
		emit(rest)
	}

	llmTime := e.now().Sub(llmStart) - ttsTotal
	replyText := strings.TrimSpace(full.String())
	conv.AddTurn(types.RoleAssistant, replyText)

	e.latency.RecordTurn(observe.TurnTiming{
		STT:            sttTime.Seconds(),
		LLM:            llmTime.Seconds(),
		TTS:            ttsTotal.Seconds(),
		FirstByte:      firstByte.Seconds(),
		Total:          (sttTime + llmTime + ttsTotal).Seconds(),
		AudioDuration:  audioDur.Seconds(),
		ResponseLength: len(replyText),
	})

	return replyText, fullAudio.Bytes(), nil
}

// transcribe runs STT on the utterance and returns the text, the STT latency
// and the utterance duration. Empty transcriptions surface as ErrNoSpeech.
func (e *Engine) transcribe(ctx context.Context, conv *Conversation, samples []float32, sampleRate int) (string, time.Duration, time.Duration, error) {
	var audioDur time.Duration
	if sampleRate > 0 {
		audioDur = time.Duration(float64(len(samples)) / float64(sampleRate) * float64(time.Second))
	}

	start := e.now()
	t, err := e.sttP.TranscribeWithInfo(ctx, samples, sampleRate, string(conv.Language()))
	sttTime := e.now().Sub(start)
	if err != nil {
		return "", sttTime, audioDur, fmt.Errorf("conversation: transcribe: %w", err)
	}

	text := strings.TrimSpace(t.Text)
	if text == "" {
		return "", sttTime, audioDur, ErrNoSpeech
	}
	slog.Info("caller said", "conversation_id", conv.ID(), "text", text)
	return text, sttTime, audioDur, nil
}

// respond is the shared buffered-mode tail: record the user turn, generate a
// reply, synthesise it.
func (e *Engine) respond(ctx context.Context, conv *Conversation, text string, sttTime, audioDur time.Duration) (string, []byte, error) {
	e.observeUserTurn(conv, text, audioDur)

	req := e.buildRequest(conv)
	llmStart := e.now()
	resp, err := e.llmP.Complete(ctx, req)
	llmTime := e.now().Sub(llmStart)
	if err != nil {
		return "", nil, fmt.Errorf("conversation: completion: %w", err)
	}

	replyText := strings.TrimSpace(resp.Content)
	conv.AddTurn(types.RoleAssistant, replyText)
	slog.Info("assistant replied", "conversation_id", conv.ID(), "length", len(replyText))

	ttsStart := e.now()
	audio, err := e.ttsP.Synthesize(ctx, replyText, e.voice(conv), tts.FormatWAV)
	ttsTime := e.now().Sub(ttsStart)
	if err != nil {
		return replyText, nil, fmt.Errorf("conversation: synthesis: %w", err)
	}

	e.latency.RecordTurn(observe.TurnTiming{
		STT:            sttTime.Seconds(),
		LLM:            llmTime.Seconds(),
		TTS:            ttsTime.Seconds(),
		Total:          (sttTime + llmTime + ttsTime).Seconds(),
		AudioDuration:  audioDur.Seconds(),
		ResponseLength: len(replyText),
	})

	return replyText, audio, nil
}

// observeUserTurn re-runs language and dialect detection on the caller's text
// and appends the USER turn.
func (e *Engine) observeUserTurn(conv *Conversation, text string, audioDur time.Duration) {
	res := lang.Detect(text)
	if conv.ObserveLanguage(res) {
		slog.Info("caller language updated",
			"conversation_id", conv.ID(),
			"language", res.Language,
			"dialect", res.IsDialect,
			"confidence", res.Confidence)
	}
	if res.Language == lang.German {
		conv.ObserveDialect(lang.DetectDialect(text))
	}

	conv.addTurn(Turn{
		Role:          types.RoleUser,
		Content:       text,
		Language:      res.Language,
		AudioDuration: audioDur,
	})
}

// buildRequest assembles the completion request from the bounded history and
// the dialect-aware system prompt.
func (e *Engine) buildRequest(conv *Conversation) llm.CompletionRequest {
	msgs := conv.HistoryForLLM(e.maxTurns, e.systemPrompt(conv))
	return llm.CompletionRequest{
		SystemPrompt: msgs[0].Content,
		Messages:     msgs[1:],
		Temperature:  e.temperature,
		MaxTokens:    e.maxTokens,
	}
}

func (e *Engine) systemPrompt(conv *Conversation) string {
	return composeSystemPrompt(e.promptFor(conv.ResponseLanguage()), conv.Dialect())
}

func (e *Engine) voice(conv *Conversation) types.VoiceProfile {
	return tts.VoiceForLanguage(string(conv.ResponseLanguage()))
}
