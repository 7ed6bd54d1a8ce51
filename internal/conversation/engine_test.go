package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/telfon-ai/telfon/pkg/provider/lang"
	"github.com/telfon-ai/telfon/pkg/provider/llm"
	llmmock "github.com/telfon-ai/telfon/pkg/provider/llm/mock"
	sttmock "github.com/telfon-ai/telfon/pkg/provider/stt/mock"
	ttsmock "github.com/telfon-ai/telfon/pkg/provider/tts/mock"
	"github.com/telfon-ai/telfon/pkg/types"
)

// stepClock returns a deterministic time source that advances 1ms per call.
func stepClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Millisecond)
		return now
	}
}

func TestEngine_GenerateGreeting(t *testing.T) {
	lp := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: " Guten Tag, Praxis Dr. Weber. Wie kann ich helfen? "},
	}
	tp := &ttsmock.Provider{}
	e := New(&sttmock.Provider{}, lp, tp)
	conv := e.StartConversation()

	text, audio, err := e.GenerateGreeting(context.Background(), conv.ID())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := "Guten Tag, Praxis Dr. Weber. Wie kann ich helfen?"; text != want {
		t.Errorf("greeting = %q, want %q", text, want)
	}
	if len(audio) == 0 {
		t.Error("no greeting audio")
	}

	req := lp.LastComplete()
	if len(req.Messages) != 1 || req.Messages[0].Role != types.RoleUser {
		t.Errorf("greeting request messages = %+v, want one user instruction", req.Messages)
	}

	turns := conv.Turns()
	last := turns[len(turns)-1]
	if last.Role != types.RoleAssistant || last.Content != text {
		t.Errorf("last turn = %+v, want assistant greeting", last)
	}
	if got := tp.SynthesizedTexts(); len(got) != 1 || got[0] != text {
		t.Errorf("synthesised = %v, want the greeting", got)
	}
}

func TestEngine_GreetingFallsBackToStockPhrase(t *testing.T) {
	lp := &llmmock.Provider{CompleteErr: errors.New("model unreachable")}
	fixed := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	e := New(&sttmock.Provider{}, lp, &ttsmock.Provider{},
		WithClock(func() time.Time { return fixed }))
	conv := e.StartConversation()

	text, _, err := e.GenerateGreeting(context.Background(), conv.ID())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != defaultGreeting(fixed) {
		t.Errorf("greeting = %q, want stock morning phrase", text)
	}
}

func TestEngine_BookingCallFlow(t *testing.T) {
	lp := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "Guten Tag, wie kann ich helfen?"},
		Queue: []*llm.CompletionResponse{
			{Content: "Guten Tag, wie kann ich helfen?"},
			{Content: "Gerne, wann passt es Ihnen?"},
			{Content: "Der Termin morgen um zehn Uhr ist eingetragen."},
			{Content: "Gern geschehen, auf Wiederhören."},
		},
	}
	tp := &ttsmock.Provider{}
	e := New(&sttmock.Provider{}, lp, tp)
	conv := e.StartConversation()
	ctx := context.Background()

	if _, _, err := e.GenerateGreeting(ctx, conv.ID()); err != nil {
		t.Fatalf("greeting: %v", err)
	}
	for _, text := range []string{
		"Ich möchte einen Termin vereinbaren",
		"Morgen um zehn Uhr bitte",
		"Nein danke, auf Wiederhören",
	} {
		reply, audio, err := e.ProcessText(ctx, text, conv.ID())
		if err != nil {
			t.Fatalf("ProcessText(%q): %v", text, err)
		}
		if reply == "" || len(audio) == 0 {
			t.Fatalf("ProcessText(%q) returned empty reply or audio", text)
		}
	}

	var nonSystem int
	for _, turn := range conv.Turns() {
		if turn.Role != types.RoleSystem {
			nonSystem++
		}
	}
	if nonSystem != 7 {
		t.Errorf("non-system turns = %d, want 7 (greeting + 3 exchanges)", nonSystem)
	}
	if got := len(tp.SynthesizedTexts()); got != 4 {
		t.Errorf("synthesised fragments = %d, want 4", got)
	}
}

func TestEngine_DialectHintInSystemPrompt(t *testing.T) {
	lp := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "Kein Problem, wann hätten Sie denn Zeit?"},
	}
	e := New(&sttmock.Provider{}, lp, &ttsmock.Provider{})
	conv := e.StartConversation()

	conv.ObserveDialect(lang.DialectResult{
		Dialect:          lang.DialectAlemannic,
		Confidence:       0.9,
		Features:         []string{"alemannic:alemannic_negation"},
		RecommendedModel: lang.ModelForDialect(lang.DialectAlemannic),
	})

	if _, _, err := e.ProcessText(context.Background(), "I han koi Zeit heid", conv.ID()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	prompt := lp.LastComplete().SystemPrompt
	if !strings.Contains(prompt, "DIALEKT") || !strings.Contains(prompt, "Hochdeutsch") {
		t.Errorf("system prompt missing dialect hint: %q", prompt)
	}
	if conv.Dialect() != lang.DialectAlemannic {
		t.Errorf("dialect = %q, a weaker per-turn classification overrode it", conv.Dialect())
	}
}

func TestEngine_StreamingSentenceCallbacks(t *testing.T) {
	sp := &sttmock.Provider{Text: "Ich habe seit drei Tagen Kopfschmerzen"}
	lp := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{Text: "Ich "},
			{Text: "verstehe. "},
			{Text: "Seit "},
			{Text: "wann "},
			{Text: "genau?"},
			{FinishReason: "stop"},
		},
	}
	tp := &ttsmock.Provider{}
	e := New(sp, lp, tp, WithClock(stepClock()))
	conv := e.StartConversation()

	var (
		sentences []string
		audioLens []int
	)
	samples := make([]float32, 16000)
	reply, audio, err := e.ProcessAudioStreaming(context.Background(), samples, 16000, conv.ID(),
		func(sentence string, audio []byte) {
			sentences = append(sentences, sentence)
			audioLens = append(audioLens, len(audio))
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"Ich verstehe.", "Seit wann genau?"}
	if len(sentences) != len(want) {
		t.Fatalf("callbacks = %v, want %v", sentences, want)
	}
	for i := range want {
		if sentences[i] != want[i] {
			t.Errorf("sentence[%d] = %q, want %q", i, sentences[i], want[i])
		}
		if audioLens[i] == 0 {
			t.Errorf("sentence[%d] delivered no audio", i)
		}
	}

	if wantReply := "Ich verstehe. Seit wann genau?"; reply != wantReply {
		t.Errorf("reply = %q, want %q", reply, wantReply)
	}
	if len(audio) == 0 {
		t.Error("no concatenated audio")
	}

	turns := conv.Turns()
	last := turns[len(turns)-1]
	if last.Role != types.RoleAssistant || last.Content != reply {
		t.Errorf("last turn = %+v, want the full assistant reply", last)
	}

	recorded := e.Latency().Turns()
	if len(recorded) != 1 {
		t.Fatalf("recorded turns = %d, want 1", len(recorded))
	}
	if recorded[0].FirstByte <= 0 {
		t.Errorf("first byte latency = %v, want > 0", recorded[0].FirstByte)
	}
	if recorded[0].AudioDuration != 1.0 {
		t.Errorf("audio duration = %v, want 1.0", recorded[0].AudioDuration)
	}
}

// slowStartLLM burns clock ticks before answering, like a model that thinks
// before the first token.
type slowStartLLM struct {
	*llmmock.Provider
	clock func() time.Time
	ticks int
}

func (s *slowStartLLM) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	for i := 0; i < s.ticks; i++ {
		s.clock()
	}
	return s.Provider.StreamCompletion(ctx, req)
}

func TestEngine_StreamingFirstByteCountsFromFirstToken(t *testing.T) {
	clock := stepClock()
	lp := &slowStartLLM{
		Provider: &llmmock.Provider{
			StreamChunks: []llm.Chunk{{Text: "Einen Moment."}, {FinishReason: "stop"}},
		},
		clock: clock,
		ticks: 10,
	}
	e := New(&sttmock.Provider{Text: "Hallo"}, lp, &ttsmock.Provider{}, WithClock(clock))
	conv := e.StartConversation()

	_, _, err := e.ProcessAudioStreaming(context.Background(), make([]float32, 160), 16000, conv.ID(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	recorded := e.Latency().Turns()
	if len(recorded) != 1 {
		t.Fatalf("recorded turns = %d, want 1", len(recorded))
	}
	// The clock steps 1ms per reading and the model burned 10 ticks before its
	// first token; that wait belongs to the LLM share, not to first byte.
	fb := recorded[0].FirstByte
	if fb <= 0 || fb >= 0.010 {
		t.Errorf("first byte latency = %vs, want >0 and well under the 10ms token wait", fb)
	}
}

func TestEngine_StreamingFlushesUnterminatedTail(t *testing.T) {
	sp := &sttmock.Provider{Text: "Hallo"}
	lp := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{Text: "Einen Moment bitte. "},
			{Text: "Ich schaue nach dem Termin"},
		},
	}
	e := New(sp, lp, &ttsmock.Provider{})
	conv := e.StartConversation()

	var sentences []string
	_, _, err := e.ProcessAudioStreaming(context.Background(), make([]float32, 160), 16000, conv.ID(),
		func(sentence string, _ []byte) { sentences = append(sentences, sentence) })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"Einen Moment bitte.", "Ich schaue nach dem Termin"}
	if len(sentences) != 2 || sentences[0] != want[0] || sentences[1] != want[1] {
		t.Errorf("callbacks = %v, want %v", sentences, want)
	}
}

func TestEngine_LanguageSwitch(t *testing.T) {
	lp := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "Gerne."},
	}
	tp := &ttsmock.Provider{}
	e := New(&sttmock.Provider{}, lp, tp,
		WithSystemPromptFunc(func(l lang.Language) string {
			if l == lang.Russian {
				return "Ты телефонный ассистент."
			}
			return "Du bist der Telefonassistent."
		}))
	conv := e.StartConversation()
	ctx := context.Background()

	if _, _, err := e.ProcessText(ctx, "Мне нужен Termin bitte", conv.ID()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conv.Language() != lang.Russian {
		t.Fatalf("language = %q, want Russian", conv.Language())
	}
	if got := tp.LastVoice().Language; got != "ru" {
		t.Errorf("voice language = %q, want ru", got)
	}

	if _, _, err := e.ProcessText(ctx, "Ich brauche bitte einen Termin", conv.ID()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conv.Language() != lang.German {
		t.Fatalf("language = %q, want German after a confident German turn", conv.Language())
	}
	if got := lp.LastComplete().SystemPrompt; got != "Du bist der Telefonassistent." {
		t.Errorf("system prompt = %q, want the German prompt", got)
	}
	if got := tp.LastVoice().Language; got != "de" {
		t.Errorf("voice language = %q, want de", got)
	}
}

// gateLLM flags any overlapping Complete calls.
type gateLLM struct {
	*llmmock.Provider
	inflight atomic.Int32
	overlap  atomic.Bool
}

func (g *gateLLM) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if g.inflight.Add(1) > 1 {
		g.overlap.Store(true)
	}
	time.Sleep(2 * time.Millisecond)
	g.inflight.Add(-1)
	return g.Provider.Complete(ctx, req)
}

func TestEngine_SerialisesTurnsPerConversation(t *testing.T) {
	lp := &gateLLM{Provider: &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "Einen Moment."},
	}}
	e := New(&sttmock.Provider{}, lp, &ttsmock.Provider{})
	conv := e.StartConversation()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := e.ProcessText(context.Background(), "Hallo", conv.ID()); err != nil {
				t.Errorf("ProcessText: %v", err)
			}
		}()
	}
	wg.Wait()

	if lp.overlap.Load() {
		t.Error("two LLM calls for the same conversation overlapped")
	}
	if got := len(lp.Provider.CompleteCalls); got != 5 {
		t.Errorf("LLM calls = %d, want 5", got)
	}
}

func TestEngine_UnknownConversation(t *testing.T) {
	e := New(&sttmock.Provider{}, &llmmock.Provider{}, &ttsmock.Provider{})
	ctx := context.Background()

	if _, _, err := e.ProcessText(ctx, "Hallo", "missing"); !errors.Is(err, ErrUnknownConversation) {
		t.Errorf("ProcessText error = %v, want ErrUnknownConversation", err)
	}
	if _, _, err := e.GenerateGreeting(ctx, "missing"); !errors.Is(err, ErrUnknownConversation) {
		t.Errorf("GenerateGreeting error = %v, want ErrUnknownConversation", err)
	}
	if _, _, err := e.ProcessAudio(ctx, nil, 16000, "missing"); !errors.Is(err, ErrUnknownConversation) {
		t.Errorf("ProcessAudio error = %v, want ErrUnknownConversation", err)
	}
}

func TestEngine_NoSpeech(t *testing.T) {
	sp := &sttmock.Provider{Text: "   "}
	lp := &llmmock.Provider{}
	e := New(sp, lp, &ttsmock.Provider{})
	conv := e.StartConversation()

	_, _, err := e.ProcessAudio(context.Background(), make([]float32, 160), 16000, conv.ID())
	if !errors.Is(err, ErrNoSpeech) {
		t.Fatalf("error = %v, want ErrNoSpeech", err)
	}
	if got := len(conv.Turns()); got != 1 {
		t.Errorf("turns = %d, want only the system turn", got)
	}
	if got := len(lp.CompleteCalls); got != 0 {
		t.Errorf("LLM calls = %d, want 0", got)
	}
}

func TestEngine_SynthesisFailureStillReturnsText(t *testing.T) {
	lp := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "Gerne, wann passt es Ihnen?"},
	}
	tp := &ttsmock.Provider{Err: errors.New("voice server down")}
	e := New(&sttmock.Provider{}, lp, tp)
	conv := e.StartConversation()

	text, audio, err := e.ProcessText(context.Background(), "Termin bitte", conv.ID())
	if err == nil {
		t.Fatal("expected synthesis error, got nil")
	}
	if text != "Gerne, wann passt es Ihnen?" {
		t.Errorf("text = %q, want the reply despite the synthesis failure", text)
	}
	if audio != nil {
		t.Errorf("audio = %v, want nil", audio)
	}
}

func TestEngine_EndConversation(t *testing.T) {
	e := New(&sttmock.Provider{}, &llmmock.Provider{}, &ttsmock.Provider{})
	conv := e.StartConversation()

	ended, ok := e.EndConversation(conv.ID())
	if !ok || !ended.Ended() {
		t.Fatal("EndConversation did not mark the conversation ended")
	}
	if _, ok := e.Conversation(conv.ID()); !ok {
		t.Error("ended conversation no longer resolvable before Remove")
	}

	e.Remove(conv.ID())
	if _, ok := e.Conversation(conv.ID()); ok {
		t.Error("conversation still resolvable after Remove")
	}
	if _, ok := e.EndConversation("missing"); ok {
		t.Error("EndConversation returned ok for an unknown id")
	}
}
