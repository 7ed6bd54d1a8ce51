package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/telfon-ai/telfon/pkg/provider/llm"
	llmmock "github.com/telfon-ai/telfon/pkg/provider/llm/mock"
	sttmock "github.com/telfon-ai/telfon/pkg/provider/stt/mock"
	"github.com/telfon-ai/telfon/pkg/provider/tts"
	ttsmock "github.com/telfon-ai/telfon/pkg/provider/tts/mock"
	"github.com/telfon-ai/telfon/pkg/types"
)

func chainConfig() FallbackConfig {
	return FallbackConfig{CircuitBreaker: CircuitBreakerConfig{FailureThreshold: 3}}
}

func TestTranscriberChain_PrefersFirstBackend(t *testing.T) {
	primary := &sttmock.Provider{Text: "guten tag"}
	secondary := &sttmock.Provider{Text: "fallback text"}

	c := NewTranscriberChain(chainConfig(),
		STTBackend{Name: "cloud", Provider: primary},
		STTBackend{Name: "whisper_local", Provider: secondary},
	)

	text, err := c.Transcribe(context.Background(), nil, 16000, "de")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "guten tag" {
		t.Fatalf("text = %q, want %q", text, "guten tag")
	}
	if secondary.Calls != 0 {
		t.Fatalf("secondary called %d times, want 0", secondary.Calls)
	}
}

func TestTranscriberChain_FailsOver(t *testing.T) {
	primary := &sttmock.Provider{Err: errors.New("stt down")}
	secondary := &sttmock.Provider{Text: "fallback text"}

	c := NewTranscriberChain(chainConfig(),
		STTBackend{Name: "cloud", Provider: primary},
		STTBackend{Name: "whisper_local", Provider: secondary},
	)

	text, err := c.Transcribe(context.Background(), nil, 16000, "de")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "fallback text" {
		t.Fatalf("text = %q, want %q", text, "fallback text")
	}
}

func TestTranscriberChain_LoadWarmsEveryBackend(t *testing.T) {
	primary := &sttmock.Provider{}
	secondary := &sttmock.Provider{}

	c := NewTranscriberChain(chainConfig(),
		STTBackend{Name: "cloud", Provider: primary},
		STTBackend{Name: "whisper_local", Provider: secondary},
	)

	if c.Loaded() {
		t.Fatal("Loaded() = true before Load")
	}
	if err := c.Load(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Both backends must be warm: a failover must not land on a cold model.
	if !primary.Loaded() {
		t.Error("primary not loaded")
	}
	if !secondary.Loaded() {
		t.Error("fallback not loaded")
	}
}

func TestTranscriberChain_LoadToleratesPartialFailure(t *testing.T) {
	primary := &sttmock.Provider{LoadErr: errors.New("model file missing")}
	secondary := &sttmock.Provider{}

	c := NewTranscriberChain(chainConfig(),
		STTBackend{Name: "cloud", Provider: primary},
		STTBackend{Name: "whisper_local", Provider: secondary},
	)

	if err := c.Load(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !c.Loaded() {
		t.Fatal("Loaded() = false with one warm backend")
	}
}

func TestTranscriberChain_LoadFailsWhenNothingLoads(t *testing.T) {
	c := NewTranscriberChain(chainConfig(),
		STTBackend{Name: "a", Provider: &sttmock.Provider{LoadErr: errors.New("down")}},
		STTBackend{Name: "b", Provider: &sttmock.Provider{LoadErr: errors.New("also down")}},
	)

	if err := c.Load(context.Background()); err == nil {
		t.Fatal("expected error when no backend loads, got nil")
	}
}

func TestCompletionChain_PrefersFirstBackend(t *testing.T) {
	primary := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "hello from primary"},
	}
	secondary := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "hello from secondary"},
	}

	c := NewCompletionChain(chainConfig(),
		LLMBackend{Name: "groq_api", Provider: primary},
		LLMBackend{Name: "ollama_local", Provider: secondary},
	)

	resp, err := c.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hello from primary" {
		t.Fatalf("content = %q, want 'hello from primary'", resp.Content)
	}
	if len(secondary.CompleteCalls) != 0 {
		t.Fatalf("secondary called %d times, want 0", len(secondary.CompleteCalls))
	}
}

func TestCompletionChain_FailsOver(t *testing.T) {
	primary := &llmmock.Provider{CompleteErr: errors.New("primary down")}
	secondary := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "hello from secondary"},
	}

	c := NewCompletionChain(chainConfig(),
		LLMBackend{Name: "groq_api", Provider: primary},
		LLMBackend{Name: "ollama_local", Provider: secondary},
	)

	resp, err := c.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hello from secondary" {
		t.Fatalf("content = %q, want 'hello from secondary'", resp.Content)
	}
}

func TestCompletionChain_AllFail(t *testing.T) {
	c := NewCompletionChain(chainConfig(),
		LLMBackend{Name: "a", Provider: &llmmock.Provider{CompleteErr: errors.New("down")}},
		LLMBackend{Name: "b", Provider: &llmmock.Provider{CompleteErr: errors.New("also down")}},
	)

	if _, err := c.Complete(context.Background(), llm.CompletionRequest{}); !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestCompletionChain_StreamSetupFailsOver(t *testing.T) {
	primary := &llmmock.Provider{StreamErr: errors.New("stream failed")}
	secondary := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "chunk1"}, {Text: "chunk2", FinishReason: "stop"}},
	}

	c := NewCompletionChain(chainConfig(),
		LLMBackend{Name: "groq_api", Provider: primary},
		LLMBackend{Name: "ollama_local", Provider: secondary},
	)

	ch, err := c.StreamCompletion(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var chunks []llm.Chunk
	for chunk := range ch {
		chunks = append(chunks, chunk)
	}
	if len(chunks) != 2 || chunks[0].Text != "chunk1" {
		t.Fatalf("chunks = %+v, want chunk1 then chunk2", chunks)
	}
}

func TestCompletionChain_CountTokensFailsOver(t *testing.T) {
	c := NewCompletionChain(chainConfig(),
		LLMBackend{Name: "a", Provider: &llmmock.Provider{CountTokensErr: errors.New("count failed")}},
		LLMBackend{Name: "b", Provider: &llmmock.Provider{TokenCount: 42}},
	)

	count, err := c.CountTokens([]types.Message{{Role: "user", Content: "test"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 42 {
		t.Fatalf("count = %d, want 42", count)
	}
}

func TestCompletionChain_CapabilitiesAreThePrimarys(t *testing.T) {
	primary := &llmmock.Provider{
		ModelCapabilities: types.ModelCapabilities{ContextWindow: 128000, SupportsStreaming: true},
	}
	secondary := &llmmock.Provider{
		ModelCapabilities: types.ModelCapabilities{ContextWindow: 8192},
	}

	c := NewCompletionChain(chainConfig(),
		LLMBackend{Name: "groq_api", Provider: primary},
		LLMBackend{Name: "ollama_local", Provider: secondary},
	)

	caps := c.Capabilities()
	if caps.ContextWindow != 128000 || !caps.SupportsStreaming {
		t.Fatalf("capabilities = %+v, want the primary's", caps)
	}
}

func TestSynthesisChain_PrefersFirstBackendWithRequestedVoice(t *testing.T) {
	primary := &ttsmock.Provider{Audio: []byte("primary audio")}
	secondary := &ttsmock.Provider{Audio: []byte("secondary audio")}
	voice := types.VoiceProfile{ID: "eva-premium", Language: "de"}

	c := NewSynthesisChain(chainConfig(),
		TTSBackend{Name: "elevenlabs_api", Provider: primary},
		TTSBackend{Name: "piper_local", Provider: secondary},
	)

	audio, err := c.Synthesize(context.Background(), "Guten Tag.", voice, tts.FormatRaw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(audio) != "primary audio" {
		t.Fatalf("audio = %q, want %q", audio, "primary audio")
	}
	if got := primary.VoicesUsed[0].ID; got != "eva-premium" {
		t.Errorf("voice on primary = %q, want the requested id", got)
	}
}

func TestSynthesisChain_FailoverSwapsVoiceForStock(t *testing.T) {
	primary := &ttsmock.Provider{Err: errors.New("tts down")}
	secondary := &ttsmock.Provider{Audio: []byte("secondary audio")}
	voice := types.VoiceProfile{ID: "eva-premium", Language: "ru"}

	c := NewSynthesisChain(chainConfig(),
		TTSBackend{Name: "elevenlabs_api", Provider: primary},
		TTSBackend{Name: "piper_local", Provider: secondary},
	)

	audio, err := c.Synthesize(context.Background(), "Здравствуйте.", voice, tts.FormatRaw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(audio) != "secondary audio" {
		t.Fatalf("audio = %q, want %q", audio, "secondary audio")
	}
	// The ElevenLabs voice id is meaningless to piper; the fallback gets the
	// stock voice for the same language.
	want := tts.VoiceForLanguage("ru")
	if got := secondary.VoicesUsed[0]; got.ID != want.ID {
		t.Errorf("voice on fallback = %q, want stock %q", got.ID, want.ID)
	}
}

func TestSynthesisChain_StreamSetupFailsOver(t *testing.T) {
	primary := &ttsmock.Provider{Err: errors.New("tts down")}
	secondary := &ttsmock.Provider{Audio: []byte("chunk")}

	c := NewSynthesisChain(chainConfig(),
		TTSBackend{Name: "elevenlabs_api", Provider: primary},
		TTSBackend{Name: "piper_local", Provider: secondary},
	)

	text := make(chan string, 2)
	text <- "Erster Satz."
	text <- "Zweiter Satz."
	close(text)

	ch, err := c.SynthesizeStream(context.Background(), text, types.VoiceProfile{Language: "de"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var chunks int
	for range ch {
		chunks++
	}
	if chunks != 2 {
		t.Fatalf("got %d audio chunks, want 2", chunks)
	}
}

func TestSynthesisChain_LoadWarmsEveryBackend(t *testing.T) {
	primary := &ttsmock.Provider{}
	secondary := &ttsmock.Provider{}

	c := NewSynthesisChain(chainConfig(),
		TTSBackend{Name: "elevenlabs_api", Provider: primary},
		TTSBackend{Name: "piper_local", Provider: secondary},
	)

	if err := c.Load(context.Background(), "de"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !primary.Loaded() || !secondary.Loaded() {
		t.Error("not every backend warm after Load")
	}
}
