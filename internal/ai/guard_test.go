package ai

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/telfon-ai/telfon/internal/resilience"
	"github.com/telfon-ai/telfon/pkg/provider/llm"
	llmmock "github.com/telfon-ai/telfon/pkg/provider/llm/mock"
	sttmock "github.com/telfon-ai/telfon/pkg/provider/stt/mock"
	"github.com/telfon-ai/telfon/pkg/provider/tts"
	ttsmock "github.com/telfon-ai/telfon/pkg/provider/tts/mock"
	"github.com/telfon-ai/telfon/pkg/types"
)

func testRetryPolicy(attempts int) resilience.RetryPolicy {
	return resilience.RetryPolicy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		Jitter:      0,
	}
}

func TestGuardedSTT_Success(t *testing.T) {
	m := &sttmock.Provider{Text: "hallo"}
	g := &guardedSTT{
		inner:   m,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "test_api"}),
		retry:   testRetryPolicy(3),
	}

	got, err := g.Transcribe(context.Background(), nil, 16000, "de")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "hallo" {
		t.Errorf("text = %q, want %q", got, "hallo")
	}
	if n := g.breaker.FailureCount(); n != 0 {
		t.Errorf("FailureCount = %d, want 0", n)
	}
}

func TestGuardedSTT_ExhaustedRetriesCountAsOneFailure(t *testing.T) {
	m := &sttmock.Provider{Err: errors.New("upstream 500")}
	g := &guardedSTT{
		inner:   m,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "test_api", FailureThreshold: 5}),
		retry:   testRetryPolicy(3),
	}

	_, err := g.Transcribe(context.Background(), nil, 16000, "de")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	var exhausted *resilience.RetryExhaustedError
	if !errors.As(err, &exhausted) {
		t.Errorf("error = %v, want RetryExhaustedError", err)
	}
	if m.Calls != 3 {
		t.Errorf("provider calls = %d, want 3", m.Calls)
	}
	if n := g.breaker.FailureCount(); n != 1 {
		t.Errorf("FailureCount = %d, want 1", n)
	}
}

func TestGuardedSTT_OpenBreakerFailsFast(t *testing.T) {
	m := &sttmock.Provider{Err: errors.New("upstream 500")}
	g := &guardedSTT{
		inner:   m,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "test_api", FailureThreshold: 1}),
		retry:   testRetryPolicy(1),
	}

	if _, err := g.Transcribe(context.Background(), nil, 16000, "de"); err == nil {
		t.Fatal("expected error, got nil")
	}
	if got := g.breaker.State(); got != resilience.StateOpen {
		t.Fatalf("State = %v, want %v", got, resilience.StateOpen)
	}

	_, err := g.Transcribe(context.Background(), nil, 16000, "de")
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("error = %v, want ErrCircuitOpen", err)
	}
	if m.Calls != 1 {
		t.Errorf("provider calls = %d, want 1 (open breaker must not reach the provider)", m.Calls)
	}
}

// flakyLLM fails the first n Complete calls, then succeeds.
type flakyLLM struct {
	llm.Provider
	failures int
	calls    int
}

func (p *flakyLLM) Complete(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.calls++
	if p.calls <= p.failures {
		return nil, errors.New("upstream 503")
	}
	return &llm.CompletionResponse{Content: "Guten Tag."}, nil
}

func TestGuardedLLM_RetriesTransientFailure(t *testing.T) {
	m := &flakyLLM{Provider: &llmmock.Provider{}, failures: 1}
	g := &guardedLLM{
		inner:   m,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "groq_api"}),
		retry:   testRetryPolicy(2),
	}

	resp, err := g.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "Guten Tag." {
		t.Errorf("Content = %q, want %q", resp.Content, "Guten Tag.")
	}
	if m.calls != 2 {
		t.Errorf("provider calls = %d, want 2", m.calls)
	}
	if n := g.breaker.FailureCount(); n != 0 {
		t.Errorf("FailureCount = %d, want 0", n)
	}
}

// failingStreamTTS always fails to start a synthesis stream.
type failingStreamTTS struct {
	tts.Provider
	calls int
}

func (p *failingStreamTTS) SynthesizeStream(context.Context, <-chan string, types.VoiceProfile) (<-chan []byte, error) {
	p.calls++
	return nil, errors.New("connection refused")
}

func TestGuardedTTS_StreamStartNotRetried(t *testing.T) {
	m := &failingStreamTTS{Provider: &ttsmock.Provider{}}
	g := &guardedTTS{
		inner:   m,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "elevenlabs_api"}),
		retry:   testRetryPolicy(3),
	}

	text := make(chan string)
	close(text)
	if _, err := g.SynthesizeStream(context.Background(), text, types.VoiceProfile{}); err == nil {
		t.Fatal("expected error, got nil")
	}
	if m.calls != 1 {
		t.Errorf("stream starts = %d, want 1 (a consumed text channel cannot be replayed)", m.calls)
	}
	if n := g.breaker.FailureCount(); n != 1 {
		t.Errorf("FailureCount = %d, want 1", n)
	}
}

func TestGuardedTTS_Synthesize(t *testing.T) {
	m := &ttsmock.Provider{Audio: []byte{1, 2}}
	g := &guardedTTS{
		inner:   m,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "elevenlabs_api"}),
		retry:   testRetryPolicy(1),
	}

	audio, err := g.Synthesize(context.Background(), "Guten Tag.", types.VoiceProfile{}, tts.FormatRaw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(audio) != 2 {
		t.Errorf("audio = %d bytes, want 2", len(audio))
	}
}
