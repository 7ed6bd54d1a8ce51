package ai

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/telfon-ai/telfon/pkg/provider/llm"
	llmmock "github.com/telfon-ai/telfon/pkg/provider/llm/mock"
	"github.com/telfon-ai/telfon/pkg/provider/stt"
	sttmock "github.com/telfon-ai/telfon/pkg/provider/stt/mock"
	ttsmock "github.com/telfon-ai/telfon/pkg/provider/tts/mock"
	"github.com/telfon-ai/telfon/pkg/types"
)

// ctxProbeSTT records the deadline of the context it is transcribed with.
type ctxProbeSTT struct {
	stt.Provider
	hasDeadline bool
	remaining   time.Duration
}

func (p *ctxProbeSTT) Transcribe(ctx context.Context, _ []float32, _ int, _ string) (string, error) {
	dl, ok := ctx.Deadline()
	p.hasDeadline = ok
	if ok {
		p.remaining = time.Until(dl)
	}
	return "ok", nil
}

func TestSTTDeadline_AppliesTimeout(t *testing.T) {
	probe := &ctxProbeSTT{Provider: &sttmock.Provider{}}
	wrapped := &sttDeadline{inner: probe, timeout: sttCallTimeout}

	got, err := wrapped.Transcribe(context.Background(), nil, 16000, "de")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" {
		t.Errorf("text = %q, want %q", got, "ok")
	}
	if !probe.hasDeadline {
		t.Fatal("inner context has no deadline")
	}
	if probe.remaining <= 0 || probe.remaining > sttCallTimeout {
		t.Errorf("remaining = %v, want in (0, %v]", probe.remaining, sttCallTimeout)
	}
}

func TestSTTDeadline_KeepsTighterCallerDeadline(t *testing.T) {
	probe := &ctxProbeSTT{Provider: &sttmock.Provider{}}
	wrapped := &sttDeadline{inner: probe, timeout: sttCallTimeout}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := wrapped.Transcribe(ctx, nil, 16000, "de"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if probe.remaining > time.Second {
		t.Errorf("remaining = %v, want <= 1s", probe.remaining)
	}
}

func TestLLMDeadline_ForwardsStream(t *testing.T) {
	inner := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{Text: "Guten "},
			{Text: "Tag."},
			{FinishReason: "stop"},
		},
	}
	wrapped := &llmDeadline{inner: inner, timeout: llmCallTimeout}

	ch, err := wrapped.StreamCompletion(context.Background(), llm.CompletionRequest{
		Messages: []types.Message{{Role: "user", Content: "hallo"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var text string
	var finish string
	for chunk := range ch {
		text += chunk.Text
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
	}
	if text != "Guten Tag." {
		t.Errorf("text = %q, want %q", text, "Guten Tag.")
	}
	if finish != "stop" {
		t.Errorf("finish = %q, want %q", finish, "stop")
	}
}

func TestLLMDeadline_StreamStartError(t *testing.T) {
	inner := &llmmock.Provider{StreamErr: errors.New("boom")}
	wrapped := &llmDeadline{inner: inner, timeout: llmCallTimeout}

	ch, err := wrapped.StreamCompletion(context.Background(), llm.CompletionRequest{})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if ch != nil {
		t.Error("channel should be nil on start error")
	}
}

func TestTTSDeadline_ForwardsStream(t *testing.T) {
	inner := &ttsmock.Provider{Audio: []byte{1, 2, 3, 4}}
	wrapped := &ttsDeadline{inner: inner, timeout: ttsCallTimeout}

	text := make(chan string, 2)
	text <- "Guten Tag."
	text <- "Wie kann ich helfen?"
	close(text)

	audio, err := wrapped.SynthesizeStream(context.Background(), text, types.VoiceProfile{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	total := 0
	for chunk := range audio {
		total += len(chunk)
	}
	if total != 8 {
		t.Errorf("total audio = %d bytes, want 8", total)
	}
	if got := inner.SynthesizedTexts(); len(got) != 2 {
		t.Errorf("synthesized fragments = %d, want 2", len(got))
	}
}
