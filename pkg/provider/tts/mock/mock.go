// Package mock provides a configurable in-memory tts.Provider for tests.
package mock

import (
	"context"
	"sync"

	"github.com/telfon-ai/telfon/pkg/provider/tts"
	"github.com/telfon-ai/telfon/pkg/types"
)

// Provider is a mock tts.Provider. Every synthesised fragment is recorded in
// Synthesized; Audio (default "audio") is returned for each.
type Provider struct {
	// Audio is the byte payload returned per synthesis. Defaults to "audio".
	Audio []byte

	// Err, when non-nil, is returned by Synthesize and SynthesizeStream.
	Err error

	// Voices is returned by ListVoices.
	Voices []types.VoiceProfile

	mu          sync.Mutex
	loaded      bool
	Synthesized []string
	VoicesUsed  []types.VoiceProfile
}

var _ tts.Provider = (*Provider)(nil)

func (p *Provider) Load(_ context.Context, _ string) error {
	p.mu.Lock()
	p.loaded = true
	p.mu.Unlock()
	return nil
}

func (p *Provider) Loaded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loaded
}

func (p *Provider) audio() []byte {
	if p.Audio != nil {
		return p.Audio
	}
	return []byte("audio")
}

func (p *Provider) Synthesize(_ context.Context, text string, voice types.VoiceProfile, _ tts.Format) ([]byte, error) {
	if p.Err != nil {
		return nil, p.Err
	}
	p.mu.Lock()
	p.Synthesized = append(p.Synthesized, text)
	p.VoicesUsed = append(p.VoicesUsed, voice)
	p.mu.Unlock()
	return p.audio(), nil
}

func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error) {
	if p.Err != nil {
		return nil, p.Err
	}
	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		for {
			select {
			case s, ok := <-text:
				if !ok {
					return
				}
				p.mu.Lock()
				p.Synthesized = append(p.Synthesized, s)
				p.VoicesUsed = append(p.VoicesUsed, voice)
				p.mu.Unlock()
				select {
				case out <- p.audio():
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (p *Provider) ListVoices(context.Context) ([]types.VoiceProfile, error) {
	return p.Voices, nil
}

// SynthesizedTexts returns a copy of every fragment synthesised so far.
func (p *Provider) SynthesizedTexts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.Synthesized))
	copy(out, p.Synthesized)
	return out
}

// LastVoice returns the voice used by the most recent synthesis call.
func (p *Provider) LastVoice() types.VoiceProfile {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.VoicesUsed) == 0 {
		return types.VoiceProfile{}
	}
	return p.VoicesUsed[len(p.VoicesUsed)-1]
}
