// Package mock provides a configurable in-memory stt.Provider for tests.
package mock

import (
	"context"
	"sync"

	"github.com/telfon-ai/telfon/pkg/provider/stt"
	"github.com/telfon-ai/telfon/pkg/types"
)

// Provider is a mock stt.Provider. Configure Text (or Texts for scripted
// multi-utterance tests) before use.
type Provider struct {
	// LoadErr, when non-nil, is returned by Load.
	LoadErr error

	// Text is returned by Transcribe when Texts is empty.
	Text string

	// Texts holds transcriptions consumed in order, ahead of Text.
	Texts []string

	// Err, when non-nil, is returned by every transcription call.
	Err error

	// Info is the Transcript returned by TranscribeWithInfo; its Text field is
	// overwritten with the next scripted text.
	Info types.Transcript

	mu        sync.Mutex
	loaded    bool
	Calls     int
	Languages []string
}

var _ stt.Provider = (*Provider)(nil)

func (p *Provider) Load(context.Context) error {
	if p.LoadErr != nil {
		return p.LoadErr
	}
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

func (p *Provider) Transcribe(_ context.Context, _ []float32, _ int, language string) (string, error) {
	p.mu.Lock()
	p.Calls++
	p.Languages = append(p.Languages, language)
	text := p.Text
	if len(p.Texts) > 0 {
		text = p.Texts[0]
		p.Texts = p.Texts[1:]
	}
	p.mu.Unlock()

	if p.Err != nil {
		return "", p.Err
	}
	return text, nil
}

func (p *Provider) TranscribeWithInfo(ctx context.Context, samples []float32, sampleRate int, language string) (types.Transcript, error) {
	text, err := p.Transcribe(ctx, samples, sampleRate, language)
	if err != nil {
		return types.Transcript{}, err
	}
	info := p.Info
	info.Text = text
	return info, nil
}
