// Package mock provides a configurable in-memory llm.Provider for tests.
package mock

import (
	"context"
	"sync"

	"github.com/telfon-ai/telfon/pkg/provider/llm"
	"github.com/telfon-ai/telfon/pkg/types"
)

// Provider is a mock llm.Provider. Configure the exported fields before use;
// call-recording fields are safe for concurrent access.
type Provider struct {
	// CompleteResponse is returned by Complete when Queue is empty.
	CompleteResponse *llm.CompletionResponse

	// Queue holds responses consumed in order by Complete, ahead of
	// CompleteResponse. Useful for scripting multi-turn conversations.
	Queue []*llm.CompletionResponse

	// CompleteErr, when non-nil, is returned by every Complete call.
	CompleteErr error

	// StreamChunks are emitted in order by StreamCompletion.
	StreamChunks []llm.Chunk

	// StreamErr, when non-nil, is returned by StreamCompletion before any
	// chunk is emitted.
	StreamErr error

	// TokenCount is returned by CountTokens.
	TokenCount int

	// CountTokensErr, when non-nil, is returned by CountTokens.
	CountTokensErr error

	// ModelCapabilities is returned by Capabilities.
	ModelCapabilities types.ModelCapabilities

	mu            sync.Mutex
	CompleteCalls []llm.CompletionRequest
	StreamCalls   []llm.CompletionRequest
}

var _ llm.Provider = (*Provider)(nil)

func (p *Provider) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.CompleteCalls = append(p.CompleteCalls, req)
	var queued *llm.CompletionResponse
	if len(p.Queue) > 0 {
		queued = p.Queue[0]
		p.Queue = p.Queue[1:]
	}
	p.mu.Unlock()

	if p.CompleteErr != nil {
		return nil, p.CompleteErr
	}
	if queued != nil {
		return queued, nil
	}
	if p.CompleteResponse != nil {
		return p.CompleteResponse, nil
	}
	return &llm.CompletionResponse{}, nil
}

func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, req)
	p.mu.Unlock()

	if p.StreamErr != nil {
		return nil, p.StreamErr
	}

	ch := make(chan llm.Chunk, len(p.StreamChunks))
	go func() {
		defer close(ch)
		for _, c := range p.StreamChunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (p *Provider) CountTokens(messages []types.Message) (int, error) {
	if p.CountTokensErr != nil {
		return 0, p.CountTokensErr
	}
	return p.TokenCount, nil
}

func (p *Provider) Capabilities() types.ModelCapabilities {
	return p.ModelCapabilities
}

// LastComplete returns the most recent Complete request, or a zero request.
func (p *Provider) LastComplete() llm.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.CompleteCalls) == 0 {
		return llm.CompletionRequest{}
	}
	return p.CompleteCalls[len(p.CompleteCalls)-1]
}
