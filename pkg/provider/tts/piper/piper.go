// Package piper provides a local Piper-backed TTS provider that connects to a
// Piper HTTP server via its REST API. It implements the tts.Provider interface.
//
// Synthesis is performed via GET / with the text as a URL query parameter; the
// server answers with a RIFF/WAVE body at the voice model's native sample rate,
// which the provider strips and resamples to the telephony rate. The voice
// catalogue is retrieved from GET /voices when the server exposes it, falling
// back to the built-in stock voice table otherwise.
//
// Because the Piper server operates in batch mode (one HTTP call per utterance
// rather than a streaming socket), SynthesizeStream accumulates incoming text
// fragments into complete sentences and then dispatches concurrent HTTP
// requests with a small lookahead buffer to minimise perceived latency.
//
// Typical usage:
//
//	p, err := piper.New("http://localhost:5000",
//	    piper.WithLanguage("de"),
//	    piper.WithTimeout(15*time.Second),
//	)
//	audio, err := p.SynthesizeStream(ctx, textCh, voiceProfile)
package piper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/telfon-ai/telfon/pkg/audio"
	"github.com/telfon-ai/telfon/pkg/provider/tts"
	"github.com/telfon-ai/telfon/pkg/types"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

const (
	defaultLanguage   = "de"
	defaultTimeout    = 30 * time.Second
	synthesisEndpoint = "/"
	voicesEndpoint    = "/voices"

	// defaultOutputRate is the telephony sample rate the stripped PCM is
	// resampled to. Piper voice models typically run at 22050 Hz natively.
	defaultOutputRate = 16000

	// sentenceLookaheadBuf controls how many concurrent HTTP synthesis requests
	// may be in-flight simultaneously. Higher values reduce perceived latency
	// at the cost of additional server load.
	sentenceLookaheadBuf = 4

	// audioChanBuf is the buffer depth of the returned audio channel.
	audioChanBuf = 256

	// pcmChunkSize is the size of each PCM chunk emitted on the audio channel.
	pcmChunkSize = 4096
)

// ---- options ----

// Option is a functional option for configuring a Piper Provider.
type Option func(*Provider)

// WithLanguage sets the ISO 639-1 language code used to pick the stock voice
// when a synthesis request has no explicit voice. Defaults to "de".
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithTimeout sets the per-request HTTP timeout for calls to the Piper server.
// Defaults to 30 s if not set.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// WithOutputSampleRate configures the provider to resample synthesised PCM to
// the given sample rate. When set to 0, no resampling is performed and PCM is
// emitted at the model's native rate. Defaults to 16000.
func WithOutputSampleRate(rate int) Option {
	return func(p *Provider) {
		p.outputRate = rate
	}
}

// ---- Provider ----

// Provider implements tts.Provider backed by a locally-running Piper HTTP
// server. It is safe for concurrent use; multiple SynthesizeStream calls may
// run in parallel.
type Provider struct {
	serverURL  string
	httpClient *http.Client
	outputRate int // target sample rate; 0 = no resampling

	mu       sync.Mutex
	language string
	loaded   bool
}

// New creates a new Piper Provider that targets the server at serverURL
// (e.g., "http://localhost:5000"). serverURL must be non-empty. Functional
// options may override the language, per-request timeout and output rate.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("piper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		outputRate: defaultOutputRate,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Load verifies that the Piper server is reachable and records the language
// used for default voice selection. An empty language keeps the current one.
// Load is idempotent; repeated calls only re-probe the server after a failure.
func (p *Provider) Load(ctx context.Context, language string) error {
	p.mu.Lock()
	if language != "" {
		p.language = language
	}
	alreadyLoaded := p.loaded
	p.mu.Unlock()

	if alreadyLoaded {
		return nil
	}

	// The voices endpoint doubles as a reachability probe; servers without a
	// catalogue answer 404, which still proves the server is up.
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+voicesEndpoint, nil)
	if err != nil {
		return fmt.Errorf("piper: create probe request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("piper: server unreachable: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("piper: probe %s returned status %d", voicesEndpoint, resp.StatusCode)
	}

	p.mu.Lock()
	p.loaded = true
	p.mu.Unlock()
	return nil
}

// Loaded implements tts.Provider.
func (p *Provider) Loaded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loaded
}

// defaultVoiceID returns the stock voice for the configured language.
func (p *Provider) defaultVoiceID() string {
	p.mu.Lock()
	lang := p.language
	p.mu.Unlock()
	return tts.VoiceForLanguage(lang).ID
}

// Synthesize converts text to audio in a single HTTP round trip. With
// [tts.FormatWAV] the resampled PCM is re-wrapped in a RIFF/WAVE container at
// the output rate; [tts.FormatRaw] returns headerless PCM.
func (p *Provider) Synthesize(ctx context.Context, text string, voice types.VoiceProfile, format tts.Format) ([]byte, error) {
	pcm, rate, err := p.synthesize(ctx, text, voice)
	if err != nil {
		return nil, err
	}
	if format == tts.FormatWAV {
		return audio.EncodeWAVFromPCM16(pcm, rate, 1), nil
	}
	return pcm, nil
}

// SynthesizeStream consumes text fragments from the text channel, accumulates
// them into complete sentences (split on '.', '!', '?' followed by whitespace
// or EOF), and for each sentence issues an HTTP synthesis request to the Piper
// server. WAV responses are stripped of their container and the raw PCM is
// emitted on the returned channel in the original sentence order.
//
// Up to sentenceLookaheadBuf HTTP requests may be in-flight concurrently to
// hide server latency while preserving output ordering.
//
// The returned channel is closed when all text has been synthesised or when
// ctx is cancelled. The caller must drain the channel to prevent goroutine
// leaks.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error) {
	audioCh := make(chan []byte, audioChanBuf)

	go func() {
		defer close(audioCh)

		// sentences carries complete sentences from the accumulator to the dispatcher.
		sentences := make(chan string, sentenceLookaheadBuf)

		// resultQueue carries ordered future channels so the collector can drain in order.
		resultQueue := make(chan chan audioResult, sentenceLookaheadBuf)

		// --- Accumulator goroutine ---
		// Reads text fragments, buffers them, and emits complete sentences.
		go func() {
			defer close(sentences)
			var buf strings.Builder
			for {
				select {
				case fragment, ok := <-text:
					if !ok {
						// Text channel closed: flush any remaining partial sentence.
						if remaining := strings.TrimSpace(buf.String()); remaining != "" {
							select {
							case sentences <- remaining:
							case <-ctx.Done():
							}
						}
						return
					}
					buf.WriteString(fragment)
					// Drain all complete sentences from the buffer.
					for {
						s := buf.String()
						idx := sentenceBoundary(s)
						if idx < 0 {
							break
						}
						sentence := strings.TrimSpace(s[:idx+1])
						buf.Reset()
						buf.WriteString(s[idx+1:])
						if sentence == "" {
							continue
						}
						select {
						case sentences <- sentence:
						case <-ctx.Done():
							return
						}
					}
				case <-ctx.Done():
					return
				}
			}
		}()

		// --- Dispatcher goroutine ---
		// Reads sentences and launches a concurrent HTTP request for each, placing
		// an ordered result channel into resultQueue so the collector can drain in order.
		go func() {
			defer close(resultQueue)
			for {
				select {
				case sentence, ok := <-sentences:
					if !ok {
						return
					}
					ch := make(chan audioResult, 1)
					select {
					case resultQueue <- ch:
					case <-ctx.Done():
						return
					}
					go func(s string, out chan<- audioResult) {
						pcm, _, err := p.synthesize(ctx, s, voice)
						out <- audioResult{pcm: pcm, err: err}
					}(sentence, ch)
				case <-ctx.Done():
					return
				}
			}
		}()

		// --- Collector ---
		// Drains resultQueue in-order and emits PCM chunks to the audio channel.
		for {
			select {
			case ch, ok := <-resultQueue:
				if !ok {
					return
				}
				select {
				case result := <-ch:
					if result.err != nil {
						// On synthesis error we stop the stream. The caller can
						// inspect ctx.Err() to distinguish cancellation from
						// provider errors.
						return
					}
					// Emit the PCM in fixed-size chunks.
					pcm := result.pcm
					for len(pcm) > 0 {
						end := min(pcmChunkSize, len(pcm))
						select {
						case audioCh <- pcm[:end]:
						case <-ctx.Done():
							return
						}
						pcm = pcm[end:]
					}
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return audioCh, nil
}

// audioResult carries a synthesised PCM byte slice or an error from a worker goroutine.
type audioResult struct {
	pcm []byte
	err error
}

// synthesize performs a single GET / request with the text as a query
// parameter and returns the raw PCM (WAV container stripped) plus its sample
// rate after any configured resampling.
func (p *Provider) synthesize(ctx context.Context, text string, voice types.VoiceProfile) ([]byte, int, error) {
	voiceID := voice.ID
	if voiceID == "" {
		voiceID = p.defaultVoiceID()
	}

	params := url.Values{}
	params.Set("text", text)
	if voiceID != "" {
		params.Set("voice", voiceID)
	}

	reqURL := p.serverURL + synthesisEndpoint + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("piper: create synthesis request: %w", err)
	}
	req.Header.Set("Accept", "audio/wav")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("piper: GET %s: %w", synthesisEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("piper: GET %s returned status %d", synthesisEndpoint, resp.StatusCode)
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("piper: read WAV response: %w", err)
	}

	pcm, sampleRate, channels, err := audio.DecodeWAV(wav)
	if err != nil {
		return nil, 0, fmt.Errorf("piper: decode WAV response: %w", err)
	}
	if channels != 1 {
		return nil, 0, fmt.Errorf("piper: expected mono audio, got %d channels", channels)
	}

	if p.outputRate > 0 && sampleRate != p.outputRate {
		pcm = audio.ResampleMono16(pcm, sampleRate, p.outputRate)
		sampleRate = p.outputRate
	}
	return pcm, sampleRate, nil
}

// ---- ListVoices ----

// piperVoice mirrors an entry of the server's voices catalogue, keyed by the
// voice ID (e.g., "de_DE-thorsten-high").
type piperVoice struct {
	Name     string `json:"name"`
	Quality  string `json:"quality"`
	Language struct {
		Code string `json:"code"` // e.g., "de_DE"
	} `json:"language"`
}

// ListVoices retrieves the voice catalogue from GET /voices. Servers that do
// not expose a catalogue answer 404; in that case the built-in stock voice
// table is returned instead.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+voicesEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("piper: create list-voices request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("piper: GET %s: %w", voicesEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return stockVoices(), nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("piper: GET %s returned status %d", voicesEndpoint, resp.StatusCode)
	}

	var raw map[string]piperVoice
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("piper: decode voices response: %w", err)
	}

	// Sort keys for deterministic output.
	ids := make([]string, 0, len(raw))
	for id := range raw {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	profiles := make([]types.VoiceProfile, 0, len(ids))
	for _, id := range ids {
		v := raw[id]
		name := v.Name
		if name == "" {
			name = id
		}
		profiles = append(profiles, types.VoiceProfile{
			ID:       id,
			Name:     name,
			Provider: "piper",
			Language: isoLanguage(v.Language.Code),
			Metadata: map[string]string{
				"quality": v.Quality,
			},
		})
	}
	return profiles, nil
}

// stockVoices returns the built-in voice table, ordered by language code.
func stockVoices() []types.VoiceProfile {
	langs := make([]string, 0, len(tts.DefaultVoices))
	for lang := range tts.DefaultVoices {
		langs = append(langs, lang)
	}
	sort.Strings(langs)

	profiles := make([]types.VoiceProfile, 0, len(langs))
	for _, lang := range langs {
		profiles = append(profiles, tts.DefaultVoices[lang])
	}
	return profiles
}

// isoLanguage reduces a locale code like "de_DE" to its ISO 639-1 prefix.
func isoLanguage(code string) string {
	if i := strings.IndexByte(code, '_'); i > 0 {
		return code[:i]
	}
	return code
}

// ---- helpers ----

// sentenceBoundary returns the index of the first sentence-ending character
// ('.', '!', '?') that is either at the end of s or immediately followed by
// whitespace. Returns -1 if no sentence boundary is found.
//
// This ensures that abbreviations like "Dr." or decimal numbers like "3.14"
// are not incorrectly treated as sentence boundaries when followed by a
// non-space character.
func sentenceBoundary(s string) int {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '.' || c == '!' || c == '?' {
			if i+1 >= len(s) || unicode.IsSpace(rune(s[i+1])) {
				return i
			}
		}
	}
	return -1
}
