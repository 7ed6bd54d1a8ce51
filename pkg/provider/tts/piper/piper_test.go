package piper

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/telfon-ai/telfon/pkg/audio"
	"github.com/telfon-ai/telfon/pkg/provider/tts"
	"github.com/telfon-ai/telfon/pkg/types"
)

// ---- test helpers ----

// drainAudio reads all []byte chunks from the audio channel until it is closed
// and returns the concatenated PCM data.
func drainAudio(ch <-chan []byte) []byte {
	var out []byte
	for chunk := range ch {
		out = append(out, chunk...)
	}
	return out
}

// sendFragments sends the given text fragments on a freshly-created channel,
// then closes it. Returns the channel for passing to SynthesizeStream.
func sendFragments(fragments []string) <-chan string {
	ch := make(chan string, len(fragments))
	for _, f := range fragments {
		ch <- f
	}
	close(ch)
	return ch
}

// mustNew is a test helper that calls New and fails the test on error.
func mustNew(t *testing.T, serverURL string, opts ...Option) *Provider {
	t.Helper()
	p, err := New(serverURL, opts...)
	if err != nil {
		t.Fatalf("New(%q): unexpected error: %v", serverURL, err)
	}
	return p
}

// synthHandler answers synthesis requests with a 16 kHz mono WAV containing
// pcm, and records each requested text and voice.
type synthHandler struct {
	mu     sync.Mutex
	texts  []string
	voices []string
	pcm    []byte
}

func (h *synthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	h.mu.Lock()
	h.texts = append(h.texts, r.URL.Query().Get("text"))
	h.voices = append(h.voices, r.URL.Query().Get("voice"))
	h.mu.Unlock()
	w.Header().Set("Content-Type", "audio/wav")
	_, _ = w.Write(audio.EncodeWAVFromPCM16(h.pcm, 16000, 1))
}

// ---- Provider creation ----

func TestNew(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		p := mustNew(t, "http://localhost:5000")
		if p.serverURL != "http://localhost:5000" {
			t.Errorf("serverURL = %q, want %q", p.serverURL, "http://localhost:5000")
		}
		if p.language != defaultLanguage {
			t.Errorf("language = %q, want %q", p.language, defaultLanguage)
		}
		if p.outputRate != defaultOutputRate {
			t.Errorf("outputRate = %d, want %d", p.outputRate, defaultOutputRate)
		}
		if p.httpClient.Timeout != defaultTimeout {
			t.Errorf("timeout = %v, want %v", p.httpClient.Timeout, defaultTimeout)
		}
	})

	t.Run("trims trailing slash", func(t *testing.T) {
		p := mustNew(t, "http://localhost:5000/")
		if p.serverURL != "http://localhost:5000" {
			t.Errorf("serverURL = %q, want trailing slash stripped", p.serverURL)
		}
	})

	t.Run("empty URL returns error", func(t *testing.T) {
		if _, err := New(""); err == nil {
			t.Fatal("expected error for empty URL, got nil")
		}
	})

	t.Run("with options", func(t *testing.T) {
		p := mustNew(t, "http://localhost:5000",
			WithLanguage("en"),
			WithTimeout(5*time.Second),
			WithOutputSampleRate(0),
		)
		if p.language != "en" {
			t.Errorf("language = %q, want %q", p.language, "en")
		}
		if p.httpClient.Timeout != 5*time.Second {
			t.Errorf("timeout = %v, want %v", p.httpClient.Timeout, 5*time.Second)
		}
		if p.outputRate != 0 {
			t.Errorf("outputRate = %d, want 0", p.outputRate)
		}
	})
}

// ---- Load ----

func TestLoad(t *testing.T) {
	t.Run("reachable server with catalogue", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == voicesEndpoint {
				_, _ = w.Write([]byte(`{}`))
				return
			}
			http.NotFound(w, r)
		}))
		defer srv.Close()

		p := mustNew(t, srv.URL)
		if p.Loaded() {
			t.Fatal("Loaded() = true before Load")
		}
		if err := p.Load(context.Background(), "de"); err != nil {
			t.Fatalf("Load: unexpected error: %v", err)
		}
		if !p.Loaded() {
			t.Error("Loaded() = false after successful Load")
		}
	})

	t.Run("404 catalogue still counts as reachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		defer srv.Close()

		p := mustNew(t, srv.URL)
		if err := p.Load(context.Background(), ""); err != nil {
			t.Fatalf("Load: unexpected error: %v", err)
		}
	})

	t.Run("unreachable server returns error", func(t *testing.T) {
		p := mustNew(t, "http://127.0.0.1:1", WithTimeout(200*time.Millisecond))
		if err := p.Load(context.Background(), "de"); err == nil {
			t.Fatal("expected error for unreachable server, got nil")
		}
		if p.Loaded() {
			t.Error("Loaded() = true after failed Load")
		}
	})

	t.Run("updates language for default voice", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		defer srv.Close()

		p := mustNew(t, srv.URL)
		if err := p.Load(context.Background(), "en"); err != nil {
			t.Fatalf("Load: unexpected error: %v", err)
		}
		if got := p.defaultVoiceID(); got != "en_US-lessac-high" {
			t.Errorf("defaultVoiceID() = %q, want en_US-lessac-high", got)
		}
	})
}

// ---- Synthesize ----

func TestSynthesize(t *testing.T) {
	pcm := make([]byte, 320)
	for i := range pcm {
		pcm[i] = 0x42
	}
	h := &synthHandler{pcm: pcm}
	srv := httptest.NewServer(h)
	defer srv.Close()

	p := mustNew(t, srv.URL)

	t.Run("raw format", func(t *testing.T) {
		got, err := p.Synthesize(context.Background(), "Guten Tag.", types.VoiceProfile{ID: "de_DE-thorsten-high"}, tts.FormatRaw)
		if err != nil {
			t.Fatalf("Synthesize: unexpected error: %v", err)
		}
		if len(got) != len(pcm) {
			t.Errorf("PCM bytes = %d, want %d", len(got), len(pcm))
		}
	})

	t.Run("wav format re-wraps the PCM", func(t *testing.T) {
		got, err := p.Synthesize(context.Background(), "Guten Tag.", types.VoiceProfile{}, tts.FormatWAV)
		if err != nil {
			t.Fatalf("Synthesize: unexpected error: %v", err)
		}
		if !audio.IsWAV(got) {
			t.Fatal("expected a RIFF/WAVE container")
		}
		data, rate, channels, err := audio.DecodeWAV(got)
		if err != nil {
			t.Fatalf("DecodeWAV: %v", err)
		}
		if rate != 16000 || channels != 1 {
			t.Errorf("rate/channels = %d/%d, want 16000/1", rate, channels)
		}
		if len(data) != len(pcm) {
			t.Errorf("PCM bytes = %d, want %d", len(data), len(pcm))
		}
	})

	t.Run("empty voice falls back to language default", func(t *testing.T) {
		h.mu.Lock()
		h.voices = nil
		h.mu.Unlock()

		if _, err := p.Synthesize(context.Background(), "Hallo.", types.VoiceProfile{}, tts.FormatRaw); err != nil {
			t.Fatalf("Synthesize: unexpected error: %v", err)
		}

		h.mu.Lock()
		defer h.mu.Unlock()
		if len(h.voices) != 1 || h.voices[0] != "de_DE-thorsten-high" {
			t.Errorf("voice param = %v, want [de_DE-thorsten-high]", h.voices)
		}
	})
}

func TestSynthesize_Resamples(t *testing.T) {
	// Server answers with 1 s of 22050 Hz audio; the provider must deliver
	// 16000 samples.
	src := make([]byte, 22050*2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(audio.EncodeWAVFromPCM16(src, 22050, 1))
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL)
	got, err := p.Synthesize(context.Background(), "Eine Sekunde.", types.VoiceProfile{ID: "v"}, tts.FormatRaw)
	if err != nil {
		t.Fatalf("Synthesize: unexpected error: %v", err)
	}
	if len(got) != 16000*2 {
		t.Errorf("resampled PCM bytes = %d, want %d", len(got), 16000*2)
	}
}

func TestSynthesize_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL)
	if _, err := p.Synthesize(context.Background(), "Hallo.", types.VoiceProfile{ID: "v"}, tts.FormatRaw); err == nil {
		t.Fatal("expected error for 500 response, got nil")
	}
}

// ---- SynthesizeStream ----

func TestSynthesizeStream_MockServer(t *testing.T) {
	pcm := make([]byte, 100)
	for i := range pcm {
		pcm[i] = 0x42
	}
	h := &synthHandler{pcm: pcm}
	srv := httptest.NewServer(h)
	defer srv.Close()

	p := mustNew(t, srv.URL, WithOutputSampleRate(0))
	voice := types.VoiceProfile{ID: "de_DE-thorsten-high"}

	// Two complete sentences split across three fragments.
	textCh := sendFragments([]string{"Guten Tag, hier ", "die Praxis. ", "Wie kann ich helfen?"})

	audioCh, err := p.SynthesizeStream(context.Background(), textCh, voice)
	if err != nil {
		t.Fatalf("SynthesizeStream: unexpected error: %v", err)
	}

	got := drainAudio(audioCh)
	if want := 2 * len(pcm); len(got) != want {
		t.Errorf("total PCM bytes = %d, want %d", len(got), want)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.texts) != 2 {
		t.Fatalf("server received %d requests, want 2", len(h.texts))
	}
	if h.texts[0] != "Guten Tag, hier die Praxis." {
		t.Errorf("sentence 0 = %q", h.texts[0])
	}
	if h.texts[1] != "Wie kann ich helfen?" {
		t.Errorf("sentence 1 = %q", h.texts[1])
	}
}

func TestSynthesizeStream_FlushesPartialSentence(t *testing.T) {
	h := &synthHandler{pcm: make([]byte, 10)}
	srv := httptest.NewServer(h)
	defer srv.Close()

	p := mustNew(t, srv.URL, WithOutputSampleRate(0))
	textCh := sendFragments([]string{"Einen Moment bitte"})

	audioCh, err := p.SynthesizeStream(context.Background(), textCh, types.VoiceProfile{ID: "v"})
	if err != nil {
		t.Fatalf("SynthesizeStream: unexpected error: %v", err)
	}
	if got := drainAudio(audioCh); len(got) != 10 {
		t.Errorf("PCM bytes = %d, want 10", len(got))
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.texts) != 1 || h.texts[0] != "Einen Moment bitte" {
		t.Errorf("texts = %v, want the unterminated fragment flushed as-is", h.texts)
	}
}

func TestSynthesizeStream_ContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		_, _ = w.Write(audio.EncodeWAVFromPCM16(make([]byte, 4), 16000, 1))
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	audioCh, err := p.SynthesizeStream(ctx, sendFragments([]string{"Hallo."}), types.VoiceProfile{ID: "v"})
	if err != nil {
		t.Fatalf("SynthesizeStream: unexpected error: %v", err)
	}
	if got := drainAudio(audioCh); len(got) != 0 {
		t.Errorf("got %d PCM bytes after cancellation, want 0", len(got))
	}
}

// ---- ListVoices ----

func TestListVoices(t *testing.T) {
	body := `{
		"de_DE-thorsten-high": {"name": "thorsten", "quality": "high", "language": {"code": "de_DE"}},
		"en_US-lessac-high": {"name": "lessac", "quality": "high", "language": {"code": "en_US"}}
	}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != voicesEndpoint {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL)
	profiles, err := p.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: unexpected error: %v", err)
	}
	if len(profiles) != 2 {
		t.Fatalf("got %d profiles, want 2", len(profiles))
	}
	if profiles[0].ID != "de_DE-thorsten-high" {
		t.Errorf("profile 0 ID = %q", profiles[0].ID)
	}
	if profiles[0].Language != "de" {
		t.Errorf("profile 0 Language = %q, want de", profiles[0].Language)
	}
	if profiles[0].Provider != "piper" {
		t.Errorf("profile 0 Provider = %q, want piper", profiles[0].Provider)
	}
	if profiles[1].Metadata["quality"] != "high" {
		t.Errorf("profile 1 Metadata = %v", profiles[1].Metadata)
	}
}

func TestListVoices_FallsBackToStockTable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	p := mustNew(t, srv.URL)
	profiles, err := p.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: unexpected error: %v", err)
	}
	if len(profiles) != len(tts.DefaultVoices) {
		t.Fatalf("got %d profiles, want %d", len(profiles), len(tts.DefaultVoices))
	}
	// Ordered by language code: de, en, ru, tr.
	if profiles[0].Language != "de" || profiles[0].ID != "de_DE-thorsten-high" {
		t.Errorf("profile 0 = %+v, want the German stock voice first", profiles[0])
	}
}

// ---- helpers ----

func TestSentenceBoundary(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"Hallo. Welt", 5},
		{"Hallo.", 5},
		{"Wie geht es?", 11},
		{"Achtung!", 7},
		{"3.14 ist Pi", -1},
		{"Dr.Mueller", -1},
		{"kein Ende", -1},
		{"", -1},
	}
	for _, tc := range tests {
		if got := sentenceBoundary(tc.in); got != tc.want {
			t.Errorf("sentenceBoundary(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestIsoLanguage(t *testing.T) {
	if got := isoLanguage("de_DE"); got != "de" {
		t.Errorf("isoLanguage(de_DE) = %q, want de", got)
	}
	if got := isoLanguage("ru"); got != "ru" {
		t.Errorf("isoLanguage(ru) = %q, want ru", got)
	}
}
