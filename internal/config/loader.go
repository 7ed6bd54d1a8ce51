package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"whisper-native", "openai"},
	"llm": {"groq", "openai", "anthropic", "ollama", "gemini", "deepseek", "mistral"},
	"tts": {"elevenlabs", "piper"},
}

// Load reads the YAML configuration file at path, applies environment
// overrides and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides
// and defaults, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides selected fields from the environment so secrets can stay
// out of the config file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("AI_MODE"); v != "" {
		cfg.AI.Mode = Mode(v)
	}
	if v := os.Getenv("GROQ_API_KEY"); v != "" && (cfg.AI.LLM.Provider == "" || cfg.AI.LLM.Provider == "groq") {
		cfg.AI.LLM.APIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		if cfg.AI.LLM.Provider == "openai" && cfg.AI.LLM.APIKey == "" {
			cfg.AI.LLM.APIKey = v
		}
		if cfg.AI.STT.APIKey == "" {
			cfg.AI.STT.APIKey = v
		}
	}
	if v := os.Getenv("ELEVENLABS_API_KEY"); v != "" {
		cfg.AI.TTS.APIKey = v
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		cfg.Storage.PostgresDSN = v
	}
}

// applyDefaults fills in defaults for unset fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.AI.Mode == "" {
		cfg.AI.Mode = ModeHybrid
	}
	if cfg.AI.STT.Language == "" {
		cfg.AI.STT.Language = "de"
	}
	if cfg.AI.VAD.Backend == "" {
		cfg.AI.VAD.Backend = VADEnergy
	}
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = 16000
	}
	if cfg.Audio.FrameSize == 0 {
		cfg.Audio.FrameSize = 320
	}
	if cfg.Audio.SilenceDuration == 0 {
		cfg.Audio.SilenceDuration = Duration(time.Second)
	}
	if cfg.Audio.MaxRecordingDuration == 0 {
		cfg.Audio.MaxRecordingDuration = Duration(30 * time.Second)
	}
	if cfg.Telephony.Backend == "" {
		cfg.Telephony.Backend = BackendEventSocket
	}
	if cfg.Telephony.Bridge.Host == "" {
		cfg.Telephony.Bridge.Host = "127.0.0.1"
	}
	if cfg.Telephony.Bridge.Port == 0 {
		cfg.Telephony.Bridge.Port = 8085
	}
	if cfg.Telephony.Webhook.TimestampTolerance == 0 {
		cfg.Telephony.Webhook.TimestampTolerance = Duration(5 * time.Minute)
	}
	if cfg.Conversation.MaxHistoryTurns == 0 {
		cfg.Conversation.MaxHistoryTurns = 20
	}
	if cfg.Conversation.ListeningTimeout == 0 {
		cfg.Conversation.ListeningTimeout = Duration(30 * time.Second)
	}
	if cfg.Resilience.Retry.MaxAttempts == 0 {
		cfg.Resilience.Retry.MaxAttempts = 3
	}
	if cfg.Resilience.Retry.BaseDelay == 0 {
		cfg.Resilience.Retry.BaseDelay = Duration(time.Second)
	}
	if cfg.Resilience.Retry.MaxDelay == 0 {
		cfg.Resilience.Retry.MaxDelay = Duration(60 * time.Second)
	}
	if cfg.Resilience.Retry.Jitter == 0 {
		cfg.Resilience.Retry.Jitter = 0.1
	}
	if cfg.Resilience.Breaker.FailureThreshold == 0 {
		cfg.Resilience.Breaker.FailureThreshold = 5
	}
	if cfg.Resilience.Breaker.SuccessThreshold == 0 {
		cfg.Resilience.Breaker.SuccessThreshold = 2
	}
	if cfg.Resilience.Breaker.ResetTimeout == 0 {
		cfg.Resilience.Breaker.ResetTimeout = Duration(60 * time.Second)
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// AI
	if !cfg.AI.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("ai.mode %q is invalid; valid values: local, cloud, hybrid", cfg.AI.Mode))
	}
	validateProviderName("stt", cfg.AI.STT.Provider)
	validateProviderName("llm", cfg.AI.LLM.Provider)
	validateProviderName("tts", cfg.AI.TTS.Provider)
	if !cfg.AI.VAD.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("ai.vad.backend %q is invalid; valid values: energy, silero", cfg.AI.VAD.Backend))
	}
	if cfg.AI.VAD.Threshold < 0 || cfg.AI.VAD.Threshold > 1 {
		errs = append(errs, fmt.Errorf("ai.vad.threshold %.2f is out of range [0, 1]", cfg.AI.VAD.Threshold))
	}
	if cfg.AI.VAD.Backend == VADSilero && cfg.AI.VAD.ModelPath == "" {
		errs = append(errs, errors.New("ai.vad.model_path is required when backend is silero"))
	}
	if cfg.AI.LLM.Temperature < 0 || cfg.AI.LLM.Temperature > 2 {
		errs = append(errs, fmt.Errorf("ai.llm.temperature %.2f is out of range [0, 2]", cfg.AI.LLM.Temperature))
	}
	if cfg.AI.LLM.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("ai.llm.max_tokens %d must not be negative", cfg.AI.LLM.MaxTokens))
	}
	if (cfg.AI.Mode == ModeCloud || cfg.AI.Mode == ModeHybrid) && cfg.AI.LLM.APIKey == "" && cfg.AI.LLM.Provider != "ollama" {
		slog.Warn("ai.llm.api_key is empty; cloud LLM requests will likely be rejected",
			"mode", cfg.AI.Mode, "provider", cfg.AI.LLM.Provider)
	}

	// Audio
	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", cfg.Audio.SampleRate))
	} else if cfg.Audio.SampleRate != 16000 {
		slog.Warn("audio.sample_rate differs from the 16 kHz telephony default; resampling will be applied",
			"sample_rate", cfg.Audio.SampleRate)
	}
	if cfg.Audio.FrameSize <= 0 {
		errs = append(errs, fmt.Errorf("audio.frame_size %d must be positive", cfg.Audio.FrameSize))
	}

	// Telephony
	if !cfg.Telephony.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("telephony.backend %q is invalid; valid values: eventsocket, webhook, webaudio", cfg.Telephony.Backend))
	}
	if cfg.Telephony.Backend == BackendEventSocket && cfg.Telephony.EventSocket.Addr == "" {
		errs = append(errs, errors.New("telephony.event_socket.addr is required when backend is eventsocket"))
	}
	if cfg.Telephony.Backend == BackendWebhook && cfg.Telephony.Webhook.Secret == "" {
		errs = append(errs, errors.New("telephony.webhook.secret is required when backend is webhook"))
	}
	if cfg.Telephony.Bridge.Port < 0 || cfg.Telephony.Bridge.Port > 65535 {
		errs = append(errs, fmt.Errorf("telephony.bridge.port %d is out of range", cfg.Telephony.Bridge.Port))
	}
	sipNamesSeen := make(map[string]int, len(cfg.Telephony.SIP))
	for i, acc := range cfg.Telephony.SIP {
		prefix := fmt.Sprintf("telephony.sip[%d]", i)
		if acc.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := sipNamesSeen[acc.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of telephony.sip[%d]", prefix, acc.Name, prev))
			}
			sipNamesSeen[acc.Name] = i
		}
		if acc.Server == "" {
			errs = append(errs, fmt.Errorf("%s.server is required", prefix))
		}
	}

	// Resilience
	if cfg.Resilience.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("resilience.retry.max_attempts %d must be at least 1", cfg.Resilience.Retry.MaxAttempts))
	}
	if cfg.Resilience.Retry.Jitter < 0 || cfg.Resilience.Retry.Jitter > 1 {
		errs = append(errs, fmt.Errorf("resilience.retry.jitter %.2f is out of range [0, 1]", cfg.Resilience.Retry.Jitter))
	}

	// Storage
	if cfg.Storage.PostgresDSN == "" {
		slog.Warn("storage.postgres_dsn is empty; calls and transcripts will not be persisted")
	}

	// Tenants
	tenantIDsSeen := make(map[string]int, len(cfg.Tenants.Entries))
	for i, tn := range cfg.Tenants.Entries {
		prefix := fmt.Sprintf("tenants.entries[%d]", i)
		if tn.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else {
			if prev, ok := tenantIDsSeen[tn.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of tenants.entries[%d]", prefix, tn.ID, prev))
			}
			tenantIDsSeen[tn.ID] = i
		}
	}
	if cfg.Tenants.Fallback != "" {
		if _, ok := tenantIDsSeen[cfg.Tenants.Fallback]; !ok {
			errs = append(errs, fmt.Errorf("tenants.fallback %q does not match any tenant entry", cfg.Tenants.Fallback))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
