// Package app wires all telfon subsystems into a running server.
//
// New builds the provider stack, conversation engine, call handler and the
// configured telephony backend from one [config.Config]; Run drives them
// until the context is cancelled; Close tears everything down in reverse
// construction order.
//
// For testing, inject mock providers via functional options (WithSTT,
// WithLLM, etc.). When an option is not provided, New builds the real
// provider from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/telfon-ai/telfon/internal/ai"
	"github.com/telfon-ai/telfon/internal/call"
	"github.com/telfon-ai/telfon/internal/config"
	"github.com/telfon-ai/telfon/internal/conversation"
	"github.com/telfon-ai/telfon/internal/health"
	"github.com/telfon-ai/telfon/internal/observe"
	"github.com/telfon-ai/telfon/internal/policy"
	"github.com/telfon-ai/telfon/internal/store"
	"github.com/telfon-ai/telfon/internal/telephony"
	"github.com/telfon-ai/telfon/internal/telephony/bridge"
	"github.com/telfon-ai/telfon/internal/telephony/eventsocket"
	"github.com/telfon-ai/telfon/internal/telephony/webaudio"
	"github.com/telfon-ai/telfon/internal/telephony/webhook"
	"github.com/telfon-ai/telfon/internal/tenant"
	"github.com/telfon-ai/telfon/pkg/audio"
	"github.com/telfon-ai/telfon/pkg/provider/lang"
	"github.com/telfon-ai/telfon/pkg/provider/llm"
	"github.com/telfon-ai/telfon/pkg/provider/stt"
	"github.com/telfon-ai/telfon/pkg/provider/tts"
	"github.com/telfon-ai/telfon/pkg/provider/vad"
)

// shutdownTimeout bounds the graceful HTTP drain during Run teardown.
const shutdownTimeout = 10 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config
	log *slog.Logger

	factory *ai.Factory
	engine  *conversation.Engine
	handler *call.Handler
	adapter *telephony.Adapter
	tenants *tenant.Resolver
	metrics *observe.Metrics

	db       *store.Store
	archiver *store.Archiver

	es        *eventsocket.Client
	esBackend *eventsocket.Backend
	bridgeSrv *bridge.Server

	mux *http.ServeMux
	ln  net.Listener

	sttP stt.Provider
	llmP llm.Provider
	ttsP tts.Provider
	vadE vad.Engine

	// runCtx is the context passed to Run, used by asynchronous call serving.
	runCtx context.Context

	// closers are called in reverse order during Close.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithLogger sets the application logger. Default: slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(a *App) { a.log = log }
}

// WithSTT injects an STT provider instead of building one from config.
func WithSTT(p stt.Provider) Option {
	return func(a *App) { a.sttP = p }
}

// WithLLM injects an LLM provider instead of building one from config.
func WithLLM(p llm.Provider) Option {
	return func(a *App) { a.llmP = p }
}

// WithTTS injects a TTS provider instead of building one from config.
func WithTTS(p tts.Provider) Option {
	return func(a *App) { a.ttsP = p }
}

// WithVAD injects a VAD engine instead of building one from config.
func WithVAD(e vad.Engine) Option {
	return func(a *App) { a.vadE = e }
}

// New creates an App by wiring all subsystems together. It connects to the
// softswitch and the database synchronously, so a misconfigured deployment
// fails at startup rather than on the first call.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:    cfg,
		log:    slog.Default(),
		runCtx: context.Background(),
	}
	for _, o := range opts {
		o(a)
	}

	if err := a.buildProviders(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.tenants = tenant.NewResolver(cfg.Tenants, a.log)
	a.metrics = observe.DefaultMetrics()

	a.engine = conversation.New(a.sttP, a.llmP, a.ttsP, a.engineOptions()...)

	if dsn := cfg.Storage.PostgresDSN; dsn != "" {
		db, err := store.NewStore(ctx, dsn)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("app: storage: %w", err)
		}
		a.db = db
		a.archiver = store.NewArchiver(db, policy.StaticConsent{}, a.log)
		a.closers = append(a.closers, func() error { db.Close(); return nil })
	}

	handlerOpts := []call.Option{call.WithOnCallStart(a.onCallStart)}
	if a.archiver != nil {
		handlerOpts = append(handlerOpts, call.WithOnCallEnd(a.archiver.OnCallEnd))
	}
	a.handler = call.NewHandler(a.engine, a.vadE, a.callConfig(), handlerOpts...)
	a.adapter = telephony.NewAdapter(a.handler, a.log)

	if err := a.buildTelephony(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.buildHTTP(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// buildProviders fills the provider slots not injected via options. The STT
// stage is loaded eagerly: a missing whisper model or bad credentials fail at
// startup instead of on the first utterance.
func (a *App) buildProviders(ctx context.Context) error {
	if a.sttP != nil && a.llmP != nil && a.ttsP != nil && a.vadE != nil {
		return nil
	}

	a.factory = ai.NewFactory(a.cfg)
	a.closers = append(a.closers, a.factory.Close)

	var err error
	if a.sttP == nil {
		if a.cfg.AI.Mode == config.ModeCloud {
			if a.sttP, err = a.factory.STT(); err != nil {
				return fmt.Errorf("app: stt provider: %w", err)
			}
		} else {
			// Local and hybrid modes transcribe on-premises; whisper models
			// are swapped per detected dialect.
			a.sttP = ai.Routed(a.factory.STTRouter(), a.currentDialect)
		}
		if err = a.sttP.Load(ctx); err != nil {
			return fmt.Errorf("app: load stt: %w", err)
		}
	}
	if a.llmP == nil {
		if a.llmP, err = a.factory.LLM(); err != nil {
			return fmt.Errorf("app: llm provider: %w", err)
		}
	}
	if a.ttsP == nil {
		if a.ttsP, err = a.factory.TTS(); err != nil {
			return fmt.Errorf("app: tts provider: %w", err)
		}
	}
	if a.vadE == nil {
		if a.vadE, err = a.factory.VAD(); err != nil {
			return fmt.Errorf("app: vad engine: %w", err)
		}
	}
	return nil
}

func (a *App) engineOptions() []conversation.Option {
	opts := []conversation.Option{
		conversation.WithMaxHistoryTurns(a.cfg.Conversation.MaxHistoryTurns),
		conversation.WithTemperature(a.cfg.AI.LLM.Temperature),
		conversation.WithMaxTokens(a.cfg.AI.LLM.MaxTokens),
	}
	if prompt := a.systemPrompt(); prompt != "" {
		opts = append(opts, conversation.WithSystemPrompt(prompt))
	}
	return opts
}

// systemPrompt picks the assistant persona: an explicit config prompt wins,
// then the fallback tenant's prompt. Empty means the engine's built-in
// persona.
func (a *App) systemPrompt() string {
	if p := a.cfg.Conversation.SystemPrompt; p != "" {
		return p
	}
	if res := a.tenants.Resolve(tenant.Signals{}); res.Resolved {
		return res.Tenant.SystemPrompt
	}
	return ""
}

func (a *App) callConfig() call.Config {
	return call.Config{
		Capture: audio.CaptureConfig{
			SampleRate:           a.cfg.Audio.SampleRate,
			SilenceDuration:      a.cfg.Audio.SilenceDuration.Std(),
			MaxRecordingDuration: a.cfg.Audio.MaxRecordingDuration.Std(),
		},
		VAD: vad.Config{
			SampleRate:      a.cfg.Audio.SampleRate,
			FrameSize:       a.cfg.Audio.FrameSize,
			SpeechThreshold: a.cfg.AI.VAD.Threshold,
		},
		CaptureTimeout: a.cfg.Conversation.ListeningTimeout.Std(),
		FrameSize:      a.cfg.Audio.FrameSize,
		TransferNumber: a.cfg.Conversation.TransferNumber,
	}
}

// currentDialect reports the active call's detected dialect, for routed STT.
func (a *App) currentDialect() lang.Dialect {
	if c, ok := a.handler.Current(); ok {
		if conv := c.Conversation(); conv != nil {
			return conv.Dialect()
		}
	}
	return lang.DialectStandard
}

// onCallStart tags the call with its resolved tenant and counts it.
func (a *App) onCallStart(c *call.Call) {
	a.metrics.RecordCallHandled(context.Background(), string(a.cfg.Telephony.Backend))

	res := a.tenants.Resolve(tenant.Signals{Phone: c.CalleeID})
	if !res.Resolved {
		a.log.Debug("no tenant for call", "call_id", c.ID, "callee", c.CalleeID)
		return
	}
	// DTMF events may land on backend goroutines while the call starts, so
	// the tenant tag goes through the handler's synchronised metadata path.
	a.handler.SetMetadata("tenant_id", res.Tenant.ID)
	a.log.Info("call started",
		"call_id", c.ID,
		"tenant", res.Tenant.ID,
		"method", res.Method,
	)
}

// buildTelephony connects the configured backend to the call adapter.
func (a *App) buildTelephony(ctx context.Context) error {
	switch a.cfg.Telephony.Backend {
	case config.BackendEventSocket:
		es, err := eventsocket.Dial(ctx, a.cfg.Telephony.EventSocket, a.log)
		if err != nil {
			return fmt.Errorf("app: event socket: %w", err)
		}
		a.es = es
		a.closers = append(a.closers, es.Close)
		a.esBackend = eventsocket.NewBackend(es, a.adapter, a.log)
		return a.listenBridge()

	case config.BackendWebhook:
		return a.listenBridge()

	case config.BackendWebAudio:
		// The websocket endpoint is mounted by buildHTTP; no media bridge.
		return nil

	default:
		return fmt.Errorf("app: unknown telephony backend %q", a.cfg.Telephony.Backend)
	}
}

func (a *App) listenBridge() error {
	srv, err := bridge.Listen(a.cfg.Telephony.Bridge, a.onLeg, a.log)
	if err != nil {
		return fmt.Errorf("app: bridge: %w", err)
	}
	a.bridgeSrv = srv
	return nil
}

// onLeg serves a freshly bridged media leg without blocking the accept loop.
func (a *App) onLeg(callID string, leg audio.Leg) {
	go func() {
		defer leg.Close()
		if err := a.adapter.ServeCall(a.runCtx, leg); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Error("call serving failed", "external_id", callID, "error", err)
		}
	}()
}

// buildHTTP assembles the server mux and opens the listener.
func (a *App) buildHTTP() error {
	checks := []health.Check{health.STTReady(func() bool { return a.sttP.Loaded() })}
	if a.db != nil {
		checks = append(checks, health.Database(a.db.Ping))
	}

	a.mux = http.NewServeMux()
	health.New(checks...).Register(a.mux)
	a.mux.Handle("/metrics", promhttp.Handler())

	switch a.cfg.Telephony.Backend {
	case config.BackendWebhook:
		webhook.New(a.cfg.Telephony.Webhook, a.cfg.Telephony.Bridge, a.adapter, a.log).Register(a.mux)
	case config.BackendWebAudio:
		a.mux.Handle("/call/ws", webaudio.New(a.adapter, a.log))
	}

	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
	}
	a.ln = ln
	return nil
}

// HTTPAddr returns the bound address of the HTTP listener.
func (a *App) HTTPAddr() net.Addr { return a.ln.Addr() }

// Handler returns the call handler, for inspection.
func (a *App) Handler() *call.Handler { return a.handler }

// Adapter returns the telephony adapter.
func (a *App) Adapter() *telephony.Adapter { return a.adapter }

// Tenants returns the tenant resolver.
func (a *App) Tenants() *tenant.Resolver { return a.tenants }

// Originate places an outbound call through the event socket backend.
func (a *App) Originate(ctx context.Context, to, from string) (string, error) {
	if a.esBackend == nil {
		return "", errors.New("app: outbound calls need the event socket backend")
	}
	return a.esBackend.Originate(ctx, to, from)
}

// Run drives the HTTP server, the media bridge and the event socket loop
// until ctx is cancelled, then shuts them down. It returns the first
// unexpected subsystem error.
func (a *App) Run(ctx context.Context) error {
	a.runCtx = ctx
	g, ctx := errgroup.WithContext(ctx)

	srv := &http.Server{Handler: a.mux}
	if tlsCfg := a.cfg.Server.TLS; tlsCfg != nil {
		g.Go(func() error {
			return ignoreClosed(srv.ServeTLS(a.ln, tlsCfg.CertFile, tlsCfg.KeyFile))
		})
	} else {
		g.Go(func() error {
			return ignoreClosed(srv.Serve(a.ln))
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if a.es != nil {
		g.Go(func() error {
			return ignoreCanceled(a.es.Run(ctx))
		})
	}
	if a.bridgeSrv != nil {
		g.Go(func() error {
			return ignoreCanceled(a.bridgeSrv.Serve(ctx))
		})
	}

	a.log.Info("telfon serving",
		"addr", a.ln.Addr().String(),
		"backend", string(a.cfg.Telephony.Backend),
	)
	return ignoreCanceled(g.Wait())
}

// Close releases all subsystems in reverse construction order. Safe to call
// more than once and on a partially constructed App.
func (a *App) Close() {
	a.stopOnce.Do(func() {
		if a.handler != nil {
			if c, ok := a.handler.Current(); ok {
				a.log.Warn("hanging up active call on shutdown", "call_id", c.ID)
				a.handler.Hangup()
			}
		}
		if a.ln != nil {
			a.ln.Close()
		}
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				a.log.Warn("close failed", "error", err)
			}
		}
	})
}

func ignoreClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
