// Package silero provides a Silero VAD backend running the ONNX model via
// onnxruntime. The Silero network is stateful: each session carries the
// model's recurrent state across frames, so one session serves exactly one
// audio stream.
//
// The model operates on fixed windows of 512 samples at 16 kHz (256 at
// 8 kHz). The onnxruntime shared library must be available; its location can
// be overridden with the ONNXRUNTIME_LIB environment variable.
package silero

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/telfon-ai/telfon/pkg/provider/vad"
)

// Compile-time interface assertion.
var _ vad.Engine = (*Engine)(nil)

const (
	window16k = 512
	window8k  = 256

	// stateLen is the number of float32 values in the model's recurrent
	// state tensor of shape [2, 1, 128].
	stateLen = 2 * 1 * 128

	defaultSpeechThreshold = 0.5
)

var (
	runtimeOnce sync.Once
	runtimeErr  error
)

// ensureRuntime initializes the onnxruntime environment exactly once per
// process.
func ensureRuntime() error {
	runtimeOnce.Do(func() {
		if libPath := os.Getenv("ONNXRUNTIME_LIB"); libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		} else if runtime.GOOS == "darwin" {
			ort.SetSharedLibraryPath("/opt/homebrew/lib/libonnxruntime.dylib")
		}
		runtimeErr = ort.InitializeEnvironment()
	})
	return runtimeErr
}

// Engine implements vad.Engine backed by the Silero ONNX model.
type Engine struct {
	modelPath string
}

// New creates a Silero engine for the model file at modelPath. The file must
// exist; the onnxruntime environment is initialized lazily on the first
// NewSession call.
func New(modelPath string) (*Engine, error) {
	if modelPath == "" {
		return nil, errors.New("silero: modelPath must not be empty")
	}
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("silero: model file: %w", err)
	}
	return &Engine{modelPath: modelPath}, nil
}

// windowSize returns the model's window length for the given sample rate.
func windowSize(sampleRate int) (int, error) {
	switch sampleRate {
	case 16000:
		return window16k, nil
	case 8000:
		return window8k, nil
	default:
		return 0, fmt.Errorf("silero: unsupported sample rate %d (want 8000 or 16000)", sampleRate)
	}
}

// NewSession implements vad.Engine. The session owns its input, state and
// output tensors; they are reused across ProcessFrame calls and released by
// Close.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	win, err := windowSize(cfg.SampleRate)
	if err != nil {
		return nil, err
	}
	if cfg.FrameSize > 0 && cfg.FrameSize != win {
		return nil, fmt.Errorf("silero: frame size %d, model window is %d at %d Hz", cfg.FrameSize, win, cfg.SampleRate)
	}

	speech := cfg.SpeechThreshold
	if speech <= 0 {
		speech = defaultSpeechThreshold
	}
	silence := cfg.SilenceThreshold
	if silence <= 0 || silence > speech {
		silence = speech
	}

	if err := ensureRuntime(); err != nil {
		return nil, fmt.Errorf("silero: initialize onnxruntime: %w", err)
	}

	input, err := ort.NewTensor(ort.NewShape(1, int64(win)), make([]float32, win))
	if err != nil {
		return nil, fmt.Errorf("silero: create input tensor: %w", err)
	}
	state, err := ort.NewTensor(ort.NewShape(2, 1, 128), make([]float32, stateLen))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("silero: create state tensor: %w", err)
	}
	sr, err := ort.NewTensor(ort.NewShape(1), []int64{int64(cfg.SampleRate)})
	if err != nil {
		input.Destroy()
		state.Destroy()
		return nil, fmt.Errorf("silero: create sr tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1))
	if err != nil {
		input.Destroy()
		state.Destroy()
		sr.Destroy()
		return nil, fmt.Errorf("silero: create output tensor: %w", err)
	}
	stateOut, err := ort.NewEmptyTensor[float32](ort.NewShape(2, 1, 128))
	if err != nil {
		input.Destroy()
		state.Destroy()
		sr.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("silero: create state output tensor: %w", err)
	}

	ortSession, err := ort.NewAdvancedSession(e.modelPath,
		[]string{"input", "state", "sr"},
		[]string{"output", "stateN"},
		[]ort.Value{input, state, sr},
		[]ort.Value{output, stateOut},
		nil,
	)
	if err != nil {
		input.Destroy()
		state.Destroy()
		sr.Destroy()
		output.Destroy()
		stateOut.Destroy()
		return nil, fmt.Errorf("silero: create session: %w", err)
	}

	return &session{
		ortSession: ortSession,
		input:      input,
		state:      state,
		sr:         sr,
		output:     output,
		stateOut:   stateOut,
		window:     win,
		speech:     speech,
		silence:    silence,
	}, nil
}

// session is a single-stream Silero session. It is not safe for concurrent
// use.
type session struct {
	ortSession *ort.AdvancedSession
	input      *ort.Tensor[float32]
	state      *ort.Tensor[float32]
	sr         *ort.Tensor[int64]
	output     *ort.Tensor[float32]
	stateOut   *ort.Tensor[float32]

	window   int
	speech   float64
	silence  float64
	inSpeech bool
	closed   bool
}

// ProcessFrame implements vad.SessionHandle. samples must be exactly one
// model window.
func (s *session) ProcessFrame(samples []float32) (vad.VADEvent, error) {
	if s.closed {
		return vad.VADEvent{}, errors.New("silero: session is closed")
	}
	if len(samples) != s.window {
		return vad.VADEvent{}, fmt.Errorf("silero: frame size %d, want %d", len(samples), s.window)
	}

	copy(s.input.GetData(), samples)
	if err := s.ortSession.Run(); err != nil {
		return vad.VADEvent{}, fmt.Errorf("silero: inference: %w", err)
	}

	// Carry the recurrent state into the next frame.
	copy(s.state.GetData(), s.stateOut.GetData())

	prob := float64(s.output.GetData()[0])
	typ, inSpeech := classify(prob, s.speech, s.silence, s.inSpeech)
	s.inSpeech = inSpeech

	return vad.VADEvent{Type: typ, Probability: prob}, nil
}

// Reset implements vad.SessionHandle. It zeroes the recurrent state so the
// next frame starts a fresh stream.
func (s *session) Reset() {
	s.inSpeech = false
	if s.closed {
		return
	}
	data := s.state.GetData()
	for i := range data {
		data[i] = 0
	}
}

// Close implements vad.SessionHandle.
func (s *session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.ortSession.Destroy()
	s.input.Destroy()
	s.state.Destroy()
	s.sr.Destroy()
	s.output.Destroy()
	s.stateOut.Destroy()
	return nil
}

// classify turns a speech probability into an event type, applying hysteresis
// between the speech and silence thresholds. It returns the event type and
// the updated in-speech flag.
func classify(prob, speech, silence float64, inSpeech bool) (vad.VADEventType, bool) {
	switch {
	case prob >= speech:
		if inSpeech {
			return vad.VADSpeechContinue, true
		}
		return vad.VADSpeechStart, true
	case prob < silence:
		if inSpeech {
			return vad.VADSpeechEnd, false
		}
		return vad.VADSilence, false
	default:
		if inSpeech {
			return vad.VADSpeechContinue, true
		}
		return vad.VADSilence, false
	}
}
