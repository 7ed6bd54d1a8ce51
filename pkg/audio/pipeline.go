package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/telfon-ai/telfon/pkg/provider/vad"
	"github.com/telfon-ai/telfon/pkg/types"
)

// ErrNoUtterance is returned by [Capture.CaptureUtterance] when the timeout
// elapses without a completed utterance.
var ErrNoUtterance = errors.New("audio: no utterance captured before timeout")

// CaptureConfig holds the segmentation parameters for the capture pipeline.
type CaptureConfig struct {
	// SampleRate of the incoming audio in Hz. Default: 16000.
	SampleRate int

	// SilenceDuration is how long silence must persist after speech before
	// the utterance is considered finished. Default: 1s.
	SilenceDuration time.Duration

	// MaxRecordingDuration caps a single utterance; when reached the
	// utterance is emitted immediately. Default: 30s.
	MaxRecordingDuration time.Duration
}

func (c CaptureConfig) withDefaults() CaptureConfig {
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	if c.SilenceDuration == 0 {
		c.SilenceDuration = time.Second
	}
	if c.MaxRecordingDuration == 0 {
		c.MaxRecordingDuration = 30 * time.Second
	}
	return c
}

// CaptureCallbacks are the observer hooks invoked by [Capture] during
// segmentation. All callbacks are optional and run on the caller's goroutine.
type CaptureCallbacks struct {
	// OnSpeechStart fires when the VAD first detects speech.
	OnSpeechStart func()

	// OnUtterance fires with each completed utterance.
	OnUtterance func(types.Utterance)

	// OnSpeechEnd fires when the utterance is finalised.
	OnSpeechEnd func()
}

// Capture segments a continuous caller audio stream into discrete utterances
// using a VAD session. Frames are accumulated from speech onset until the
// configured silence duration elapses; the trailing silence is trimmed from
// the emitted utterance.
//
// Capture is safe for concurrent use, though frames are expected to arrive
// from a single pump goroutine.
type Capture struct {
	cfg CaptureConfig

	mu        sync.Mutex
	session   vad.SessionHandle
	callbacks CaptureCallbacks

	inSpeech       bool
	buf            []float32
	silenceSamples int
	probSum        float64
	probCount      int
	startSample    int64 // absolute sample index of utterance start
	totalSamples   int64 // absolute sample index of stream position
}

// NewCapture creates a capture pipeline on top of an open VAD session.
// The session is owned by the caller and not closed by Capture.
func NewCapture(session vad.SessionHandle, cfg CaptureConfig, cb CaptureCallbacks) *Capture {
	return &Capture{
		cfg:       cfg.withDefaults(),
		session:   session,
		callbacks: cb,
	}
}

// ProcessSamples feeds one frame of float32 samples through the VAD and the
// segmentation state machine.
func (c *Capture) ProcessSamples(samples []float32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	event, err := c.session.ProcessFrame(samples)
	if err != nil {
		return fmt.Errorf("audio: vad frame: %w", err)
	}
	c.totalSamples += int64(len(samples))

	switch {
	case event.Type.IsSpeech():
		if !c.inSpeech {
			c.inSpeech = true
			c.startSample = c.totalSamples - int64(len(samples))
			if c.callbacks.OnSpeechStart != nil {
				c.callbacks.OnSpeechStart()
			}
		}
		c.buf = append(c.buf, samples...)
		c.silenceSamples = 0
		c.probSum += event.Probability
		c.probCount++

	case c.inSpeech:
		// Silence inside an utterance: keep buffering until the silence
		// window elapses, then finalise without the trailing silence.
		c.buf = append(c.buf, samples...)
		c.silenceSamples += len(samples)
		if c.silenceDuration() >= c.cfg.SilenceDuration {
			c.finishLocked()
			return nil
		}
	}

	if c.inSpeech && c.recordedDuration() >= c.cfg.MaxRecordingDuration {
		slog.Warn("utterance reached max recording duration, forcing cut",
			"max", c.cfg.MaxRecordingDuration)
		c.finishLocked()
	}
	return nil
}

// ProcessFrame decodes a wire-level PCM frame and feeds it through the
// segmentation state machine.
func (c *Capture) ProcessFrame(frame AudioFrame) error {
	pcm := frame.Data
	if frame.Channels == 2 {
		pcm = StereoToMono(pcm)
	}
	if frame.SampleRate != 0 && frame.SampleRate != c.cfg.SampleRate {
		pcm = ResampleMono16(pcm, frame.SampleRate, c.cfg.SampleRate)
	}
	return c.ProcessSamples(PCM16ToSamples(pcm))
}

// Run pumps frames from in until the channel closes or ctx is cancelled.
// A pending utterance is flushed when the stream ends.
func (c *Capture) Run(ctx context.Context, in <-chan AudioFrame) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-in:
			if !ok {
				c.Flush()
				return nil
			}
			if err := c.ProcessFrame(frame); err != nil {
				return err
			}
		}
	}
}

// CaptureUtterance consumes frames from in until one utterance completes or
// timeout elapses. The configured OnUtterance callback is suppressed for the
// captured utterance and restored afterwards.
func (c *Capture) CaptureUtterance(ctx context.Context, in <-chan AudioFrame, timeout time.Duration) (types.Utterance, error) {
	c.mu.Lock()
	prev := c.callbacks.OnUtterance
	done := make(chan types.Utterance, 1)
	c.callbacks.OnUtterance = func(u types.Utterance) {
		select {
		case done <- u:
		default:
		}
	}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.callbacks.OnUtterance = prev
		c.mu.Unlock()
	}()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return types.Utterance{}, ctx.Err()
		case <-deadline.C:
			return types.Utterance{}, ErrNoUtterance
		case u := <-done:
			return u, nil
		case frame, ok := <-in:
			if !ok {
				c.Flush()
				select {
				case u := <-done:
					return u, nil
				default:
					return types.Utterance{}, ErrNoUtterance
				}
			}
			if err := c.ProcessFrame(frame); err != nil {
				return types.Utterance{}, err
			}
		}
	}
}

// Flush finalises a pending utterance, if any. Used when the stream ends
// mid-speech.
func (c *Capture) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inSpeech {
		c.finishLocked()
	}
}

// finishLocked emits the buffered utterance with trailing silence trimmed and
// resets the segmentation state. Caller holds c.mu.
func (c *Capture) finishLocked() {
	speech := c.buf[:len(c.buf)-c.silenceSamples]

	var confidence float64
	if c.probCount > 0 {
		confidence = c.probSum / float64(c.probCount)
	}

	u := types.Utterance{
		Samples:    append([]float32(nil), speech...),
		SampleRate: c.cfg.SampleRate,
		Start:      time.Duration(c.startSample) * time.Second / time.Duration(c.cfg.SampleRate),
		End:        time.Duration(c.startSample+int64(len(speech))) * time.Second / time.Duration(c.cfg.SampleRate),
		Confidence: confidence,
	}

	c.inSpeech = false
	c.buf = nil
	c.silenceSamples = 0
	c.probSum = 0
	c.probCount = 0
	c.session.Reset()

	if len(u.Samples) > 0 && c.callbacks.OnUtterance != nil {
		c.callbacks.OnUtterance(u)
	}
	if c.callbacks.OnSpeechEnd != nil {
		c.callbacks.OnSpeechEnd()
	}
}

func (c *Capture) silenceDuration() time.Duration {
	return time.Duration(c.silenceSamples) * time.Second / time.Duration(c.cfg.SampleRate)
}

func (c *Capture) recordedDuration() time.Duration {
	return time.Duration(len(c.buf)) * time.Second / time.Duration(c.cfg.SampleRate)
}

// Player writes synthesised audio to a call leg in fixed-size frames,
// converting WAV containers to the leg's raw format as needed.
type Player struct {
	out        chan<- AudioFrame
	sampleRate int
	frameSize  int
}

// NewPlayer creates a player targeting out. frameSize is in samples per
// frame; 320 matches the softswitch bridge's 20 ms framing at 16 kHz.
func NewPlayer(out chan<- AudioFrame, sampleRate, frameSize int) *Player {
	if sampleRate == 0 {
		sampleRate = 16000
	}
	if frameSize == 0 {
		frameSize = 320
	}
	return &Player{out: out, sampleRate: sampleRate, frameSize: frameSize}
}

// Play writes one synthesised audio blob to the leg. WAV input is unwrapped,
// downmixed and resampled to the leg format; anything else is treated as raw
// little-endian int16 PCM at the leg rate. Play returns early with ctx.Err()
// on cancellation, which is how barge-in and hangup stop playback.
func (p *Player) Play(ctx context.Context, data []byte) error {
	pcm := data
	if IsWAV(data) {
		decoded, rate, channels, err := DecodeWAV(data)
		if err != nil {
			return err
		}
		if channels == 2 {
			decoded = StereoToMono(decoded)
		}
		if rate != p.sampleRate {
			decoded = ResampleMono16(decoded, rate, p.sampleRate)
		}
		pcm = decoded
	}

	frameBytes := p.frameSize * 2
	for off := 0; off < len(pcm); off += frameBytes {
		end := off + frameBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		frame := AudioFrame{
			Data:       pcm[off:end],
			SampleRate: p.sampleRate,
			Channels:   1,
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p.out <- frame:
		}
	}
	return nil
}

// PlayStream plays audio chunks as they arrive until the channel closes or
// ctx is cancelled. The remaining chunks are drained on cancellation so the
// producer goroutine can exit.
func (p *Player) PlayStream(ctx context.Context, chunks <-chan []byte) error {
	for chunk := range chunks {
		if err := p.Play(ctx, chunk); err != nil {
			go Drain(chunks)
			return err
		}
	}
	return nil
}
