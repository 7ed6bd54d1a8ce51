package silero

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/telfon-ai/telfon/pkg/provider/vad"
)

func TestNew_Validation(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("expected error for empty modelPath, got nil")
	}
	if _, err := New("/nonexistent/silero_vad.onnx"); err == nil {
		t.Error("expected error for missing model file, got nil")
	}
}

func TestNew_ExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "silero_vad.onnx")
	if err := os.WriteFile(path, []byte{0}, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := New(path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestWindowSize(t *testing.T) {
	tests := []struct {
		rate    int
		want    int
		wantErr bool
	}{
		{16000, 512, false},
		{8000, 256, false},
		{44100, 0, true},
		{0, 0, true},
	}
	for _, tc := range tests {
		got, err := windowSize(tc.rate)
		if tc.wantErr {
			if err == nil {
				t.Errorf("windowSize(%d): expected error, got nil", tc.rate)
			}
			continue
		}
		if err != nil {
			t.Errorf("windowSize(%d): unexpected error: %v", tc.rate, err)
			continue
		}
		if got != tc.want {
			t.Errorf("windowSize(%d) = %d, want %d", tc.rate, got, tc.want)
		}
	}
}

func TestNewSession_ConfigValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "silero_vad.onnx")
	if err := os.WriteFile(path, []byte{0}, 0o644); err != nil {
		t.Fatal(err)
	}
	e, err := New(path)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := e.NewSession(vad.Config{SampleRate: 44100}); err == nil {
		t.Error("expected error for unsupported sample rate, got nil")
	}
	if _, err := e.NewSession(vad.Config{SampleRate: 16000, FrameSize: 320}); err == nil {
		t.Error("expected error for frame size that is not the model window, got nil")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name         string
		prob         float64
		inSpeech     bool
		wantType     vad.VADEventType
		wantInSpeech bool
	}{
		{"silence stays silent", 0.1, false, vad.VADSilence, false},
		{"speech starts", 0.9, false, vad.VADSpeechStart, true},
		{"speech continues", 0.9, true, vad.VADSpeechContinue, true},
		{"speech ends", 0.1, true, vad.VADSpeechEnd, false},
		{"band holds speech", 0.4, true, vad.VADSpeechContinue, true},
		{"band holds silence", 0.4, false, vad.VADSilence, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			typ, inSpeech := classify(tc.prob, 0.6, 0.3, tc.inSpeech)
			if typ != tc.wantType {
				t.Errorf("type = %v, want %v", typ, tc.wantType)
			}
			if inSpeech != tc.wantInSpeech {
				t.Errorf("inSpeech = %v, want %v", inSpeech, tc.wantInSpeech)
			}
		})
	}
}
