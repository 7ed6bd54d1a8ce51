package webaudio

import (
	"fmt"

	"layeh.com/gopus"
)

// Browser audio is 48 kHz mono Opus at 20 ms frame size.
const (
	opusSampleRate  = 48000
	opusChannels    = 1
	opusFrameSizeMs = 20
	// opusFrameSize is the number of samples per 20 ms frame.
	opusFrameSize = opusSampleRate * opusFrameSizeMs / 1000 // 960

	maxOpusPacket = 4000
)

// codec owns the per-connection Opus state. Decoder and encoder keep
// inter-frame prediction state, so one codec serves exactly one socket.
type codec struct {
	dec *gopus.Decoder
	enc *gopus.Encoder
}

func newCodec() (*codec, error) {
	dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("webaudio: create opus decoder: %w", err)
	}
	enc, err := gopus.NewEncoder(opusSampleRate, opusChannels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("webaudio: create opus encoder: %w", err)
	}
	return &codec{dec: dec, enc: enc}, nil
}

// decode turns one Opus packet into 48 kHz mono PCM bytes.
func (c *codec) decode(packet []byte) ([]byte, error) {
	pcm, err := c.dec.Decode(packet, opusFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("webaudio: opus decode: %w", err)
	}
	return int16sToBytes(pcm), nil
}

// encode turns one 20 ms frame of 48 kHz mono PCM bytes into an Opus packet.
func (c *codec) encode(pcmBytes []byte) ([]byte, error) {
	packet, err := c.enc.Encode(bytesToInt16s(pcmBytes), opusFrameSize, maxOpusPacket)
	if err != nil {
		return nil, fmt.Errorf("webaudio: opus encode: %w", err)
	}
	return packet, nil
}

func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

func bytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
