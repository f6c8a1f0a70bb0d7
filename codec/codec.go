// Package codec turns raw 16-bit little-endian stereo 48kHz PCM into
// 20ms Opus frames.
//
// Grounded on MrWong99-glyphoxa/pkg/audio/discord/opus.go (gopus encoder
// construction and PCM<->int16 conversion) and
// dgnsrekt-discorgeous-go/internal/discord/voice.go (frame-at-a-time encode
// loop shape), generalized to spec's lazy re-chunking pipeline.
package codec

import (
	"encoding/binary"
	"fmt"
	"io"

	"layeh.com/gopus"
)

const (
	// SampleRate is the PCM/Opus sample rate Discord voice uses.
	SampleRate = 48000
	// Channels is the PCM channel count Discord voice uses (stereo).
	Channels = 2
	// FrameDurationMS is the duration of a single Opus frame.
	FrameDurationMS = 20
	// frameSamples is samples-per-channel in one 20ms frame at 48kHz.
	frameSamples = SampleRate * FrameDurationMS / 1000 // 960

	// FrameBytes is the exact PCM byte length of one frame: 960 samples *
	// 2 channels * 2 bytes/sample.
	FrameBytes = frameSamples * Channels * 2 // 3840

	// MaxOpusFrameBytes bounds a single encoded frame's size.
	MaxOpusFrameBytes = 1276

	// SilenceFrameCount is how many silence frames are emitted on input
	// termination, to flush jitter buffers server-side.
	SilenceFrameCount = 10
)

// SilenceFrame is the canonical Opus "silence" frame reference clients send
// on stream end.
var SilenceFrame = []byte{0xf8, 0xff, 0xfe}

// Encoder is a restartable PCM->Opus pipeline. It holds no state beyond the
// frame it is currently processing.
type Encoder struct {
	enc *gopus.Encoder
}

// NewEncoder builds an Opus encoder configured for Discord voice: 48kHz,
// stereo, "audio" application.
func NewEncoder() (*Encoder, error) {
	enc, err := gopus.NewEncoder(SampleRate, Channels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("codec: new opus encoder: %w", err)
	}
	return &Encoder{enc: enc}, nil
}

// Emit is called once per produced Opus frame, in order, including the
// trailing silence frames.
type Emit func(frame []byte) error

// Encode reads r in exactly FrameBytes chunks, Opus-encodes each chunk, and
// calls emit for every frame produced. A final chunk shorter than FrameBytes
// is discarded without encoding. On successful input termination, exactly
// SilenceFrameCount copies of SilenceFrame are emitted afterward. Encode
// does no internal buffering beyond the one frame it is currently encoding.
func (e *Encoder) Encode(r io.Reader, emit Emit) error {
	buf := make([]byte, FrameBytes)
	for {
		_, err := io.ReadFull(r, buf)
		switch {
		case err == io.EOF:
			goto flush
		case err == io.ErrUnexpectedEOF:
			// trailing short chunk: discard, then flush.
			goto flush
		case err != nil:
			return fmt.Errorf("codec: read pcm: %w", err)
		}

		frame, encErr := e.encodeFrame(buf)
		if encErr != nil {
			return encErr
		}
		if err := emit(frame); err != nil {
			return err
		}
	}

flush:
	for i := 0; i < SilenceFrameCount; i++ {
		if err := emit(SilenceFrame); err != nil {
			return err
		}
	}
	return nil
}

func (e *Encoder) encodeFrame(pcm []byte) ([]byte, error) {
	samples := bytesToInt16(pcm)
	opus, err := e.enc.Encode(samples, frameSamples, MaxOpusFrameBytes)
	if err != nil {
		return nil, fmt.Errorf("codec: opus encode: %w", err)
	}
	return opus, nil
}

func bytesToInt16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}
