package audio

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// ErrUnsupportedFormat is returned for encodings or sample rates the gateway does not accept
var ErrUnsupportedFormat = errors.New("unsupported audio format")

// Encoding names the wire encoding of client audio frames
type Encoding string

const (
	EncodingPCM16 Encoding = "pcm_s16le" // 16-bit signed little-endian linear PCM, mono
	EncodingMulaw Encoding = "pcm_mulaw" // 8-bit G.711 μ-law, mono
)

// SupportedSampleRates lists the sample rates accepted from clients
var SupportedSampleRates = []int{8000, 16000, 22050, 24000, 44100, 48000}

// ParseEncoding accepts the canonical names plus common aliases
func ParseEncoding(s string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "pcm_s16le", "pcm16", "linear16", "s16le":
		return EncodingPCM16, nil
	case "pcm_mulaw", "mulaw", "ulaw", "pcmu":
		return EncodingMulaw, nil
	}
	return "", fmt.Errorf("%w: encoding %q", ErrUnsupportedFormat, s)
}

// Format describes a mono audio stream
type Format struct {
	Encoding   Encoding
	SampleRate int
}

// Validate checks the encoding and sample rate
func (f Format) Validate() error {
	if f.Encoding != EncodingPCM16 && f.Encoding != EncodingMulaw {
		return fmt.Errorf("%w: encoding %q", ErrUnsupportedFormat, f.Encoding)
	}
	if !slices.Contains(SupportedSampleRates, f.SampleRate) {
		return fmt.Errorf("%w: sample rate %d", ErrUnsupportedFormat, f.SampleRate)
	}
	return nil
}

// BytesPerSample returns the size of one sample
func (f Format) BytesPerSample() int {
	if f.Encoding == EncodingMulaw {
		return 1
	}
	return 2
}

// BytesPerSecond returns the byte rate of the stream
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.BytesPerSample()
}

// BytesFor returns the whole-sample byte length covering d
func (f Format) BytesFor(d time.Duration) int {
	samples := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	return samples * f.BytesPerSample()
}

// Duration returns the playback length of n bytes
func (f Format) Duration(n int) time.Duration {
	if f.BytesPerSecond() == 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(f.BytesPerSecond()))
}

func (f Format) String() string {
	return fmt.Sprintf("%s@%dHz", f.Encoding, f.SampleRate)
}
