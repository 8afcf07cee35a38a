package audio

import (
	"encoding/binary"
	"fmt"
)

// MulawToPCM decodes G.711 μ-law bytes to 16-bit little-endian PCM
func MulawToPCM(mulaw []byte) []byte {
	pcm := make([]byte, len(mulaw)*2)
	for i, b := range mulaw {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(mulawToLinear(b)))
	}
	return pcm
}

// PCMToMulaw encodes 16-bit little-endian PCM to G.711 μ-law
func PCMToMulaw(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("PCM data length must be even (16-bit samples), got %d", len(pcm))
	}

	out := make([]byte, len(pcm)/2)
	for i := range out {
		out[i] = linearToMulaw(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return out, nil
}

// Transcode converts one frame between the supported encodings
func Transcode(data []byte, from, to Encoding) ([]byte, error) {
	switch {
	case from == to:
		return data, nil
	case from == EncodingMulaw && to == EncodingPCM16:
		return MulawToPCM(data), nil
	case from == EncodingPCM16 && to == EncodingMulaw:
		return PCMToMulaw(data)
	}
	return nil, fmt.Errorf("%w: cannot transcode %s to %s", ErrUnsupportedFormat, from, to)
}

// linearToMulaw converts a 16-bit linear PCM sample to 8-bit μ-law
// (ITU-T G.711, 14-bit magnitude range)
func linearToMulaw(sample int16) byte {
	const (
		clip = 8158
		bias = 0x21
	)

	var sign byte
	magnitude := int32(sample) >> 2
	if magnitude < 0 {
		sign = 0x80
		magnitude = -magnitude
	}
	if magnitude > clip {
		magnitude = clip
	}
	magnitude += bias

	// Segment is the position of the highest set bit above bit 5
	var segment byte
	for s := byte(7); s > 0; s-- {
		if magnitude >= int32(0x20)<<s {
			segment = s
			break
		}
	}

	mantissa := byte((magnitude >> (segment + 1)) & 0x0F)
	return ^(sign | (segment << 4) | mantissa)
}

// mulawToLinear converts an 8-bit μ-law sample to 16-bit linear PCM
func mulawToLinear(mulawByte byte) int16 {
	mulawByte = ^mulawByte

	sign := mulawByte & 0x80
	segment := int32((mulawByte >> 4) & 0x07)
	mantissa := int32(mulawByte & 0x0F)

	step := mantissa<<(segment+1) + int32(33)<<segment
	magnitude := (step - 33) << 2

	if sign != 0 {
		return int16(-magnitude)
	}
	return int16(magnitude)
}
