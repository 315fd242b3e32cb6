package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Encoding names the wire format of an audio_chunk payload.
type Encoding string

const (
	EncodingLinear16 Encoding = "linear16"
	EncodingMulaw    Encoding = "mulaw"
)

// BytesToSamples decodes little-endian 16-bit PCM.
func BytesToSamples(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples
}

// SamplesToBytes encodes samples as little-endian 16-bit PCM.
func SamplesToBytes(samples []int16) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}
	return pcm
}

// Encode converts linear16 PCM to the given wire encoding.
func Encode(pcm []byte, enc Encoding) ([]byte, error) {
	switch enc {
	case EncodingLinear16, "":
		return pcm, nil
	case EncodingMulaw:
		if len(pcm)%2 != 0 {
			return nil, fmt.Errorf("PCM data length must be even (16-bit samples)")
		}
		samples := BytesToSamples(pcm)
		out := make([]byte, len(samples))
		for i, s := range samples {
			out[i] = linearToMulaw(s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported encoding %q", enc)
}

// Decode converts a wire payload back to linear16 PCM.
func Decode(data []byte, enc Encoding) ([]byte, error) {
	switch enc {
	case EncodingLinear16, "":
		return data, nil
	case EncodingMulaw:
		samples := make([]int16, len(data))
		for i, b := range data {
			samples[i] = mulawToLinear(b)
		}
		return SamplesToBytes(samples), nil
	}
	return nil, fmt.Errorf("unsupported encoding %q", enc)
}

// Resample performs linear interpolation resampling. Provider audio
// (e.g. 24kHz synthesis) is brought to the playback rate with it.
func Resample(samples []int16, inputRate, outputRate int) []int16 {
	if inputRate == outputRate || len(samples) == 0 {
		return samples
	}

	ratio := float64(outputRate) / float64(inputRate)
	output := make([]int16, len(samples)*outputRate/inputRate)
	last := len(samples) - 1
	for i := range output {
		pos := float64(i) / ratio
		idx0 := int(pos)
		idx1 := min(idx0+1, last)
		fraction := pos - float64(idx0)
		output[i] = int16(float64(samples[idx0])*(1.0-fraction) + float64(samples[idx1])*fraction)
	}
	return output
}

// G.711 mu-law, ITU-T reference algorithm.
const (
	mulawClip = 32635
	mulawBias = 0x84
)

func linearToMulaw(sample int16) byte {
	s := int32(sample)
	sign := byte(0)
	if s < 0 {
		sign = 0x80
		s = -s
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias

	exponent := byte(7)
	for mask := int32(0x4000); s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((s >> (exponent + 3)) & 0x0F)
	return ^(sign | exponent<<4 | mantissa)
}

func mulawToLinear(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exponent := (b >> 4) & 0x07
	mantissa := int32(b & 0x0F)

	magnitude := ((mantissa << 3) + mulawBias) << exponent
	magnitude -= mulawBias
	if sign != 0 {
		return int16(-magnitude)
	}
	return int16(magnitude)
}

// CalculateRMS calculates the root mean square (RMS) of audio samples.
// A constant-amplitude signal has an RMS equal to its amplitude.
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// SamplesPerChunk returns how many samples a chunk of duration d holds.
func SamplesPerChunk(sampleRate int, d time.Duration) int {
	return int(int64(sampleRate) * int64(d) / int64(time.Second))
}
