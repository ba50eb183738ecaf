package live

import (
	"encoding/base64"
	"math"
)

// FloatsToPCM16 quantizes float samples in [-1, 1] to 16-bit signed
// little-endian PCM. Out-of-range samples are clamped rather than left to
// wrap around the int16 range.
func FloatsToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, f := range samples {
		v := math.Round(float64(f) * 32768.0)
		if v > 32767 {
			v = 32767
		}
		if v < -32768 {
			v = -32768
		}
		s := int16(v)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// PCM16ToFloats converts 16-bit signed little-endian PCM back to float
// samples in [-1, 1). A trailing odd byte is ignored.
func PCM16ToFloats(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := 0; i+1 < len(pcm); i += 2 {
		s := int16(pcm[i]) | int16(pcm[i+1])<<8
		out[i/2] = float32(s) / 32768.0
	}
	return out
}

// EncodePCM maps PCM bytes to the transport's text encoding.
func EncodePCM(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// DecodePCM is the inverse of EncodePCM.
func DecodePCM(text string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(text)
}

// RMSEnergy computes the root-mean-square energy of a float sample block.
// Zero for an empty block; otherwise bounded below by zero and, for
// in-range input, above by one.
func RMSEnergy(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// RMSEnergyPCM16 computes RMS energy directly over 16-bit little-endian
// PCM, normalized to [0, 1].
func RMSEnergyPCM16(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := 0; i+1 < len(pcm); i += 2 {
		s := int16(pcm[i]) | int16(pcm[i+1])<<8
		normalized := float64(s) / 32768.0
		sum += normalized * normalized
	}
	return math.Sqrt(sum / float64(samples))
}
