package pcm

import "encoding/binary"

// EncodePCM16 converts normalized float samples to 16-bit signed
// little-endian PCM. Samples are scaled by 32768 and clamped to the
// int16 range, so inputs slightly outside [-1, 1] saturate instead of
// wrapping.
func EncodePCM16(samples []float32) []byte {
	if len(samples) == 0 {
		return nil
	}
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := int32(s * 32768)
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

// DecodePCM16 converts 16-bit signed little-endian PCM to normalized
// float samples in [-1, 1]. A trailing odd byte is dropped rather than
// rejected; malformed length is never an error.
func DecodePCM16(data []byte) []float32 {
	n := len(data) / 2
	if n == 0 {
		return nil
	}
	samples := make([]float32, n)
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(data[i*2:]))
		f := float32(s) / 32768.0
		if f > 1 {
			f = 1
		} else if f < -1 {
			f = -1
		}
		samples[i] = f
	}
	return samples
}
