package audio

import "encoding/binary"

// Downsample48to24 converts 48kHz mono int16 samples to the upstream
// 24kHz rate by averaging consecutive sample pairs.
func Downsample48to24(in []int16) []int16 {
	out := make([]int16, len(in)/2)
	for i := range out {
		sum := int32(in[i*2]) + int32(in[i*2+1])
		out[i] = int16(sum / 2)
	}
	return out
}

// Upsample24to48 converts 24kHz mono int16 samples to 48kHz by
// duplicating each sample.
func Upsample24to48(in []int16) []int16 {
	out := make([]int16, len(in)*2)
	for i, s := range in {
		out[i*2] = s
		out[i*2+1] = s
	}
	return out
}

// Int16ToBytes converts int16 samples to an s16le byte slice.
func Int16ToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// BytesToInt16 converts an s16le byte slice to int16 samples.
func BytesToInt16(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples
}
