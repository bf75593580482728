package audio

import "encoding/binary"

// Decimate keeps every factor-th sample. There is no low-pass filter, so
// content above the new Nyquist frequency aliases.
func Decimate(pcm []int16, factor int) []int16 {
	if factor <= 1 {
		return pcm
	}
	out := make([]int16, 0, (len(pcm)+factor-1)/factor)
	for i := 0; i < len(pcm); i += factor {
		out = append(out, pcm[i])
	}
	return out
}

// Downmix averages interleaved channels into mono.
func Downmix(pcm []int16, channels int) []int16 {
	if channels <= 1 {
		return pcm
	}
	out := make([]int16, 0, len(pcm)/channels)
	for i := 0; i+channels <= len(pcm); i += channels {
		var sum int32
		for c := range channels {
			sum += int32(pcm[i+c])
		}
		out = append(out, int16(sum/int32(channels)))
	}
	return out
}

// AppendPCM16 appends samples as little-endian bytes.
func AppendPCM16(dst []byte, pcm []int16) []byte {
	for _, v := range pcm {
		dst = binary.LittleEndian.AppendUint16(dst, uint16(v))
	}
	return dst
}
