package pcm

import "encoding/binary"

// BytesToSamples reinterprets PCM16LE bytes as int16 samples, reusing dst's
// backing array when it has enough capacity.
func BytesToSamples(dst []int16, src []byte) []int16 {
	n := len(src) / 2
	if cap(dst) < n {
		dst = make([]int16, n)
	} else {
		dst = dst[:n]
	}
	for i := 0; i < n; i++ {
		dst[i] = int16(binary.LittleEndian.Uint16(src[i*2 : i*2+2]))
	}
	return dst
}

// SamplesToBytes packs int16 samples as PCM16LE bytes.
func SamplesToBytes(dst []byte, src []int16) []byte {
	need := len(src) * 2
	if cap(dst) < need {
		dst = make([]byte, need)
	} else {
		dst = dst[:need]
	}
	for i, s := range src {
		binary.LittleEndian.PutUint16(dst[i*2:i*2+2], uint16(s))
	}
	return dst
}

// ConvertChannels adapts an interleaved PCM16 sample slice from inCh to outCh
// channels. Only mono<->stereo conversions are handled precisely (matching
// what a call can actually negotiate); anything else falls back to
// replicating channel 0 into each output channel.
func ConvertChannels(dst []int16, src []int16, inCh, outCh int) []int16 {
	if inCh <= 0 {
		inCh = 1
	}
	if outCh <= 0 {
		outCh = 1
	}
	if inCh == outCh {
		if cap(dst) < len(src) {
			dst = make([]int16, len(src))
		} else {
			dst = dst[:len(src)]
		}
		copy(dst, src)
		return dst
	}
	if inCh == 2 && outCh == 1 {
		n := len(src) / 2
		dst = ensureLen(dst, n)
		for i := 0; i < n; i++ {
			l, r := int32(src[i*2]), int32(src[i*2+1])
			dst[i] = int16((l + r) / 2)
		}
		return dst
	}
	if inCh == 1 && outCh == 2 {
		n := len(src) * 2
		dst = ensureLen(dst, n)
		for i, v := range src {
			dst[i*2] = v
			dst[i*2+1] = v
		}
		return dst
	}
	frames := len(src) / inCh
	dst = ensureLen(dst, frames*outCh)
	for f := 0; f < frames; f++ {
		v := src[f*inCh]
		for c := 0; c < outCh; c++ {
			dst[f*outCh+c] = v
		}
	}
	return dst
}

func ensureLen(dst []int16, n int) []int16 {
	if cap(dst) < n {
		return make([]int16, n)
	}
	return dst[:n]
}

// Silence returns n int16 zero samples, reusing dst's backing array.
func Silence(dst []int16, n int) []int16 {
	dst = ensureLen(dst, n)
	for i := range dst {
		dst[i] = 0
	}
	return dst
}
