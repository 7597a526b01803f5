// Package audio holds codec constants and the chunk-reassembly math used
// when a transmission is finalized.
package audio

import (
	"encoding/base64"
	"fmt"
)

// Recognized codec values on the wire.
const (
	CodecPCM16 = "pcm16"
	CodecOpus  = "opus"
)

// pcm16 is 16-bit signed little-endian mono.
const bytesPerSamplePCM16 = 2

// KnownCodec reports whether the codec participates in history recording.
// Chunks in other codecs are still relayed live but never buffered.
func KnownCodec(codec string) bool {
	return codec == CodecPCM16 || codec == CodecOpus
}

// NormalizeCodec resolves the codec/format pair on an inbound frame.
// Either field may carry the value; absent both, pcm16 is assumed.
func NormalizeCodec(codec, format string) string {
	if codec != "" {
		return codec
	}
	if format != "" {
		return format
	}
	return CodecPCM16
}

// Reassemble base64-decodes each chunk individually and concatenates the
// raw byte sequences in order. Concatenating the base64 text instead would
// corrupt the stream at any chunk boundary not aligned to 3 raw bytes.
func Reassemble(chunks []string) ([]byte, error) {
	total := 0
	decoded := make([][]byte, len(chunks))
	for i, c := range chunks {
		raw, err := base64.StdEncoding.DecodeString(c)
		if err != nil {
			return nil, fmt.Errorf("chunk %d: %w", i, err)
		}
		decoded[i] = raw
		total += len(raw)
	}

	out := make([]byte, 0, total)
	for _, raw := range decoded {
		out = append(out, raw...)
	}
	return out, nil
}

// DurationMS computes a transmission's duration in milliseconds.
// For pcm16 it is derived from the raw byte count and sample rate.
// For opus the callers sum declared per-chunk durations; that sum is
// passed through here (0 when the chunks declared none).
func DurationMS(codec string, rawBytes int, sampleRate int, opusDeclaredMS int) int {
	switch codec {
	case CodecPCM16:
		if sampleRate <= 0 {
			return 0
		}
		// floor(rawBytes / bytesPerSample / sampleRate * 1000), floored
		// exactly once: an odd trailing byte still counts toward the
		// millisecond total.
		return int(int64(rawBytes) * 1000 / (int64(bytesPerSamplePCM16) * int64(sampleRate)))
	case CodecOpus:
		return opusDeclaredMS
	default:
		return 0
	}
}

// RawLen returns the decoded length of one base64 chunk without keeping
// the decoded bytes, for running transmission-size accounting.
func RawLen(chunk string) (int, error) {
	raw, err := base64.StdEncoding.DecodeString(chunk)
	if err != nil {
		return 0, err
	}
	return len(raw), nil
}
