package relay

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/snarg/ptt-relay/internal/audio"
)

// ── Transmission ─────────────────────────────────────────────────────

func TestTransmission(t *testing.T) {
	t.Run("finalize_concatenates_decoded_chunks", func(t *testing.T) {
		tx := newTransmission("1", "client-a", time.Now())
		tx.Codec = audio.CodecPCM16
		tx.SampleRate = 48000

		parts := [][]byte{
			{0x10, 0x20, 0x30, 0x40},
			{0x50, 0x60},
			{0x70},
		}
		var want []byte
		for _, p := range parts {
			chunk := base64.StdEncoding.EncodeToString(p)
			if err := tx.Append(chunk, 0, 1<<20); err != nil {
				t.Fatalf("Append: %v", err)
			}
			want = append(want, p...)
		}

		audioB64, durationMS, rawLen, err := tx.Finalize()
		if err != nil {
			t.Fatalf("Finalize: %v", err)
		}
		raw, err := base64.StdEncoding.DecodeString(audioB64)
		if err != nil {
			t.Fatalf("decode result: %v", err)
		}
		if string(raw) != string(want) {
			t.Errorf("reassembled = %x, want %x", raw, want)
		}
		if rawLen != len(want) {
			t.Errorf("rawLen = %d, want %d", rawLen, len(want))
		}
		// 7 bytes of pcm16 at 48 kHz floors to 0 ms.
		if durationMS != 0 {
			t.Errorf("durationMS = %d, want 0", durationMS)
		}
	})

	t.Run("pcm16_duration_from_samples", func(t *testing.T) {
		tx := newTransmission("1", "client-a", time.Now())
		tx.Codec = audio.CodecPCM16
		tx.SampleRate = 16000

		// 16000 samples = 32000 bytes = exactly one second.
		raw := make([]byte, 32000)
		if err := tx.Append(base64.StdEncoding.EncodeToString(raw), 0, 1<<20); err != nil {
			t.Fatalf("Append: %v", err)
		}

		_, durationMS, _, err := tx.Finalize()
		if err != nil {
			t.Fatalf("Finalize: %v", err)
		}
		if durationMS != 1000 {
			t.Errorf("durationMS = %d, want 1000", durationMS)
		}
	})

	t.Run("opus_duration_sums_declared_chunks", func(t *testing.T) {
		tx := newTransmission("1", "client-a", time.Now())
		tx.Codec = audio.CodecOpus
		tx.SampleRate = 48000

		for i := 0; i < 3; i++ {
			chunk := base64.StdEncoding.EncodeToString([]byte{0xFC, 0xFF, 0xFE})
			if err := tx.Append(chunk, 20, 1<<20); err != nil {
				t.Fatalf("Append: %v", err)
			}
		}

		_, durationMS, _, err := tx.Finalize()
		if err != nil {
			t.Fatalf("Finalize: %v", err)
		}
		if durationMS != 60 {
			t.Errorf("durationMS = %d, want 60", durationMS)
		}
	})

	t.Run("append_enforces_byte_cap", func(t *testing.T) {
		tx := newTransmission("1", "client-a", time.Now())
		chunk := base64.StdEncoding.EncodeToString(make([]byte, 1024))

		if err := tx.Append(chunk, 0, 1024); err != nil {
			t.Fatalf("first append within cap: %v", err)
		}
		if err := tx.Append(chunk, 0, 1024); !errors.Is(err, ErrTransmissionTooLarge) {
			t.Errorf("over-cap append err = %v, want ErrTransmissionTooLarge", err)
		}
	})

	t.Run("finalize_rejects_bad_chunk", func(t *testing.T) {
		tx := newTransmission("1", "client-a", time.Now())
		tx.Append("%%%not-base64%%%", 0, 1<<20)
		if _, _, _, err := tx.Finalize(); err == nil {
			t.Error("expected error for invalid base64 chunk")
		}
	})
}
