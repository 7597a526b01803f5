package relay

import (
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/snarg/ptt-relay/internal/audio"
)

// ErrTransmissionTooLarge is returned when a transmission's accumulated
// raw bytes exceed the per-transmission cap.
var ErrTransmissionTooLarge = errors.New("transmission exceeds size cap")

// Transmission accumulates the chunks of one push-to-talk transmission
// between ptt start and end. It exists per (connection, channel) and is
// only ever touched by the owning connection's read loop, so it carries
// no lock.
type Transmission struct {
	Channel    string
	ClientID   string
	SampleRate int
	Codec      string
	Bitrate    int
	StartedAt  time.Time

	chunks   []string
	rawBytes int64
	opusMS   int
}

func newTransmission(channel, clientID string, startedAt time.Time) *Transmission {
	return &Transmission{
		Channel:   channel,
		ClientID:  clientID,
		StartedAt: startedAt,
	}
}

// Append records one base64 chunk. The raw size is computed from the
// encoded length and its trailing padding without decoding (the decode
// happens once at finalize); maxRawBytes bounds the running total so one
// talker cannot exhaust memory.
func (t *Transmission) Append(chunk string, declaredMS int, maxRawBytes int64) error {
	n := base64.StdEncoding.DecodedLen(len(chunk))
	if strings.HasSuffix(chunk, "==") {
		n -= 2
	} else if strings.HasSuffix(chunk, "=") {
		n--
	}
	t.rawBytes += int64(n)
	if t.rawBytes > maxRawBytes {
		return ErrTransmissionTooLarge
	}
	t.chunks = append(t.chunks, chunk)
	t.opusMS += declaredMS
	return nil
}

// ChunkCount returns how many chunks have been buffered.
func (t *Transmission) ChunkCount() int {
	return len(t.chunks)
}

// Finalize reconstructs the complete audio blob: each chunk is decoded
// individually, the raw byte sequences concatenated in arrival order,
// and the result encoded once. Returns the blob and its duration.
func (t *Transmission) Finalize() (audioB64 string, durationMS int, rawLen int, err error) {
	raw, err := audio.Reassemble(t.chunks)
	if err != nil {
		return "", 0, 0, err
	}
	durationMS = audio.DurationMS(t.Codec, len(raw), t.SampleRate, t.opusMS)
	return base64.StdEncoding.EncodeToString(raw), durationMS, len(raw), nil
}
