package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/ptt-relay/internal/config"
	"github.com/snarg/ptt-relay/internal/database"
)

// ── test fixtures ────────────────────────────────────────────────────

type fakeStore struct {
	mu       sync.Mutex
	rows     []database.MessageRow
	nextID   int64
	recorded chan database.MessageRow
	fail     bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{recorded: make(chan database.MessageRow, 16)}
}

func (s *fakeStore) RecordMessage(_ context.Context, m *database.MessageRow, maxCount int, _ time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return 0, fmt.Errorf("store down")
	}
	s.nextID++
	row := *m
	row.ID = s.nextID
	s.rows = append(s.rows, row)
	// Count-bound pruning, per channel.
	var kept []database.MessageRow
	perChannel := make(map[string]int)
	for i := len(s.rows) - 1; i >= 0; i-- {
		r := s.rows[i]
		if perChannel[r.Channel] < maxCount {
			perChannel[r.Channel]++
			kept = append([]database.MessageRow{r}, kept...)
		}
	}
	s.rows = kept
	s.recorded <- row
	return row.ID, nil
}

func (s *fakeStore) ChannelHistory(_ context.Context, channel string, _ int, _ time.Duration) ([]database.MessageRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, fmt.Errorf("store down")
	}
	var out []database.MessageRow
	for _, r := range s.rows {
		if r.Channel == channel {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeAccounts struct {
	mu    sync.Mutex
	owned map[string]bool
	fail  bool
}

func (f *fakeAccounts) UsernameOwned(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return false, fmt.Errorf("store down")
	}
	return f.owned[name], nil
}

type fakeTokens struct {
	identities map[string]*TokenIdentity
}

func (f *fakeTokens) ValidateAccessToken(_ context.Context, token string) (*TokenIdentity, error) {
	if id, ok := f.identities[token]; ok {
		return id, nil
	}
	return nil, fmt.Errorf("invalid token")
}

func testConfig() *config.Config {
	return &config.Config{
		HistoryMaxCount:     10,
		HistoryMaxAge:       300,
		AnonymousMode:       true,
		ScreenNameMinLength: 2,
		ScreenNameMaxLength: 20,
		ScreenNamePattern:   "^[A-Za-z0-9_-]+$",
		MaxFrameBytes:       1 << 20,
	}
}

type testHarness struct {
	engine   *Engine
	store    *fakeStore
	accounts *fakeAccounts
	tokens   *fakeTokens
}

func newHarness(t *testing.T, cfg *config.Config) *testHarness {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	store := newFakeStore()
	accounts := &fakeAccounts{owned: make(map[string]bool)}
	tokens := &fakeTokens{identities: make(map[string]*TokenIdentity)}
	engine := NewEngine(EngineOptions{
		Config:   cfg,
		Store:    store,
		Accounts: accounts,
		Tokens:   tokens,
		Log:      zerolog.Nop(),
	})
	return &testHarness{engine: engine, store: store, accounts: accounts, tokens: tokens}
}

// conn creates a connection that participates in the engine without a
// real socket; outbound frames are read straight from its send queue.
func (h *testHarness) conn(id uint64) *Conn {
	return newConn(id, nil, "127.0.0.1", h.engine, zerolog.Nop())
}

func (h *testHarness) frame(c *Conn, jsonFrame string) {
	h.engine.handleFrame(c, []byte(jsonFrame))
}

// named creates a connection and binds an anonymous screen name.
func (h *testHarness) named(t *testing.T, id uint64, name string) *Conn {
	t.Helper()
	c := h.conn(id)
	h.frame(c, fmt.Sprintf(`{"type":"set_screen_name","screen_name":%q}`, name))
	f := recv(t, c)
	if f["type"] != TypeScreenNameSet {
		t.Fatalf("expected screen_name_set, got %v", f)
	}
	return c
}

// joined creates a named connection and joins it to a channel, draining
// the channel_joined frame.
func (h *testHarness) joined(t *testing.T, id uint64, name, channel string) *Conn {
	t.Helper()
	c := h.named(t, id, name)
	h.frame(c, fmt.Sprintf(`{"type":"join_channel","channel":%q}`, channel))
	f := recv(t, c)
	if f["type"] != TypeChannelJoined {
		t.Fatalf("expected channel_joined, got %v", f)
	}
	return c
}

func recv(t *testing.T, c *Conn) map[string]any {
	t.Helper()
	select {
	case b := <-c.send:
		var m map[string]any
		if err := json.Unmarshal(b, &m); err != nil {
			t.Fatalf("bad frame %s: %v", b, err)
		}
		return m
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func recvNone(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case b := <-c.send:
		t.Fatalf("unexpected frame: %s", b)
	default:
	}
}

// ── naming ───────────────────────────────────────────────────────────

func TestScreenNames(t *testing.T) {
	t.Run("first_claim_wins_second_gets_taken", func(t *testing.T) {
		h := newHarness(t, nil)
		a, b := h.conn(1), h.conn(2)

		h.frame(a, `{"type":"set_screen_name","screen_name":"Alice"}`)
		f := recv(t, a)
		if f["type"] != TypeScreenNameSet || f["screen_name"] != "Alice" {
			t.Errorf("A got %v, want screen_name_set Alice", f)
		}

		h.frame(b, `{"type":"set_screen_name","screen_name":"Alice"}`)
		f = recv(t, b)
		if f["type"] != TypeError || f["code"] != CodeNameTaken {
			t.Errorf("B got %v, want error screen_name_taken", f)
		}
	})

	t.Run("account_owned_name_rejected", func(t *testing.T) {
		h := newHarness(t, nil)
		h.accounts.owned["Carol"] = true

		c := h.conn(1)
		h.frame(c, `{"type":"set_screen_name","screen_name":"Carol"}`)
		f := recv(t, c)
		if f["type"] != TypeError || f["code"] != CodeNameTaken {
			t.Errorf("got %v, want error screen_name_taken", f)
		}
	})

	t.Run("invalid_names_rejected", func(t *testing.T) {
		h := newHarness(t, nil)
		for _, name := range []string{"x", "has space", "way-too-long-for-the-default-bounds", "Server", "admin", "bad!chars"} {
			c := h.conn(1)
			h.frame(c, fmt.Sprintf(`{"type":"set_screen_name","screen_name":%q}`, name))
			f := recv(t, c)
			if f["type"] != TypeError || f["code"] != CodeNameInvalid {
				t.Errorf("name %q: got %v, want error invalid_name", name, f)
			}
		}
	})

	t.Run("anonymous_disabled_rejects_names", func(t *testing.T) {
		cfg := testConfig()
		cfg.AnonymousMode = false
		cfg.TokenSecret = "s"
		h := newHarness(t, cfg)

		c := h.conn(1)
		h.frame(c, `{"type":"set_screen_name","screen_name":"Alice"}`)
		f := recv(t, c)
		if f["type"] != TypeError || f["code"] != CodeAnonymousDisabled {
			t.Errorf("got %v, want error anonymous_disabled", f)
		}
	})

	t.Run("rename_after_bind_rejected", func(t *testing.T) {
		h := newHarness(t, nil)
		c := h.named(t, 1, "Alice")
		h.frame(c, `{"type":"set_screen_name","screen_name":"Alicia"}`)
		f := recv(t, c)
		if f["type"] != TypeError {
			t.Errorf("got %v, want error", f)
		}
	})

	t.Run("concurrent_claims_exactly_one_winner", func(t *testing.T) {
		h := newHarness(t, nil)
		const racers = 16

		var wg sync.WaitGroup
		conns := make([]*Conn, racers)
		start := make(chan struct{})
		for i := 0; i < racers; i++ {
			conns[i] = h.conn(uint64(i + 1))
			wg.Add(1)
			go func(c *Conn) {
				defer wg.Done()
				<-start
				h.frame(c, `{"type":"set_screen_name","screen_name":"Highlander"}`)
			}(conns[i])
		}
		close(start)
		wg.Wait()

		wins, taken := 0, 0
		for _, c := range conns {
			f := recv(t, c)
			switch {
			case f["type"] == TypeScreenNameSet:
				wins++
			case f["type"] == TypeError && f["code"] == CodeNameTaken:
				taken++
			default:
				t.Errorf("unexpected frame %v", f)
			}
		}
		if wins != 1 || taken != racers-1 {
			t.Errorf("wins=%d taken=%d, want 1/%d", wins, taken, racers-1)
		}
	})
}

func TestAuthenticate(t *testing.T) {
	t.Run("valid_token_binds_account_identity", func(t *testing.T) {
		h := newHarness(t, nil)
		h.tokens.identities["tok-1"] = &TokenIdentity{UserID: 42, Username: "Bob"}

		c := h.conn(1)
		h.frame(c, `{"type":"authenticate","token":"tok-1"}`)
		f := recv(t, c)
		if f["type"] != TypeAuthenticated {
			t.Fatalf("got %v, want authenticated", f)
		}
		user := f["user"].(map[string]any)
		if user["id"].(float64) != 42 || user["username"] != "Bob" {
			t.Errorf("user = %v", user)
		}
	})

	t.Run("bad_token_rejected", func(t *testing.T) {
		h := newHarness(t, nil)
		c := h.conn(1)
		h.frame(c, `{"type":"authenticate","token":"nope"}`)
		f := recv(t, c)
		if f["type"] != TypeError || f["code"] != CodeInvalidToken {
			t.Errorf("got %v, want error invalid_token", f)
		}
	})

	t.Run("second_session_same_account_rejected", func(t *testing.T) {
		h := newHarness(t, nil)
		h.tokens.identities["tok-1"] = &TokenIdentity{UserID: 42, Username: "Bob"}

		a := h.conn(1)
		h.frame(a, `{"type":"authenticate","token":"tok-1"}`)
		recv(t, a)

		b := h.conn(2)
		h.frame(b, `{"type":"authenticate","token":"tok-1"}`)
		f := recv(t, b)
		if f["type"] != TypeError || f["code"] != CodeNameTaken {
			t.Errorf("got %v, want error screen_name_taken", f)
		}
	})
}

// ── channel membership ───────────────────────────────────────────────

func TestChannels(t *testing.T) {
	t.Run("join_requires_identity", func(t *testing.T) {
		h := newHarness(t, nil)
		c := h.conn(1)
		h.frame(c, `{"type":"join_channel","channel":"1"}`)
		f := recv(t, c)
		if f["type"] != TypeError || f["code"] != CodeAuthRequired {
			t.Errorf("got %v, want error auth_required", f)
		}
	})

	t.Run("invalid_channel_rejected_valid_accepted", func(t *testing.T) {
		h := newHarness(t, nil)
		c := h.named(t, 1, "Alice")

		h.frame(c, `{"type":"join_channel","channel":"1000"}`)
		f := recv(t, c)
		if f["type"] != TypeError || f["code"] != CodeInvalidChannel {
			t.Errorf("got %v, want error invalid_channel", f)
		}

		h.frame(c, `{"type":"join_channel","channel":"2"}`)
		f = recv(t, c)
		if f["type"] != TypeChannelJoined || f["channel"] != "2" || f["participants"].(float64) != 1 {
			t.Errorf("got %v, want channel_joined 2 with 1 participant", f)
		}
	})

	t.Run("peers_see_participant_joined", func(t *testing.T) {
		h := newHarness(t, nil)
		a := h.joined(t, 1, "Alice", "1")
		_ = h.joined(t, 2, "Bob", "1")

		f := recv(t, a)
		if f["type"] != TypeParticipantJoin || f["screen_name"] != "Bob" || f["participants"].(float64) != 2 {
			t.Errorf("A got %v, want participant_joined Bob 2", f)
		}
	})

	t.Run("joining_new_channel_leaves_current", func(t *testing.T) {
		h := newHarness(t, nil)
		a := h.joined(t, 1, "Alice", "1")
		b := h.joined(t, 2, "Bob", "1")
		recv(t, a) // Bob's participant_joined

		h.frame(b, `{"type":"join_channel","channel":"2"}`)
		f := recv(t, b)
		if f["type"] != TypeChannelJoined || f["channel"] != "2" {
			t.Errorf("B got %v, want channel_joined 2", f)
		}

		f = recv(t, a)
		if f["type"] != TypeParticipantLeft || f["participants"].(float64) != 1 {
			t.Errorf("A got %v, want participant_left 1", f)
		}

		if b.channel != "2" {
			t.Errorf("B channel = %q, want 2", b.channel)
		}
		if h.engine.channels.MemberCount("1") != 1 {
			t.Errorf("channel 1 count = %d, want 1", h.engine.channels.MemberCount("1"))
		}
	})

	t.Run("leave_channel_notifies_both_sides", func(t *testing.T) {
		h := newHarness(t, nil)
		a := h.joined(t, 1, "Alice", "1")
		b := h.joined(t, 2, "Bob", "1")
		recv(t, a)

		h.frame(b, `{"type":"leave_channel"}`)
		f := recv(t, b)
		if f["type"] != TypeChannelLeft || f["channel"] != "1" {
			t.Errorf("B got %v, want channel_left 1", f)
		}
		f = recv(t, a)
		if f["type"] != TypeParticipantLeft {
			t.Errorf("A got %v, want participant_left", f)
		}
	})

	t.Run("leave_without_channel_errors", func(t *testing.T) {
		h := newHarness(t, nil)
		c := h.named(t, 1, "Alice")
		h.frame(c, `{"type":"leave_channel"}`)
		f := recv(t, c)
		if f["type"] != TypeError || f["code"] != CodeNotInChannel {
			t.Errorf("got %v, want error not_in_channel", f)
		}
	})

	t.Run("empty_channel_is_destroyed", func(t *testing.T) {
		h := newHarness(t, nil)
		c := h.joined(t, 1, "Alice", "7")
		h.frame(c, `{"type":"leave_channel"}`)
		recv(t, c)
		if h.engine.channels.ChannelCount() != 0 {
			t.Errorf("ChannelCount = %d, want 0", h.engine.channels.ChannelCount())
		}
	})
}

// ── push-to-talk and fan-out ─────────────────────────────────────────

func TestTransmissionFlow(t *testing.T) {
	t.Run("full_transmission_relays_and_persists", func(t *testing.T) {
		h := newHarness(t, nil)
		a := h.joined(t, 1, "Alice", "1")
		b := h.joined(t, 2, "Bob", "1")
		recv(t, a) // Bob joined

		h.frame(a, `{"type":"push_to_talk_start","sampleRate":48000,"codec":"pcm16"}`)
		f := recv(t, b)
		if f["type"] != TypeUserSpeaking || f["speaking"] != true || f["screen_name"] != "Alice" {
			t.Errorf("B got %v, want user_speaking true Alice", f)
		}

		chunks := []string{"AAAA", "BBBB", "CCCC"}
		for _, chunk := range chunks {
			h.frame(a, fmt.Sprintf(`{"type":"audio_data","channel":"1","data":%q,"codec":"pcm16","sampleRate":48000,"channels":1}`, chunk))
		}

		for i, want := range chunks {
			f := recv(t, b)
			if f["type"] != TypeAudioData {
				t.Fatalf("chunk %d: got %v", i, f)
			}
			if f["data"] != want || f["codec"] != "pcm16" || f["sampleRate"].(float64) != 48000 || f["channels"].(float64) != 1 {
				t.Errorf("chunk %d = %v, want data %q", i, f, want)
			}
		}
		// Sender never hears its own echoes.
		recvNone(t, a)

		h.frame(a, `{"type":"push_to_talk_end"}`)
		f = recv(t, b)
		if f["type"] != TypeUserSpeaking || f["speaking"] != false {
			t.Errorf("B got %v, want user_speaking false", f)
		}

		var row database.MessageRow
		select {
		case row = <-h.store.recorded:
		case <-time.After(time.Second):
			t.Fatal("no history row recorded")
		}

		var want []byte
		for _, c := range chunks {
			raw, _ := base64.StdEncoding.DecodeString(c)
			want = append(want, raw...)
		}
		got, err := base64.StdEncoding.DecodeString(row.AudioData)
		if err != nil {
			t.Fatalf("row audio not base64: %v", err)
		}
		if string(got) != string(want) {
			t.Errorf("row audio = %x, want %x", got, want)
		}
		if row.Channel != "1" || row.ScreenName != "Alice" || row.Codec != "pcm16" || row.SampleRate != 48000 {
			t.Errorf("row = %+v", row)
		}
		// 9 raw bytes of pcm16 at 48 kHz floors to 0 ms.
		if row.DurationMS != 0 {
			t.Errorf("DurationMS = %d, want 0", row.DurationMS)
		}
		if row.UserID != nil {
			t.Errorf("UserID = %v, want nil for anonymous sender", row.UserID)
		}
	})

	t.Run("chunks_arrive_in_send_order", func(t *testing.T) {
		h := newHarness(t, nil)
		a := h.joined(t, 1, "Alice", "1")
		b := h.joined(t, 2, "Bob", "1")
		recv(t, a)

		h.frame(a, `{"type":"push_to_talk_start","sampleRate":48000,"codec":"pcm16"}`)
		recv(t, b)

		const n = 50
		for i := 0; i < n; i++ {
			data := base64.StdEncoding.EncodeToString([]byte{byte(i)})
			h.frame(a, fmt.Sprintf(`{"type":"audio_data","channel":"1","data":%q,"codec":"pcm16","sampleRate":48000}`, data))
		}
		for i := 0; i < n; i++ {
			f := recv(t, b)
			raw, _ := base64.StdEncoding.DecodeString(f["data"].(string))
			if len(raw) != 1 || raw[0] != byte(i) {
				t.Fatalf("frame %d out of order: got %x", i, raw)
			}
		}
	})

	t.Run("format_field_carried_through", func(t *testing.T) {
		h := newHarness(t, nil)
		a := h.joined(t, 1, "Alice", "1")
		b := h.joined(t, 2, "Bob", "1")
		recv(t, a)

		h.frame(a, `{"type":"audio_data","channel":"1","data":"AAAA","format":"pcm16","sampleRate":48000}`)
		f := recv(t, b)
		if f["format"] != "pcm16" {
			t.Errorf("format = %v, want pcm16", f["format"])
		}
		if _, hasCodec := f["codec"]; hasCodec {
			t.Error("relayed frame grew a codec field the sender never sent")
		}
	})

	t.Run("audio_without_ptt_start_opens_buffer_lazily", func(t *testing.T) {
		h := newHarness(t, nil)
		a := h.joined(t, 1, "Alice", "1")

		h.frame(a, `{"type":"audio_data","channel":"1","data":"AAAA","codec":"pcm16","sampleRate":48000}`)
		if a.tx == nil {
			t.Fatal("no transmission buffer opened")
		}
		if a.tx.Codec != "pcm16" || a.tx.SampleRate != 48000 {
			t.Errorf("lazy buffer = %+v", a.tx)
		}
	})

	t.Run("unknown_codec_relayed_but_not_buffered", func(t *testing.T) {
		h := newHarness(t, nil)
		a := h.joined(t, 1, "Alice", "1")
		b := h.joined(t, 2, "Bob", "1")
		recv(t, a)

		h.frame(a, `{"type":"audio_data","channel":"1","data":"AAAA","codec":"g711","sampleRate":8000}`)
		f := recv(t, b)
		if f["type"] != TypeAudioData || f["codec"] != "g711" {
			t.Errorf("B got %v, want relayed g711 frame", f)
		}
		if a.tx != nil {
			t.Error("unknown codec opened a transmission buffer")
		}
	})

	t.Run("audio_without_channel_errors", func(t *testing.T) {
		h := newHarness(t, nil)
		c := h.named(t, 1, "Alice")
		h.frame(c, `{"type":"audio_data","data":"AAAA"}`)
		f := recv(t, c)
		if f["type"] != TypeError || f["code"] != CodeNotInChannel {
			t.Errorf("got %v, want error not_in_channel", f)
		}
	})

	t.Run("ptt_end_without_start_errors", func(t *testing.T) {
		h := newHarness(t, nil)
		c := h.joined(t, 1, "Alice", "1")
		h.frame(c, `{"type":"push_to_talk_end"}`)
		f := recv(t, c)
		if f["type"] != TypeError {
			t.Errorf("got %v, want error", f)
		}
	})

	t.Run("empty_transmission_not_persisted", func(t *testing.T) {
		h := newHarness(t, nil)
		a := h.joined(t, 1, "Alice", "1")

		h.frame(a, `{"type":"push_to_talk_start","sampleRate":48000,"codec":"pcm16"}`)
		h.frame(a, `{"type":"push_to_talk_end"}`)

		select {
		case row := <-h.store.recorded:
			t.Errorf("unexpected row persisted: %+v", row)
		case <-time.After(100 * time.Millisecond):
		}
	})

	t.Run("oversize_transmission_discarded", func(t *testing.T) {
		cfg := testConfig()
		cfg.MaxTransmissionBytes = 8
		h := newHarness(t, cfg)
		a := h.joined(t, 1, "Alice", "1")

		h.frame(a, `{"type":"push_to_talk_start","sampleRate":48000,"codec":"pcm16"}`)
		big := base64.StdEncoding.EncodeToString(make([]byte, 64))
		h.frame(a, fmt.Sprintf(`{"type":"audio_data","channel":"1","data":%q,"codec":"pcm16","sampleRate":48000}`, big))

		f := recv(t, a)
		if f["type"] != TypeError {
			t.Errorf("got %v, want error", f)
		}
		if a.tx != nil {
			t.Error("oversize buffer not discarded")
		}
	})

	t.Run("store_failure_surfaces_internal_error", func(t *testing.T) {
		h := newHarness(t, nil)
		a := h.joined(t, 1, "Alice", "1")
		h.store.fail = true

		h.frame(a, `{"type":"push_to_talk_start","sampleRate":48000,"codec":"pcm16"}`)
		h.frame(a, `{"type":"audio_data","channel":"1","data":"AAAA","codec":"pcm16","sampleRate":48000}`)
		h.frame(a, `{"type":"push_to_talk_end"}`)

		f := recv(t, a)
		if f["type"] != TypeError || f["code"] != CodeInternalError {
			t.Errorf("got %v, want error internal_error", f)
		}
	})
}

// ── history ──────────────────────────────────────────────────────────

func TestHistoryRequest(t *testing.T) {
	t.Run("returns_channel_rows", func(t *testing.T) {
		h := newHarness(t, nil)
		h.store.rows = []database.MessageRow{
			{ID: 1, Channel: "5", ScreenName: "Old", AudioData: "AAAA", Timestamp: 2000},
			{ID: 2, Channel: "5", ScreenName: "New", AudioData: "BBBB", Timestamp: 3000},
			{ID: 3, Channel: "6", ScreenName: "Other", AudioData: "CCCC", Timestamp: 4000},
		}

		c := h.named(t, 1, "Alice")
		h.frame(c, `{"type":"history_request","channel":"5"}`)
		f := recv(t, c)
		if f["type"] != TypeHistoryResponse || f["channel"] != "5" {
			t.Fatalf("got %v, want history_response 5", f)
		}
		msgs := f["messages"].([]any)
		if len(msgs) != 2 {
			t.Fatalf("messages = %d, want 2", len(msgs))
		}
		first := msgs[0].(map[string]any)
		if first["screen_name"] != "Old" || first["timestamp_ms"].(float64) != 2000 {
			t.Errorf("first message = %v", first)
		}
	})

	t.Run("defaults_to_current_channel", func(t *testing.T) {
		h := newHarness(t, nil)
		c := h.joined(t, 1, "Alice", "3")
		h.frame(c, `{"type":"history_request"}`)
		f := recv(t, c)
		if f["type"] != TypeHistoryResponse || f["channel"] != "3" {
			t.Errorf("got %v, want history_response 3", f)
		}
		if msgs := f["messages"].([]any); len(msgs) != 0 {
			t.Errorf("messages = %v, want empty array", msgs)
		}
	})

	t.Run("requires_identity", func(t *testing.T) {
		h := newHarness(t, nil)
		c := h.conn(1)
		h.frame(c, `{"type":"history_request","channel":"5"}`)
		f := recv(t, c)
		if f["type"] != TypeError || f["code"] != CodeAuthRequired {
			t.Errorf("got %v, want error auth_required", f)
		}
	})
}

// ── cleanup on disconnect ────────────────────────────────────────────

func TestDisconnectCleanup(t *testing.T) {
	t.Run("mid_transmission_close_drops_everything", func(t *testing.T) {
		h := newHarness(t, nil)
		a := h.joined(t, 1, "Alice", "1")
		b := h.joined(t, 2, "Bob", "1")
		recv(t, a)

		h.frame(a, `{"type":"push_to_talk_start","sampleRate":48000,"codec":"pcm16"}`)
		recv(t, b)
		h.frame(a, `{"type":"audio_data","channel":"1","data":"AAAA","codec":"pcm16","sampleRate":48000}`)
		h.frame(a, `{"type":"audio_data","channel":"1","data":"BBBB","codec":"pcm16","sampleRate":48000}`)
		recv(t, b)
		recv(t, b)

		a.close()
		h.engine.cleanup(a)

		// No row persisted from the aborted transmission.
		select {
		case row := <-h.store.recorded:
			t.Errorf("unexpected row persisted: %+v", row)
		case <-time.After(100 * time.Millisecond):
		}

		// Remaining member sees the departure with the updated count.
		f := recv(t, b)
		if f["type"] != TypeParticipantLeft || f["participants"].(float64) != 1 {
			t.Errorf("B got %v, want participant_left 1", f)
		}

		// The freed name is claimable again.
		c := h.conn(3)
		h.frame(c, `{"type":"set_screen_name","screen_name":"Alice"}`)
		f = recv(t, c)
		if f["type"] != TypeScreenNameSet {
			t.Errorf("reclaim got %v, want screen_name_set", f)
		}

		if h.engine.channels.MemberCount("1") != 1 {
			t.Errorf("channel count = %d, want 1", h.engine.channels.MemberCount("1"))
		}
	})

	t.Run("cleanup_is_idempotent", func(t *testing.T) {
		h := newHarness(t, nil)
		a := h.joined(t, 1, "Alice", "1")
		a.close()
		h.engine.cleanup(a)
		h.engine.cleanup(a)
		if h.engine.channels.ChannelCount() != 0 {
			t.Errorf("ChannelCount = %d, want 0", h.engine.channels.ChannelCount())
		}
	})
}

// ── frame hygiene ────────────────────────────────────────────────────

func TestFrameHygiene(t *testing.T) {
	t.Run("malformed_json_dropped_silently", func(t *testing.T) {
		h := newHarness(t, nil)
		c := h.conn(1)
		h.frame(c, `{not json`)
		recvNone(t, c)
	})

	t.Run("unknown_type_dropped_silently", func(t *testing.T) {
		h := newHarness(t, nil)
		c := h.conn(1)
		h.frame(c, `{"type":"dance"}`)
		recvNone(t, c)
	})

	t.Run("welcome_reload_acknowledged", func(t *testing.T) {
		h := newHarness(t, nil)
		c := h.named(t, 1, "Alice")
		h.frame(c, `{"type":"reload_welcome_messages"}`)
		f := recv(t, c)
		if f["type"] != TypeWelcomeReloaded {
			t.Errorf("got %v, want welcome_messages_reloaded", f)
		}
	})
}
