package relay

import "encoding/json"

// Frame type strings accepted from clients.
const (
	TypeAuthenticate   = "authenticate"
	TypeSetScreenName  = "set_screen_name"
	TypeJoinChannel    = "join_channel"
	TypeLeaveChannel   = "leave_channel"
	TypePTTStart       = "push_to_talk_start"
	TypeAudioData      = "audio_data"
	TypePTTEnd         = "push_to_talk_end"
	TypeHistoryRequest = "history_request"
	TypeReloadWelcome  = "reload_welcome_messages"
)

// Frame type strings originated by the server.
const (
	TypeAuthRequired    = "authentication_required"
	TypeAuthenticated   = "authenticated"
	TypeScreenNameSet   = "screen_name_set"
	TypeChannelJoined   = "channel_joined"
	TypeChannelLeft     = "channel_left"
	TypeParticipantJoin = "participant_joined"
	TypeParticipantLeft = "participant_left"
	TypeUserSpeaking    = "user_speaking"
	TypeAudioStart      = "audio_start"
	TypeAudio           = "audio"
	TypeAudioEnd        = "audio_end"
	TypeHistoryResponse = "history_response"
	TypeWelcomeReloaded = "welcome_messages_reloaded"
	TypeError           = "error"
)

// Error codes surfaced in error frames.
const (
	CodeAuthRequired      = "auth_required"
	CodeInvalidToken      = "invalid_token"
	CodeAnonymousDisabled = "anonymous_disabled"
	CodeNameInvalid       = "invalid_name"
	CodeNameTaken         = "screen_name_taken"
	CodeInvalidChannel    = "invalid_channel"
	CodeNotInChannel      = "not_in_channel"
	CodeInternalError     = "internal_error"
)

// inboundFrame is the union of every field a client frame may carry.
// The Type field discriminates; unused fields stay zero.
type inboundFrame struct {
	Type       string `json:"type"`
	Token      string `json:"token"`
	ScreenName string `json:"screen_name"`
	Channel    string `json:"channel"`
	Data       string `json:"data"`
	Codec      string `json:"codec"`
	Format     string `json:"format"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
	Bitrate    int    `json:"bitrate"`
	// Per-chunk duration declared by opus senders; pcm16 senders omit it.
	DurationMS int `json:"duration_ms"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type authRequiredFrame struct {
	Type string `json:"type"`
}

type authenticatedFrame struct {
	Type string            `json:"type"`
	User authenticatedUser `json:"user"`
}

type authenticatedUser struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type screenNameSetFrame struct {
	Type       string `json:"type"`
	ScreenName string `json:"screen_name"`
}

type channelJoinedFrame struct {
	Type         string `json:"type"`
	Channel      string `json:"channel"`
	Participants int    `json:"participants"`
}

type channelLeftFrame struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

type participantJoinedFrame struct {
	Type         string `json:"type"`
	ScreenName   string `json:"screen_name"`
	Participants int    `json:"participants"`
}

type participantLeftFrame struct {
	Type         string `json:"type"`
	Participants int    `json:"participants"`
}

type userSpeakingFrame struct {
	Type       string `json:"type"`
	Speaking   bool   `json:"speaking"`
	ScreenName string `json:"screen_name,omitempty"`
}

// audioDataFrame is a relayed chunk. Codec and Format are both omitempty:
// the relay carries through whichever field the sender used.
type audioDataFrame struct {
	Type       string `json:"type"`
	Channel    string `json:"channel"`
	Data       string `json:"data"`
	Codec      string `json:"codec,omitempty"`
	Format     string `json:"format,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	Bitrate    int    `json:"bitrate,omitempty"`
	DurationMS int    `json:"duration_ms,omitempty"`
}

// welcomeAudioFrame covers the audio_start / audio / audio_end triple used
// for server-originated welcome playback.
type welcomeAudioFrame struct {
	Type       string `json:"type"`
	Channel    string `json:"channel,omitempty"`
	Data       string `json:"data,omitempty"`
	Codec      string `json:"codec,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
	ScreenName string `json:"screen_name"`
	IsWelcome  bool   `json:"is_welcome"`
}

type historyResponseFrame struct {
	Type     string          `json:"type"`
	Channel  string          `json:"channel"`
	Messages json.RawMessage `json:"messages"`
}

type welcomeReloadedFrame struct {
	Type string `json:"type"`
}

// welcomeSender is the screen name welcome playback speaks under. The
// name is reserved so no client can claim it.
const welcomeSender = "Server"

// WelcomeStart builds the frame that opens a welcome transmission.
func WelcomeStart(channel, codec string, sampleRate int) any {
	return welcomeAudioFrame{
		Type:       TypeAudioStart,
		Channel:    channel,
		Codec:      codec,
		SampleRate: sampleRate,
		ScreenName: welcomeSender,
		IsWelcome:  true,
	}
}

// WelcomeChunk builds one welcome audio chunk frame.
func WelcomeChunk(channel, codec string, sampleRate int, data string) any {
	return welcomeAudioFrame{
		Type:       TypeAudio,
		Channel:    channel,
		Data:       data,
		Codec:      codec,
		SampleRate: sampleRate,
		ScreenName: welcomeSender,
		IsWelcome:  true,
	}
}

// WelcomeEnd builds the frame that closes a welcome transmission.
func WelcomeEnd(channel string) any {
	return welcomeAudioFrame{
		Type:       TypeAudioEnd,
		Channel:    channel,
		ScreenName: welcomeSender,
		IsWelcome:  true,
	}
}

func marshalFrame(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// All frame types marshal cleanly; a failure here is a programming error.
		panic(err)
	}
	return b
}
