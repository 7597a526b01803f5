package relay

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/snarg/ptt-relay/internal/audio"
	"github.com/snarg/ptt-relay/internal/config"
	"github.com/snarg/ptt-relay/internal/database"
	"github.com/snarg/ptt-relay/internal/metrics"
)

// HistoryStore is the persistence surface the engine needs: record one
// completed transmission, fetch a channel's retained history.
type HistoryStore interface {
	RecordMessage(ctx context.Context, m *database.MessageRow, maxCount int, maxAge time.Duration) (int64, error)
	ChannelHistory(ctx context.Context, channel string, maxCount int, maxAge time.Duration) ([]database.MessageRow, error)
}

// AccountDirectory answers whether a registered account owns a name.
type AccountDirectory interface {
	UsernameOwned(ctx context.Context, name string) (bool, error)
}

// TokenIdentity is the result of a successful token validation.
type TokenIdentity struct {
	UserID   int64
	Username string
}

// TokenValidator validates opaque access tokens. The cryptography lives
// in the auth collaborator; the engine only consumes the capability.
type TokenValidator interface {
	ValidateAccessToken(ctx context.Context, token string) (*TokenIdentity, error)
}

// WelcomeTarget is the delivery surface welcome playback writes to; a
// live Conn satisfies it.
type WelcomeTarget interface {
	Send(v any)
}

// WelcomeHook plays server-originated welcome transmissions.
type WelcomeHook interface {
	OnConnect(t WelcomeTarget)
	OnChannelJoin(t WelcomeTarget, channel string)
	Reload(ctx context.Context) error
}

// Screen names that can never be claimed; the server speaks as "Server"
// in welcome playback.
var reservedNames = map[string]bool{
	"server": true,
	"admin":  true,
}

// storeTimeout bounds individual store calls made from frame handlers.
const storeTimeout = 5 * time.Second

// Engine is the WebSocket protocol state machine. It owns the channel
// and identity registries and dispatches every inbound frame.
type Engine struct {
	cfg         *config.Config
	namePattern *regexp.Regexp
	txCap       int64

	store    HistoryStore
	accounts AccountDirectory
	tokens   TokenValidator
	welcome  WelcomeHook
	bus      *EventBus
	log      zerolog.Logger

	channels *ChannelRegistry
	idents   *IdentityRegistry

	nextConnID atomic.Uint64
	connCount  atomic.Int64
}

type EngineOptions struct {
	Config   *config.Config
	Store    HistoryStore
	Accounts AccountDirectory
	Tokens   TokenValidator // nil disables authenticate frames
	Welcome  WelcomeHook    // nil disables welcome playback
	Bus      *EventBus      // nil disables event publication
	Log      zerolog.Logger
}

func NewEngine(opts EngineOptions) *Engine {
	return &Engine{
		cfg:         opts.Config,
		namePattern: regexp.MustCompile(opts.Config.ScreenNamePattern),
		txCap:       opts.Config.EffectiveTransmissionCap(),
		store:       opts.Store,
		accounts:    opts.Accounts,
		tokens:      opts.Tokens,
		welcome:     opts.Welcome,
		bus:         opts.Bus,
		log:         opts.Log.With().Str("component", "relay").Logger(),
		channels:    NewChannelRegistry(),
		idents:      NewIdentityRegistry(),
	}
}

// Stats is a snapshot of live engine state for health reporting.
type Stats struct {
	Connections int64 `json:"connections"`
	Channels    int   `json:"channels"`
}

func (e *Engine) Stats() Stats {
	return Stats{
		Connections: e.connCount.Load(),
		Channels:    e.channels.ChannelCount(),
	}
}

// ServeConn runs one WebSocket connection to completion: pumps, the
// sequential frame loop, and cleanup. It blocks until the peer is gone.
func (e *Engine) ServeConn(ws *websocket.Conn, remoteIP string) {
	c := newConn(e.nextConnID.Add(1), ws, remoteIP, e, e.log)
	e.connCount.Add(1)
	metrics.ConnectionsActive.Inc()

	c.log.Info().Str("remote_ip", remoteIP).Msg("client connected")

	go c.writePump()

	if !e.cfg.AnonymousMode {
		c.Send(authRequiredFrame{Type: TypeAuthRequired})
	}

	c.readPump(e.cfg.MaxFrameBytes)
	c.close()
	e.cleanup(c)

	e.connCount.Add(-1)
	metrics.ConnectionsActive.Dec()
	c.log.Info().Msg("client disconnected")
}

// dropSlowPeer closes a peer whose send queue overflowed. Cleanup runs
// when its read loop unwinds; only the socket is touched here so the
// broadcaster never races the peer's own state.
func (e *Engine) dropSlowPeer(c *Conn) {
	metrics.FramesDropped.WithLabelValues("slow_peer").Inc()
	c.close()
}

// cleanup releases everything a connection held: channel membership
// (with participant_left broadcasts), its reserved name, and any open
// transmission buffer. The buffered chunks are discarded, never persisted.
func (e *Engine) cleanup(c *Conn) {
	c.tx = nil

	left := e.channels.RemoveFromAll(c)
	for ch, remaining := range left {
		metrics.ChannelsActive.Set(float64(e.channels.ChannelCount()))
		if remaining > 0 {
			e.broadcast(ch, participantLeftFrame{Type: TypeParticipantLeft, Participants: remaining}, c)
		}
		if e.bus != nil {
			e.bus.Publish(EventParticipantLeft, ch, map[string]any{
				"screen_name":  c.identity.ScreenName,
				"participants": remaining,
			})
		}
	}
	c.channel = ""

	e.idents.Release(c.id)
}

// handleFrame dispatches one inbound frame. Called sequentially from the
// connection's read loop.
func (e *Engine) handleFrame(c *Conn, payload []byte) {
	var f inboundFrame
	if err := json.Unmarshal(payload, &f); err != nil {
		metrics.FramesDropped.WithLabelValues("malformed").Inc()
		c.log.Debug().Err(err).Msg("malformed frame dropped")
		return
	}

	metrics.FramesReceived.WithLabelValues(f.Type).Inc()

	switch f.Type {
	case TypeAuthenticate:
		e.handleAuthenticate(c, &f)
	case TypeSetScreenName:
		e.handleSetScreenName(c, &f)
	case TypeJoinChannel:
		e.handleJoinChannel(c, &f)
	case TypeLeaveChannel:
		e.handleLeaveChannel(c)
	case TypePTTStart:
		e.handlePTTStart(c, &f)
	case TypeAudioData:
		e.handleAudioData(c, &f)
	case TypePTTEnd:
		e.handlePTTEnd(c)
	case TypeHistoryRequest:
		e.handleHistoryRequest(c, &f)
	case TypeReloadWelcome:
		e.handleReloadWelcome(c)
	default:
		metrics.FramesDropped.WithLabelValues("unknown_type").Inc()
		c.log.Debug().Str("type", f.Type).Msg("unknown frame type dropped")
	}
}

func (e *Engine) sendError(c *Conn, code, message string) {
	c.Send(errorFrame{Type: TypeError, Code: code, Message: message})
}

// broadcast marshals once and enqueues to every member except the
// originator.
func (e *Engine) broadcast(ch string, frame any, except *Conn) {
	sent := e.channels.Broadcast(ch, marshalFrame(frame), except)
	metrics.BroadcastFanout.Add(float64(sent))
}

// ── naming ───────────────────────────────────────────────────────────

func (e *Engine) handleAuthenticate(c *Conn, f *inboundFrame) {
	if c.identity.Named() {
		e.sendError(c, "", "already identified")
		return
	}
	if e.tokens == nil {
		e.sendError(c, CodeInvalidToken, "Authentication is not configured")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	ident, err := e.tokens.ValidateAccessToken(ctx, f.Token)
	if err != nil {
		e.sendError(c, CodeInvalidToken, "Invalid or expired token")
		return
	}

	if err := e.idents.BindAuthenticated(c.id, ident.UserID, ident.Username); err != nil {
		e.sendError(c, CodeNameTaken, "Screen name already in use")
		return
	}

	c.identity = Identity{Kind: IdentityAuthenticated, UserID: ident.UserID, ScreenName: ident.Username}
	c.Send(authenticatedFrame{
		Type: TypeAuthenticated,
		User: authenticatedUser{ID: ident.UserID, Username: ident.Username},
	})
	c.log.Info().Int64("user_id", ident.UserID).Str("screen_name", ident.Username).Msg("authenticated")

	if e.welcome != nil {
		go e.welcome.OnConnect(c)
	}
}

func (e *Engine) handleSetScreenName(c *Conn, f *inboundFrame) {
	if c.identity.Named() {
		e.sendError(c, "", "already identified")
		return
	}
	if !e.cfg.AnonymousMode {
		e.sendError(c, CodeAnonymousDisabled, "Anonymous mode is disabled")
		return
	}

	name := strings.TrimSpace(f.ScreenName)
	if err := e.validateScreenName(name); err != nil {
		e.sendError(c, CodeNameInvalid, err.Error())
		return
	}

	// A name owned by a registered account is never available to
	// anonymous callers, connected or not.
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	owned, err := e.accounts.UsernameOwned(ctx, name)
	if err != nil {
		e.sendError(c, CodeInternalError, "Temporary server error, try again")
		return
	}
	if owned {
		e.sendError(c, CodeNameTaken, "Screen name already in use")
		return
	}

	if err := e.idents.BindAnonymous(c.id, name); err != nil {
		e.sendError(c, CodeNameTaken, "Screen name already in use")
		return
	}

	c.identity = Identity{Kind: IdentityAnonymous, ScreenName: name}
	c.Send(screenNameSetFrame{Type: TypeScreenNameSet, ScreenName: name})
	c.log.Info().Str("screen_name", name).Msg("screen name set")

	if e.welcome != nil {
		go e.welcome.OnConnect(c)
	}
}

func (e *Engine) validateScreenName(name string) error {
	if len(name) < e.cfg.ScreenNameMinLength || len(name) > e.cfg.ScreenNameMaxLength {
		return errors.New("Screen name length out of bounds")
	}
	if !e.namePattern.MatchString(name) {
		return errors.New("Screen name contains invalid characters")
	}
	if reservedNames[strings.ToLower(name)] {
		return errors.New("Screen name is reserved")
	}
	return nil
}

// ── channel membership ───────────────────────────────────────────────

func (e *Engine) handleJoinChannel(c *Conn, f *inboundFrame) {
	if !c.identity.Named() {
		e.sendError(c, CodeAuthRequired, "Set a screen name or authenticate first")
		return
	}
	if !ValidChannelID(f.Channel) {
		e.sendError(c, CodeInvalidChannel, "Invalid channel: must be a number from 1 to 999")
		return
	}

	if c.channel == f.Channel {
		c.Send(channelJoinedFrame{
			Type:         TypeChannelJoined,
			Channel:      c.channel,
			Participants: e.channels.MemberCount(c.channel),
		})
		return
	}

	// Joining a new channel leaves the current one; an open transmission
	// dies with the membership.
	if c.channel != "" {
		e.leaveChannel(c, false)
	}

	count := e.channels.Attach(c, f.Channel)
	c.channel = f.Channel
	metrics.ChannelsActive.Set(float64(e.channels.ChannelCount()))

	c.Send(channelJoinedFrame{Type: TypeChannelJoined, Channel: f.Channel, Participants: count})
	e.broadcast(f.Channel, participantJoinedFrame{
		Type:         TypeParticipantJoin,
		ScreenName:   c.identity.ScreenName,
		Participants: count,
	}, c)

	if e.bus != nil {
		e.bus.Publish(EventParticipantJoined, f.Channel, map[string]any{
			"screen_name":  c.identity.ScreenName,
			"participants": count,
		})
	}
	c.log.Info().Str("channel", f.Channel).Int("participants", count).Msg("joined channel")

	if e.welcome != nil {
		go e.welcome.OnChannelJoin(c, f.Channel)
	}
}

func (e *Engine) handleLeaveChannel(c *Conn) {
	if c.channel == "" {
		e.sendError(c, CodeNotInChannel, "Not in a channel")
		return
	}
	e.leaveChannel(c, true)
}

// leaveChannel detaches the connection from its current channel,
// notifying the remaining members. notifyCaller controls whether the
// caller gets a channel_left frame (suppressed when the leave is the
// first half of a join).
func (e *Engine) leaveChannel(c *Conn, notifyCaller bool) {
	ch := c.channel
	c.tx = nil

	remaining := e.channels.Detach(c, ch)
	c.channel = ""
	metrics.ChannelsActive.Set(float64(e.channels.ChannelCount()))

	if remaining > 0 {
		e.broadcast(ch, participantLeftFrame{Type: TypeParticipantLeft, Participants: remaining}, c)
	}
	if notifyCaller {
		c.Send(channelLeftFrame{Type: TypeChannelLeft, Channel: ch})
	}
	if e.bus != nil {
		e.bus.Publish(EventParticipantLeft, ch, map[string]any{
			"screen_name":  c.identity.ScreenName,
			"participants": remaining,
		})
	}
	c.log.Info().Str("channel", ch).Msg("left channel")
}

// ── push-to-talk ─────────────────────────────────────────────────────

func (e *Engine) handlePTTStart(c *Conn, f *inboundFrame) {
	if c.channel == "" {
		e.sendError(c, CodeNotInChannel, "Join a channel before transmitting")
		return
	}
	if c.tx != nil {
		e.sendError(c, "", "transmission already active")
		return
	}

	tx := newTransmission(c.channel, c.clientID, time.Now())
	tx.SampleRate = f.SampleRate
	tx.Codec = audio.NormalizeCodec(f.Codec, f.Format)
	tx.Bitrate = f.Bitrate
	c.tx = tx

	e.broadcast(c.channel, userSpeakingFrame{
		Type:       TypeUserSpeaking,
		Speaking:   true,
		ScreenName: c.identity.ScreenName,
	}, c)
}

func (e *Engine) handleAudioData(c *Conn, f *inboundFrame) {
	if c.channel == "" {
		e.sendError(c, CodeNotInChannel, "Join a channel before transmitting")
		return
	}

	// Relay the chunk verbatim, carrying through whichever of codec or
	// format the sender used. Never echoed back to the sender.
	e.broadcast(c.channel, audioDataFrame{
		Type:       TypeAudioData,
		Channel:    c.channel,
		Data:       f.Data,
		Codec:      f.Codec,
		Format:     f.Format,
		SampleRate: f.SampleRate,
		Channels:   f.Channels,
		Bitrate:    f.Bitrate,
		DurationMS: f.DurationMS,
	}, c)

	// Only recognized codecs are buffered for history. A missed
	// push_to_talk_start opens the buffer lazily.
	codec := audio.NormalizeCodec(f.Codec, f.Format)
	if !audio.KnownCodec(codec) {
		return
	}

	if c.tx == nil {
		tx := newTransmission(c.channel, c.clientID, time.Now())
		c.tx = tx
	}
	if c.tx.Codec == "" || !audio.KnownCodec(c.tx.Codec) {
		c.tx.Codec = codec
	}
	if c.tx.SampleRate == 0 {
		c.tx.SampleRate = f.SampleRate
	}
	if c.tx.Bitrate == 0 {
		c.tx.Bitrate = f.Bitrate
	}

	if err := c.tx.Append(f.Data, f.DurationMS, e.txCap); err != nil {
		c.tx = nil
		metrics.FramesDropped.WithLabelValues("oversize_transmission").Inc()
		e.sendError(c, "", "transmission too large, discarded")
	}
}

func (e *Engine) handlePTTEnd(c *Conn) {
	if c.channel == "" {
		e.sendError(c, CodeNotInChannel, "Not in a channel")
		return
	}
	if c.tx == nil {
		e.sendError(c, "", "no active transmission")
		return
	}

	tx := c.tx
	c.tx = nil

	e.broadcast(c.channel, userSpeakingFrame{
		Type:       TypeUserSpeaking,
		Speaking:   false,
		ScreenName: c.identity.ScreenName,
	}, c)

	if tx.ChunkCount() == 0 {
		return
	}

	var userID *int64
	if c.identity.Kind == IdentityAuthenticated {
		uid := c.identity.UserID
		userID = &uid
	}

	// The write is fire-and-forget from the connection's point of view:
	// it runs on its own context and completes even if the peer is gone
	// by the time the row lands.
	go e.persistTransmission(c, tx, userID, c.identity.ScreenName, time.Now().UnixMilli())
}

func (e *Engine) persistTransmission(c *Conn, tx *Transmission, userID *int64, screenName string, timestampMS int64) {
	audioB64, durationMS, rawLen, err := tx.Finalize()
	if err != nil {
		c.log.Warn().Err(err).Str("channel", tx.Channel).Msg("transmission reassembly failed, discarding")
		metrics.FramesDropped.WithLabelValues("bad_chunk").Inc()
		return
	}

	row := &database.MessageRow{
		Channel:    tx.Channel,
		ClientID:   tx.ClientID,
		UserID:     userID,
		ScreenName: screenName,
		AudioData:  audioB64,
		SampleRate: tx.SampleRate,
		Codec:      tx.Codec,
		DurationMS: durationMS,
		Timestamp:  timestampMS,
	}
	if tx.Bitrate > 0 {
		row.Bitrate = &tx.Bitrate
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	id, err := e.store.RecordMessage(ctx, row, e.cfg.HistoryMaxCount, time.Duration(e.cfg.HistoryMaxAge)*time.Second)
	metrics.StoreWriteSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		c.log.Error().Err(err).Str("channel", tx.Channel).Msg("history write failed")
		e.sendError(c, CodeInternalError, "Failed to record transmission")
		return
	}

	metrics.TransmissionsRecorded.Inc()
	c.log.Debug().
		Int64("message_id", id).
		Str("channel", tx.Channel).
		Int("chunks", tx.ChunkCount()).
		Int("raw_bytes", rawLen).
		Int("duration_ms", durationMS).
		Msg("transmission recorded")

	if e.bus != nil {
		e.bus.Publish(EventTransmissionRecorded, tx.Channel, map[string]any{
			"message_id":  id,
			"screen_name": screenName,
			"duration_ms": durationMS,
			"codec":       tx.Codec,
		})
	}
}

// ── history and welcome ──────────────────────────────────────────────

func (e *Engine) handleHistoryRequest(c *Conn, f *inboundFrame) {
	if !c.identity.Named() {
		e.sendError(c, CodeAuthRequired, "Set a screen name or authenticate first")
		return
	}

	ch := f.Channel
	if ch == "" {
		ch = c.channel
	}
	if !ValidChannelID(ch) {
		e.sendError(c, CodeInvalidChannel, "Invalid channel: must be a number from 1 to 999")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	rows, err := e.store.ChannelHistory(ctx, ch, e.cfg.HistoryMaxCount, time.Duration(e.cfg.HistoryMaxAge)*time.Second)
	if err != nil {
		c.log.Error().Err(err).Str("channel", ch).Msg("history fetch failed")
		e.sendError(c, CodeInternalError, "Failed to fetch history")
		return
	}
	if rows == nil {
		rows = []database.MessageRow{}
	}

	msgs, err := json.Marshal(rows)
	if err != nil {
		e.sendError(c, CodeInternalError, "Failed to fetch history")
		return
	}
	c.Send(historyResponseFrame{Type: TypeHistoryResponse, Channel: ch, Messages: msgs})
}

func (e *Engine) handleReloadWelcome(c *Conn) {
	if !c.identity.Named() {
		e.sendError(c, CodeAuthRequired, "Set a screen name or authenticate first")
		return
	}
	if e.welcome != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := e.welcome.Reload(ctx); err != nil {
			c.log.Error().Err(err).Msg("welcome reload failed")
			e.sendError(c, CodeInternalError, "Failed to reload welcome messages")
			return
		}
	}
	c.Send(welcomeReloadedFrame{Type: TypeWelcomeReloaded})
}
