// Package welcome plays pre-recorded server transmissions to clients on
// connect and channel join.
package welcome

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/snarg/ptt-relay/internal/audio"
	"github.com/snarg/ptt-relay/internal/database"
	"github.com/snarg/ptt-relay/internal/relay"
)

// Welcome audio files are raw pcm16 mono at this rate unless the file
// extension says opus.
const defaultSampleRate = 48000

// chunkBytes is the raw payload size per emitted audio frame.
const chunkBytes = 32 * 1024

// reloadDebounce coalesces rapid fsnotify events into one reload.
const reloadDebounce = 500 * time.Millisecond

// Store is the subset of the database the player needs.
type Store interface {
	EnabledWelcomeMessages(ctx context.Context, trigger, channel string) ([]database.WelcomeRow, error)
	MarkWelcomePlayed(ctx context.Context, id int64) error
}

// Player loads welcome rows and their audio files and delivers them to
// target connections as audio_start/audio/audio_end sequences. It
// implements the engine's WelcomeHook.
type Player struct {
	store    Store
	audioDir string
	log      zerolog.Logger

	mu    sync.RWMutex
	files map[string][]byte // audio_file → raw bytes

	watcher *fsnotify.Watcher

	debounceMu    sync.Mutex
	debounceTimer *time.Timer
}

func NewPlayer(store Store, audioDir string, log zerolog.Logger) *Player {
	return &Player{
		store:    store,
		audioDir: audioDir,
		log:      log.With().Str("component", "welcome").Logger(),
		files:    make(map[string][]byte),
	}
}

// OnConnect plays connect-triggered rows to the newly named connection.
func (p *Player) OnConnect(t relay.WelcomeTarget) {
	p.play(t, "connect", "")
}

// OnChannelJoin plays channel_join-triggered rows whose channel pin is
// empty or matches.
func (p *Player) OnChannelJoin(t relay.WelcomeTarget, channel string) {
	p.play(t, "channel_join", channel)
}

func (p *Player) play(t relay.WelcomeTarget, trigger, channel string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rows, err := p.store.EnabledWelcomeMessages(ctx, trigger, channel)
	if err != nil {
		p.log.Error().Err(err).Str("trigger", trigger).Msg("failed to load welcome rows")
		return
	}

	for _, row := range rows {
		raw, err := p.fileBytes(row.AudioFile)
		if err != nil {
			p.log.Warn().Err(err).Str("file", row.AudioFile).Msg("welcome audio unreadable, skipping")
			continue
		}

		codec := audio.CodecPCM16
		if strings.HasSuffix(strings.ToLower(row.AudioFile), ".opus") {
			codec = audio.CodecOpus
		}

		p.emit(t, channel, codec, raw)

		if err := p.store.MarkWelcomePlayed(ctx, row.ID); err != nil {
			p.log.Warn().Err(err).Int64("welcome_id", row.ID).Msg("failed to record welcome play")
		}
		p.log.Debug().
			Str("name", row.Name).
			Str("trigger", trigger).
			Int("bytes", len(raw)).
			Msg("welcome message played")
	}
}

// emit sends one welcome transmission to the target connection only.
func (p *Player) emit(t relay.WelcomeTarget, channel, codec string, raw []byte) {
	t.Send(relay.WelcomeStart(channel, codec, defaultSampleRate))
	for off := 0; off < len(raw); off += chunkBytes {
		end := off + chunkBytes
		if end > len(raw) {
			end = len(raw)
		}
		t.Send(relay.WelcomeChunk(channel, codec, defaultSampleRate, base64.StdEncoding.EncodeToString(raw[off:end])))
	}
	t.Send(relay.WelcomeEnd(channel))
}

// fileBytes returns the cached audio file contents, reading from disk on
// first use. Paths are confined to the audio dir.
func (p *Player) fileBytes(name string) ([]byte, error) {
	p.mu.RLock()
	raw, ok := p.files[name]
	p.mu.RUnlock()
	if ok {
		return raw, nil
	}

	path := filepath.Join(p.audioDir, filepath.Base(name))
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.files[name] = raw
	p.mu.Unlock()
	return raw, nil
}

// Reload drops the file cache so the next play re-reads from disk.
// Called by the reload_welcome_messages frame and the dir watcher.
func (p *Player) Reload(ctx context.Context) error {
	p.mu.Lock()
	p.files = make(map[string][]byte)
	p.mu.Unlock()

	// Touch the store so a broken connection surfaces now rather than on
	// the next play.
	_, err := p.store.EnabledWelcomeMessages(ctx, "connect", "")
	if err != nil {
		return err
	}
	p.log.Info().Msg("welcome messages reloaded")
	return nil
}

// Watch starts an fsnotify watcher on the audio directory and reloads on
// change, debounced. Returns without error if the directory is missing;
// welcome playback is optional.
func (p *Player) Watch(ctx context.Context) error {
	if _, err := os.Stat(p.audioDir); err != nil {
		p.log.Info().Str("dir", p.audioDir).Msg("welcome audio dir absent, watcher disabled")
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(p.audioDir); err != nil {
		w.Close()
		return err
	}
	p.watcher = w

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
					p.scheduleReload()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				p.log.Warn().Err(err).Msg("welcome watcher error")
			}
		}
	}()

	p.log.Info().Str("dir", p.audioDir).Msg("welcome audio watcher started")
	return nil
}

// scheduleReload coalesces rapid events into one reload.
func (p *Player) scheduleReload() {
	p.debounceMu.Lock()
	defer p.debounceMu.Unlock()

	if p.debounceTimer != nil {
		p.debounceTimer.Stop()
	}
	p.debounceTimer = time.AfterFunc(reloadDebounce, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.Reload(ctx); err != nil {
			p.log.Warn().Err(err).Msg("debounced welcome reload failed")
		}
	})
}
