package listener

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"

	"crabstack.local/projects/crab-voice/internal/lifecycle"
)

const Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates | discordgo.IntentsGuildMembers

// VoiceHandler receives the gateway events the listener translates.
type VoiceHandler interface {
	HandleVoiceStateUpdate(ctx context.Context, change lifecycle.VoiceStateChange)
	EnsureTriggerChannel(ctx context.Context, guildID string) (lifecycle.ChannelInfo, error)
	StartSweeper(ctx context.Context, connected func() bool) error
	StopSweeper()
}

type Listener struct {
	session *discordgo.Session
	handler VoiceHandler
	logger  *log.Logger

	connected atomic.Bool

	mu        sync.Mutex
	running   bool
	runCtx    context.Context
	onConnect func()
}

// NewSession builds a gateway session with voice state tracking enabled.
func NewSession(token string) (*discordgo.Session, error) {
	s, err := discordgo.New(normalizeBotToken(token))
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	s.Identify.Intents = Intents
	s.StateEnabled = true
	s.State.TrackChannels = true
	s.State.TrackVoice = true
	s.State.TrackMembers = true
	return s, nil
}

func NewListener(session *discordgo.Session, handler VoiceHandler, logger *log.Logger) *Listener {
	if session == nil {
		panic("listener: session is required")
	}
	if handler == nil {
		panic("listener: handler is required")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	l := &Listener{
		session: session,
		handler: handler,
		logger:  logger,
	}
	session.AddHandler(l.onReady)
	session.AddHandler(l.onGuildCreate)
	session.AddHandler(l.onVoiceStateUpdate)
	session.AddHandler(l.onDisconnect)
	session.AddHandler(l.onResumed)
	return l
}

// Connected reports whether the gateway session is currently usable.
func (l *Listener) Connected() bool {
	return l.connected.Load()
}

// Run opens the session and blocks until ctx is done. connected is called on
// every Ready event.
func (l *Listener) Run(ctx context.Context, connected func()) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return fmt.Errorf("listener already running")
	}
	l.running = true
	l.runCtx = ctx
	l.onConnect = connected
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.running = false
		l.onConnect = nil
		l.mu.Unlock()
	}()

	if err := l.session.Open(); err != nil {
		_ = l.session.Close()
		return fmt.Errorf("open discord session: %w", err)
	}
	l.logger.Printf("discord session opened")

	<-ctx.Done()

	l.handler.StopSweeper()
	l.connected.Store(false)
	if err := l.session.Close(); err != nil {
		return fmt.Errorf("close discord session: %w", err)
	}
	l.logger.Printf("discord session closed")
	return nil
}

func (l *Listener) baseContext() context.Context {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.runCtx == nil {
		return context.Background()
	}
	return l.runCtx
}

func (l *Listener) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	if r == nil {
		return
	}
	l.connected.Store(true)
	username := ""
	if r.User != nil {
		username = r.User.Username
	}
	l.logger.Printf("discord ready user=%s guilds=%d", username, len(r.Guilds))

	l.mu.Lock()
	onConnect := l.onConnect
	l.mu.Unlock()
	if onConnect != nil {
		onConnect()
	}

	err := l.handler.StartSweeper(l.baseContext(), l.Connected)
	if err != nil && !errors.Is(err, lifecycle.ErrSweeperAlreadyStarted) {
		l.logger.Printf("failed to start sweeper: %v", err)
	}
}

func (l *Listener) onGuildCreate(_ *discordgo.Session, g *discordgo.GuildCreate) {
	if g == nil || g.Guild == nil || g.Unavailable {
		return
	}
	trigger, err := l.handler.EnsureTriggerChannel(l.baseContext(), g.ID)
	if err != nil {
		l.logger.Printf("trigger channel setup failed guild_id=%s err=%v", g.ID, err)
		return
	}
	l.logger.Printf("trigger channel ready guild_id=%s channel_id=%s", g.ID, trigger.ID)
}

func (l *Listener) onVoiceStateUpdate(s *discordgo.Session, v *discordgo.VoiceStateUpdate) {
	var state *discordgo.State
	if s != nil {
		state = s.State
	}
	change, ok := voiceStateChange(state, v)
	if !ok {
		return
	}
	l.handler.HandleVoiceStateUpdate(l.baseContext(), change)
}

func (l *Listener) onDisconnect(_ *discordgo.Session, _ *discordgo.Disconnect) {
	l.connected.Store(false)
	l.logger.Printf("discord session disconnected")
}

func (l *Listener) onResumed(_ *discordgo.Session, _ *discordgo.Resumed) {
	l.connected.Store(true)
	l.logger.Printf("discord session resumed")
}

// voiceStateChange translates a gateway voice state update. The previous
// channel comes from BeforeUpdate, which the session state fills in.
func voiceStateChange(state *discordgo.State, v *discordgo.VoiceStateUpdate) (lifecycle.VoiceStateChange, bool) {
	if v == nil || v.VoiceState == nil {
		return lifecycle.VoiceStateChange{}, false
	}
	userID := strings.TrimSpace(v.UserID)
	if userID == "" && v.Member != nil && v.Member.User != nil {
		userID = v.Member.User.ID
	}
	if userID == "" {
		return lifecycle.VoiceStateChange{}, false
	}

	member := v.Member
	if member == nil && state != nil {
		if cached, err := state.Member(v.GuildID, userID); err == nil {
			member = cached
		}
	}

	change := lifecycle.VoiceStateChange{
		GuildID: v.GuildID,
		Member: lifecycle.Member{
			ID:          userID,
			DisplayName: displayName(member),
		},
	}
	if v.BeforeUpdate != nil && v.BeforeUpdate.ChannelID != "" {
		before := lookupChannel(state, v.GuildID, v.BeforeUpdate.ChannelID)
		change.Before = &before
	}
	if v.ChannelID != "" {
		after := lookupChannel(state, v.GuildID, v.ChannelID)
		change.After = &after
	}
	return change, true
}

func lookupChannel(state *discordgo.State, guildID, channelID string) lifecycle.ChannelInfo {
	if state != nil {
		if ch, err := state.Channel(channelID); err == nil {
			return channelInfo(ch)
		}
	}
	return lifecycle.ChannelInfo{ID: channelID, GuildID: guildID}
}

func displayName(member *discordgo.Member) string {
	if member == nil {
		return ""
	}
	if nick := strings.TrimSpace(member.Nick); nick != "" {
		return nick
	}
	if member.User == nil {
		return ""
	}
	if global := strings.TrimSpace(member.User.GlobalName); global != "" {
		return global
	}
	return strings.TrimSpace(member.User.Username)
}

func normalizeBotToken(token string) string {
	token = strings.TrimSpace(token)
	if strings.HasPrefix(strings.ToLower(token), "bot ") {
		return token
	}
	return "Bot " + token
}
