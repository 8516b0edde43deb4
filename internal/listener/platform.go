package listener

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/bwmarrin/discordgo"

	"crabstack.local/projects/crab-voice/internal/lifecycle"
)

// ErrOccupancyUnknown means the voice state cache cannot answer for a guild.
var ErrOccupancyUnknown = errors.New("voice occupancy unknown")

// SessionPlatform implements lifecycle.Platform over a discordgo session.
// Channel metadata is read over REST; occupancy comes from the gateway
// voice state cache.
type SessionPlatform struct {
	session *discordgo.Session
}

var _ lifecycle.Platform = (*SessionPlatform)(nil)

func NewSessionPlatform(session *discordgo.Session) *SessionPlatform {
	if session == nil {
		panic("listener: session is required")
	}
	return &SessionPlatform{session: session}
}

func (p *SessionPlatform) CreateVoiceChannel(ctx context.Context, guildID string, spec lifecycle.ChannelSpec) (string, error) {
	ch, err := p.session.GuildChannelCreateComplex(guildID, discordgo.GuildChannelCreateData{
		Name:                 spec.Name,
		Type:                 discordgo.ChannelTypeGuildVoice,
		ParentID:             spec.ParentID,
		PermissionOverwrites: spec.Overwrites,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("create channel %q: %w", spec.Name, err)
	}
	return ch.ID, nil
}

func (p *SessionPlatform) MoveMember(ctx context.Context, guildID, userID, channelID string) error {
	target := channelID
	if err := p.session.GuildMemberMove(guildID, userID, &target, discordgo.WithContext(ctx)); err != nil {
		return mapNotFound(err)
	}
	return nil
}

func (p *SessionPlatform) FetchChannel(ctx context.Context, guildID, channelID string) (lifecycle.ChannelState, error) {
	ch, err := p.session.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return lifecycle.ChannelState{}, mapNotFound(err)
	}
	info := channelInfo(ch)
	if info.GuildID == "" {
		info.GuildID = guildID
	}
	occupants, err := countOccupants(p.session.State, info.GuildID, channelID)
	if err != nil {
		return lifecycle.ChannelState{}, err
	}
	return lifecycle.ChannelState{
		ChannelInfo: info,
		Occupants:   occupants,
	}, nil
}

func (p *SessionPlatform) DeleteChannel(ctx context.Context, channelID string) error {
	if _, err := p.session.ChannelDelete(channelID, discordgo.WithContext(ctx)); err != nil {
		return mapNotFound(err)
	}
	return nil
}

func (p *SessionPlatform) GuildChannels(ctx context.Context, guildID string) ([]lifecycle.ChannelInfo, error) {
	channels, err := p.session.GuildChannels(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	out := make([]lifecycle.ChannelInfo, 0, len(channels))
	for _, ch := range channels {
		if ch == nil {
			continue
		}
		out = append(out, channelInfo(ch))
	}
	return out, nil
}

func channelInfo(ch *discordgo.Channel) lifecycle.ChannelInfo {
	if ch == nil {
		return lifecycle.ChannelInfo{}
	}
	return lifecycle.ChannelInfo{
		ID:       ch.ID,
		GuildID:  ch.GuildID,
		Name:     ch.Name,
		ParentID: ch.ParentID,
		Type:     ch.Type,
	}
}

// countOccupants reads occupancy from the voice state cache. A guild that is
// not cached yet, or still unavailable after a reconnect, has no trustworthy
// voice states and reports ErrOccupancyUnknown instead of zero.
func countOccupants(state *discordgo.State, guildID, channelID string) (int, error) {
	if state == nil {
		return 0, fmt.Errorf("%w: no session state", ErrOccupancyUnknown)
	}
	guild, err := state.Guild(guildID)
	if err != nil {
		return 0, fmt.Errorf("%w: guild %s: %w", ErrOccupancyUnknown, guildID, err)
	}

	state.RLock()
	defer state.RUnlock()
	if guild.Unavailable {
		return 0, fmt.Errorf("%w: guild %s unavailable", ErrOccupancyUnknown, guildID)
	}
	n := 0
	for _, vs := range guild.VoiceStates {
		if vs != nil && vs.ChannelID == channelID {
			n++
		}
	}
	return n, nil
}

func mapNotFound(err error) error {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return err
	}
	if restErr.Message != nil && restErr.Message.Code == discordgo.ErrCodeUnknownChannel {
		return fmt.Errorf("%w: %w", lifecycle.ErrChannelNotFound, err)
	}
	if restErr.Response != nil && restErr.Response.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %w", lifecycle.ErrChannelNotFound, err)
	}
	return err
}
